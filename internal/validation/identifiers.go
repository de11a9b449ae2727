// Package validation проверяет идентификаторы сущностей и имена полей.
// Одни и те же правила применяются на клиенте до записи в outbox и на сервере при приеме мутации.
package validation

import (
	"fmt"
	"regexp"
	"unicode"
	"unicode/utf8"
)

// EntityTypePattern определяет допустимый формат типа сущности.
// Строчные латинские буквы, цифры, '_', '-' и '.', первый символ - буква
var EntityTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]*$`)

const (
	// MaxEntityTypeLen максимальная длина типа сущности
	MaxEntityTypeLen = 64
	// MaxEntityIDLen максимальная длина идентификатора сущности в байтах
	MaxEntityIDLen = 256
	// MaxFieldNameLen максимальная длина имени поля в байтах
	MaxFieldNameLen = 128
)

// ValidateEntityType проверяет, что тип сущности соответствует требованиям
func ValidateEntityType(entityType string) error {
	if entityType == "" {
		return fmt.Errorf("entity type cannot be empty")
	}

	if len(entityType) > MaxEntityTypeLen {
		return fmt.Errorf("entity type must not exceed %d characters", MaxEntityTypeLen)
	}

	if !EntityTypePattern.MatchString(entityType) {
		return fmt.Errorf("entity type %q can only contain lowercase letters, digits, '_', '-' and '.', starting with a letter", entityType)
	}

	return nil
}

// ValidateEntityID проверяет идентификатор сущности.
// Формат свободный, но без управляющих символов: они служат разделителями ключей хранилища
func ValidateEntityID(id string) error {
	if id == "" {
		return fmt.Errorf("entity id cannot be empty")
	}
	if len(id) > MaxEntityIDLen {
		return fmt.Errorf("entity id must not exceed %d bytes", MaxEntityIDLen)
	}
	if err := checkPrintable(id); err != nil {
		return fmt.Errorf("entity id %w", err)
	}
	return nil
}

// ValidateFieldName проверяет имя поля сущности
func ValidateFieldName(name string) error {
	if name == "" {
		return fmt.Errorf("field name cannot be empty")
	}
	if len(name) > MaxFieldNameLen {
		return fmt.Errorf("field name must not exceed %d bytes", MaxFieldNameLen)
	}
	if err := checkPrintable(name); err != nil {
		return fmt.Errorf("field name %w", err)
	}
	return nil
}

// ValidateEntityRef проверяет пару тип + идентификатор
func ValidateEntityRef(entityType, id string) error {
	if err := ValidateEntityType(entityType); err != nil {
		return err
	}
	return ValidateEntityID(id)
}

func checkPrintable(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("must be valid UTF-8")
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return fmt.Errorf("must not contain control characters")
		}
	}
	return nil
}
