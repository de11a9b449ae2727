// Package crypto содержит хэширование содержимого мутаций для проверки идемпотентности.
package crypto

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// FingerprintSize длина отпечатка в байтах
const FingerprintSize = blake2b.Size256

// Fingerprint returns the BLAKE2b-256 digest of the JSON encoding of v.
// encoding/json sorts map keys, so equal values always give equal digests.
func Fingerprint(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fingerprint input: %w", err)
	}

	sum := blake2b.Sum256(data)
	return sum[:], nil
}

// Equal сравнивает два отпечатка за постоянное время
func Equal(a, b []byte) bool {
	return len(a) == FingerprintSize && subtle.ConstantTimeCompare(a, b) == 1
}

// String возвращает hex представление отпечатка для логов
func String(fp []byte) string {
	return hex.EncodeToString(fp)
}
