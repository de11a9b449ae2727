package api

import "time"

// TokenResponse представляет выпущенный токен доступа устройства
type TokenResponse struct {
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`   // nil для бессрочного токена
	AccessToken string     `json:"access_token"`           // JWT access token
	Subject     string     `json:"subject"`                // идентификатор устройства
	EntityTypes []string   `json:"entity_types,omitempty"` // разрешенные типы сущностей, пусто = все
}

// ErrorResponse представляет ответ с ошибкой
type ErrorResponse struct {
	Error   string `json:"error"`             // код ошибки
	Message string `json:"message,omitempty"` // дополнительное сообщение
}

// HealthResponse представляет ответ health check
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
