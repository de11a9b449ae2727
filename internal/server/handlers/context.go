package handlers

import (
	"context"

	"github.com/iudanet/fieldsync/internal/server/jwt"
)

// contextKey тип для ключей контекста
type contextKey string

// ClaimsKey ключ для хранения claims устройства в контексте
const ClaimsKey contextKey = "claims"

// WithClaims returns a copy of ctx carrying the authenticated device claims
func WithClaims(ctx context.Context, claims *jwt.Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetClaims извлекает claims устройства из контекста запроса
func GetClaims(ctx context.Context) (*jwt.Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*jwt.Claims)
	return claims, ok && claims != nil
}

// GetDeviceID извлекает идентификатор устройства из контекста запроса
func GetDeviceID(ctx context.Context) (string, bool) {
	claims, ok := GetClaims(ctx)
	if !ok {
		return "", false
	}
	return claims.Subject, true
}
