package jwt

import (
	"errors"
	"fmt"
	"slices"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

const issuer = "fieldsync"

// ErrInvalidToken возвращается для любого токена, не прошедшего проверку
var ErrInvalidToken = errors.New("invalid token")

// Claims represents the access token claims of one device.
// Subject identifies the device, EntityTypes limits the collections it may write.
type Claims struct {
	EntityTypes []string `json:"entity_types,omitempty"` // пусто = все типы
	gojwt.RegisteredClaims
}

// Allows reports whether the token grants access to the entity type
func (c *Claims) Allows(entityType string) bool {
	return len(c.EntityTypes) == 0 || slices.Contains(c.EntityTypes, entityType)
}

// Service issues and validates HS256 access tokens
type Service struct {
	now    func() time.Time
	secret []byte
	ttl    time.Duration
}

// NewService creates a new JWT service.
// ttl <= 0 issues tokens without expiry (development setups)
func NewService(secret string, ttl time.Duration) *Service {
	return &Service{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue creates a signed access token for the device.
// Returns the token and its expiry (zero when the token does not expire)
func (s *Service) Issue(subject string, entityTypes []string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("token subject is required")
	}

	now := s.now()
	claims := Claims{
		EntityTypes: entityTypes,
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  gojwt.NewNumericDate(now),
			NotBefore: gojwt.NewNumericDate(now),
		},
	}

	var expiresAt time.Time
	if s.ttl > 0 {
		expiresAt = now.Add(s.ttl)
		claims.ExpiresAt = gojwt.NewNumericDate(expiresAt)
	}

	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return token, expiresAt, nil
}

// Validate parses the token and verifies signature, issuer and lifetime
func (s *Service) Validate(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := gojwt.ParseWithClaims(token, claims,
		func(*gojwt.Token) (any, error) {
			return s.secret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithIssuer(issuer),
		gojwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
