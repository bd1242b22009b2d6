// Package auth issues and checks the service tokens that guard the /v1 API.
//
// Callers (the membership system's webhook sender and the display frontends)
// present an HS256 JWT signed with the shared SERVICE_JWT_SECRET.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrInvalidToken is returned for unparsable, badly signed or expired tokens
	ErrInvalidToken = errors.New("invalid service token")

	// ErrMissingSecret is returned when no signing secret is configured
	ErrMissingSecret = errors.New("service jwt secret is not configured")
)

// ServiceClaims identifies the calling service
type ServiceClaims struct {
	jwt.RegisteredClaims
}

// GenerateServiceToken signs a token for subject valid for ttl.
// A zero ttl produces a token without expiry.
func GenerateServiceToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", ErrMissingSecret
	}

	now := time.Now()
	claims := ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign service token: %w", err)
	}
	return signed, nil
}

// ValidateServiceToken verifies tokenString and returns its claims.
// Only HS256 is accepted.
func ValidateServiceToken(tokenString string, secret []byte) (*ServiceClaims, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}

	claims := &ServiceClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
