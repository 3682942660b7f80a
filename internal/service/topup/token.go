package topup

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
)

type callbackClaims struct {
	jwt.RegisteredClaims
	Reference string `json:"ref"`
}

// newCallbackToken signs a short-lived token that binds the provider
// callback URL to a single transaction reference. A callback carrying
// a token for one transaction cannot settle another.
func newCallbackToken(secret, reference string, ttl time.Duration, now time.Time) (string, error) {
	claims := callbackClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Reference: reference,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("newCallbackToken: %w", err)
	}
	return signed, nil
}

func parseCallbackToken(secret, token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &callbackClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("parseCallbackToken: %w", domain.ErrPermissionDenied)
	}

	claims, ok := parsed.Claims.(*callbackClaims)
	if !ok || !parsed.Valid || claims.Reference == "" {
		return "", fmt.Errorf("parseCallbackToken: %w", domain.ErrPermissionDenied)
	}
	return claims.Reference, nil
}
