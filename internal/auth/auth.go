// Package auth resolves caller credentials to identities. Credentials are
// HMAC-signed JWTs issued by the surrounding account system; this package
// only validates them and extracts the identity, it never issues
// credentials for production use.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for missing, malformed, expired, or
// wrongly-signed credentials. Callers surface it as unauthorized with no
// side effects performed.
var ErrInvalidToken = errors.New("auth: invalid token")

// Resolver validates bearer tokens against a shared HMAC secret.
type Resolver struct {
	secret []byte
}

// NewResolver creates a Resolver with the given shared secret.
func NewResolver(secret string) *Resolver {
	return &Resolver{secret: []byte(secret)}
}

// ResolveIdentity validates the token and returns the identity it was
// issued to (the subject claim).
func (r *Resolver) ResolveIdentity(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", ErrInvalidToken
	}
	return subject, nil
}

// Sign issues a token for the identity with the given lifetime. Used by
// tests and local tooling.
func (r *Resolver) Sign(identity string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   identity,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
