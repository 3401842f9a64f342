// Package auth handles bearer-token identity for the gating API. Identities
// are opaque strings (typically a public key from the content carrier
// ecosystem, e.g. an npub) carried as the subject of an HS256 JWT. The token
// proves who the caller is; what they may do is decided by the gating
// service against record ownership and purchase state.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenInvalid covers every way a presented token can fail validation:
// bad signature, wrong algorithm, expired, or missing subject. Handlers map
// it to 401 without detailing which check failed.
var ErrTokenInvalid = errors.New("auth: token invalid")

// Claims is the token payload. The subject carries the caller identity;
// nothing else is trusted from the token body.
type Claims struct {
	jwt.RegisteredClaims
}

// Manager signs and validates identity tokens with a shared secret. It is
// constructed once from configuration and injected; there is no package
// level secret state.
type Manager struct {
	secret   []byte
	tokenTTL time.Duration
}

// NewManager builds a token manager. The secret is required; refusing to
// start beats minting tokens nobody can validate after a restart.
func NewManager(secret string, tokenTTL time.Duration) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("auth: jwt secret is required (set AUTH_JWT_SECRET, generate with: openssl rand -hex 32)")
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("auth: jwt secret too short (%d chars, want at least 32)", len(secret))
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Manager{secret: []byte(secret), tokenTTL: tokenTTL}, nil
}

// Mint issues a signed token for identity.
func (m *Manager) Mint(identity string) (string, error) {
	if identity == "" {
		return "", errors.New("auth: cannot mint a token without an identity")
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			Issuer:    "recipegate",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Validate checks a token and returns the identity it asserts.
func (m *Manager) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrTokenInvalid
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return "", ErrTokenInvalid
	}
	return claims.Subject, nil
}
