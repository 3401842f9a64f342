package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewManager(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr bool
	}{
		{"valid secret", testSecret, false},
		{"empty secret", "", true},
		{"short secret", "tooshort", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.secret, time.Hour)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewManager() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMintAndValidate(t *testing.T) {
	m, err := NewManager(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	token, err := m.Mint("npub1author")
	if err != nil {
		t.Fatalf("Mint() error: %v", err)
	}
	identity, err := m.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if identity != "npub1author" {
		t.Errorf("Validate() identity = %q, want npub1author", identity)
	}
}

func TestValidateRejections(t *testing.T) {
	m, _ := NewManager(testSecret, time.Hour)
	other, _ := NewManager(strings.Repeat("x", 32), time.Hour)

	foreign, _ := other.Mint("npub1author")

	expired := func() string {
		claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "npub1author",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}
		s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		return s
	}()

	noSubject := func() string {
		claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		return s
	}()

	unsigned := func() string {
		claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "npub1author"}}
		s, _ := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		return s
	}()

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not.a.token"},
		{"wrong secret", foreign},
		{"expired", expired},
		{"missing subject", noSubject},
		{"alg none", unsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Validate(tt.token); !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("Validate(%s) error = %v, want ErrTokenInvalid", tt.name, err)
			}
		})
	}
}
