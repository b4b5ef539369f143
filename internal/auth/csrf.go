package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/bunker-saas/bunker/pkg/crypto"
)

const csrfIssuer = "bunker"

// ErrCSRFMismatch is returned when the header and cookie tokens disagree or are invalid
var ErrCSRFMismatch = errors.New("csrf token mismatch")

// CSRFManager issues and checks double-submit CSRF tokens
type CSRFManager struct {
	secret []byte
	ttl    time.Duration
}

// NewCSRFManager creates a CSRF manager. An empty secret gets a random
// per-process key, which invalidates outstanding tokens on restart.
func NewCSRFManager(secret string, ttl time.Duration) (*CSRFManager, error) {
	key := []byte(secret)
	if len(key) == 0 {
		random, err := crypto.GenerateRandomBytes(32)
		if err != nil {
			return nil, fmt.Errorf("generate csrf key: %w", err)
		}
		key = random
	}
	return &CSRFManager{secret: key, ttl: ttl}, nil
}

// Issue creates a signed token
func (m *CSRFManager) Issue() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Issuer:    csrfIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign csrf token: %w", err)
	}
	return token, nil
}

// Verify checks the header token against the cookie token and validates the signature
func (m *CSRFManager) Verify(headerToken, cookieToken string) error {
	if headerToken == "" || cookieToken == "" {
		return ErrCSRFMismatch
	}
	if !crypto.ConstantTimeEqual(headerToken, cookieToken) {
		return ErrCSRFMismatch
	}

	token, err := jwt.ParseWithClaims(headerToken, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(csrfIssuer))
	if err != nil || !token.Valid {
		return ErrCSRFMismatch
	}

	return nil
}
