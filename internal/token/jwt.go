package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Reasons a token fails verification. Callers branch on these: an expired
// access token is a hint to try the refresh flow, a bad signature is not.
var (
	ErrExpired   = errors.New("token expired")
	ErrSignature = errors.New("token signature invalid")
	ErrMalformed = errors.New("token malformed")
)

// ErrWeakSecret is returned by NewManager when the signing key is unusable.
var ErrWeakSecret = errors.New("jwt secret must be at least 32 bytes")

const minSecretLen = 32

type Claims struct {
	UserID uuid.UUID `json:"user_id"`
	Role   string    `json:"role"`
	jwt.RegisteredClaims
}

// Manager issues and verifies HMAC-signed access tokens. It holds no state
// beyond the key and the clock-skew tolerance applied on verification.
type Manager struct {
	secret []byte
	skew   time.Duration
}

func NewManager(secret string, skew time.Duration) (*Manager, error) {
	if len(secret) < minSecretLen {
		return nil, ErrWeakSecret
	}
	if skew < 0 {
		skew = 0
	}
	return &Manager{secret: []byte(secret), skew: skew}, nil
}

// Issue builds a signed access token with subject = email and exp = now + ttl.
func (m *Manager) Issue(userID uuid.UUID, email, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(m.secret)
}

// Verify checks signature, structure and expiry. Expiry is tolerant: a token
// is still accepted while exp + skew >= now.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return m.secret, nil
	}, jwt.WithLeeway(m.skew))

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrSignatureInvalid):
			return nil, ErrSignature
		default:
			return nil, ErrMalformed
		}
	}
	if !tok.Valid {
		return nil, ErrMalformed
	}
	return claims, nil
}
