package domain

import (
	"time"

	"github.com/google/uuid"
)

// RefreshToken is the persisted half of a token pair. Only the SHA-256 hash of
// the opaque value ever reaches the database.
type RefreshToken struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the token is past its expiry, with skew absorbing
// clock drift between issuer and store.
func (t *RefreshToken) Expired(now time.Time, skew time.Duration) bool {
	return t.ExpiresAt.Add(skew).Before(now)
}

type RefreshTokenRepository interface {
	Create(token *RefreshToken) error
	GetByTokenHash(tokenHash string) (*RefreshToken, error)
	// DeleteByTokenHash reports how many rows were removed. A rotation must
	// treat zero as "already used" — two concurrent refreshes race on this
	// delete and only one sees an affected row.
	DeleteByTokenHash(tokenHash string) (int64, error)
	RevokeByTokenHash(tokenHash string) error
	RevokeByUserID(userID uuid.UUID) error
	DeleteByUserID(userID uuid.UUID) error
	DeleteExpired(before time.Time) (int64, error)
}
