package domain

import (
	"time"

	"github.com/google/uuid"
)

type LoginEvent struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	CreatedAt time.Time `json:"created_at"`
	UserEmail string    `json:"user_email,omitempty"`
}

type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type LoginEventRepository interface {
	Create(event *LoginEvent) error
	ListRecent(limit, offset int) ([]*LoginEvent, int, error)
	ListByUser(userID uuid.UUID, limit, offset int) ([]*LoginEvent, error)
	ActiveUsers(since time.Time) (int, error)
	DailyLoginCounts(days int) ([]DailyCount, error)
}
