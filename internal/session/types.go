package session

import (
	"time"

	"github.com/ent0n29/avatarlink/internal/avatar"
)

// Entry is one locally registered avatar session.
type Entry struct {
	ID             string              `json:"session_id"`
	UserID         string              `json:"user_id"`
	CreatedAt      time.Time           `json:"created_at"`
	LastActivityAt time.Time           `json:"last_activity_at"`
	Coordinator    *avatar.Coordinator `json:"-"`
}

// Factory builds the coordinator for a new entry.
type Factory func(id string) (*avatar.Coordinator, error)
