package transcript

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/avatarlink/internal/policy"
)

// Kind tells who produced a transcript line and how it was sent.
type Kind string

const (
	KindUserUtterance Kind = "user_utterance"
	KindTalk          Kind = "talk"
	KindRepeat        Kind = "repeat"
)

// Record is one line of a session transcript.
type Record struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	AvatarSessionID string    `json:"avatar_session_id,omitempty"`
	Kind            Kind      `json:"kind"`
	Text            string    `json:"text"`
	PIIRedacted     bool      `json:"pii_redacted"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store persists session transcripts. Recent returns the newest limit records
// for a local session in chronological order.
type Store interface {
	Append(ctx context.Context, record Record) error
	Recent(ctx context.Context, sessionID string, limit int) ([]Record, error)
	Close() error
}

// prepare fills defaults and redacts PII before a record is stored.
func prepare(record Record) Record {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.Text = strings.TrimSpace(record.Text)
	if redacted, changed := policy.RedactPII(record.Text); changed {
		record.Text = redacted
		record.PIIRedacted = true
	}
	return record
}
