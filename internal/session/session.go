// Package session persists conversation sessions and their message log,
// either in memory or in Postgres.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound marks a lookup of a session that does not exist.
var ErrNotFound = errors.New("session not found")

// Session is one persistent conversation thread between an account and a
// target (user or group).
type Session struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	TargetID  string `json:"target_id"`
	IsGroup   bool   `json:"is_group"`
	Title     string `json:"title,omitempty"`
	// Token is the provider-side resumption token, when the agent
	// provider issues one.
	Token     string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageRecord is one stored message of a session.
type MessageRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists sessions and their messages. Sessions are created lazily on
// first use and are never deleted by the connector.
type Store interface {
	// GetOrCreate returns the session for (accountID, targetID), creating
	// it when absent. created reports whether a new session was made.
	GetOrCreate(ctx context.Context, accountID, targetID string, isGroup bool) (sess Session, created bool, err error)
	// RecordMessage appends one message to the session log and bumps the
	// session's updated time.
	RecordMessage(ctx context.Context, sessionID, role, content string) error
	// UpdateTitle sets the session title.
	UpdateTitle(ctx context.Context, sessionID, title string) error
	// UpdateToken stores the provider resumption token.
	UpdateToken(ctx context.Context, sessionID, token string) error
	// Messages returns up to limit most recent messages, oldest first.
	Messages(ctx context.Context, sessionID string, limit int) ([]MessageRecord, error)
	// CountUserMessages returns how many user-role messages the session holds.
	CountUserMessages(ctx context.Context, sessionID string) (int, error)
	// Close releases backend resources.
	Close()
}

// Update is published on the event hub whenever a session changes.
type Update struct {
	SessionID string `json:"session_id"`
	AccountID string `json:"account_id"`
	TargetID  string `json:"target_id"`
	Kind      string `json:"kind"` // created, message, title
	Title     string `json:"title,omitempty"`
}
