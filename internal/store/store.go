// Package store defines the persistence contracts: the durable session
// mapping, the append-only event log, and the append-only chat-message
// log used to restore history after eviction. Backends: memory (tests),
// SQLite (standalone), Postgres (managed).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/session"
)

// ErrNotFound is returned when a session key has no stored state.
var ErrNotFound = errors.New("store: not found")

// SessionStore is the durable sessionKey → SessionState mapping. Writes
// for one key are serialised by the engine's per-session actor; the store
// itself only has to be safe for concurrent use across keys.
type SessionStore interface {
	Load(ctx context.Context, key session.Key) (*session.State, error)
	Save(ctx context.Context, state *session.State) error
	Delete(ctx context.Context, key session.Key) error
	// Keys lists all stored session keys. The stuck-batch sweeper scans
	// them; backends may return them in any order.
	Keys(ctx context.Context) ([]session.Key, error)
}

// EventStatus is the lifecycle column of one observability row.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventSuccess    EventStatus = "success"
	EventError      EventStatus = "error"
)

// Event is one observability row, upserted by eventId across the
// request lifecycle.
type Event struct {
	EventID        string      `json:"event_id"`
	SessionKey     string      `json:"session_key"`
	Status         EventStatus `json:"status"`
	StartedAt      time.Time   `json:"started_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	DurationMs     int64       `json:"duration_ms,omitempty"`
	Response       string      `json:"response,omitempty"`
	Classification string      `json:"classification,omitempty"`
	Agents         []string    `json:"agents,omitempty"`
	InputTokens    int         `json:"input_tokens,omitempty"`
	OutputTokens   int         `json:"output_tokens,omitempty"`
	Model          string      `json:"model,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// ChatRecord is one row of the append-only chat-message log.
type ChatRecord struct {
	SessionKey string    `json:"session_key"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	At         time.Time `json:"at"`
}

// EventSink receives observability writes. All writes are fire-and-forget
// from the engine's point of view: failures are logged, never surfaced.
type EventSink interface {
	UpsertEvent(ctx context.Context, ev Event) error
	AppendChatMessage(ctx context.Context, rec ChatRecord) error
	// ChatHistory returns the last limit messages for a session,
	// oldest first. Used to restore history when the durable session
	// record was evicted.
	ChatHistory(ctx context.Context, sessionKey string, limit int) ([]providers.Message, error)
}
