package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/session"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// EventSink implements store.EventSink on Postgres: the events table is
// upserted by event_id, chat_messages is append-only.
type EventSink struct {
	db *sql.DB
}

func NewEventSink(db *sql.DB) *EventSink {
	return &EventSink{db: db}
}

func (s *EventSink) UpsertEvent(ctx context.Context, ev store.Event) error {
	var completed any
	if ev.CompletedAt != nil {
		completed = *ev.CompletedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, session_key, status, started_at, completed_at,
			duration_ms, response, classification, agents, input_tokens, output_tokens, model, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (event_id) DO UPDATE SET
			status         = EXCLUDED.status,
			completed_at   = COALESCE(EXCLUDED.completed_at, events.completed_at),
			duration_ms    = GREATEST(EXCLUDED.duration_ms, events.duration_ms),
			response       = CASE WHEN EXCLUDED.response <> '' THEN EXCLUDED.response ELSE events.response END,
			classification = CASE WHEN EXCLUDED.classification <> '' THEN EXCLUDED.classification ELSE events.classification END,
			agents         = CASE WHEN cardinality(EXCLUDED.agents) > 0 THEN EXCLUDED.agents ELSE events.agents END,
			input_tokens   = GREATEST(EXCLUDED.input_tokens, events.input_tokens),
			output_tokens  = GREATEST(EXCLUDED.output_tokens, events.output_tokens),
			model          = CASE WHEN EXCLUDED.model <> '' THEN EXCLUDED.model ELSE events.model END,
			error          = CASE WHEN EXCLUDED.error <> '' THEN EXCLUDED.error ELSE events.error END`,
		ev.EventID, ev.SessionKey, string(ev.Status), ev.StartedAt, completed,
		ev.DurationMs, ev.Response, ev.Classification, pq.Array(ev.Agents),
		ev.InputTokens, ev.OutputTokens, ev.Model, ev.Error)
	if err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	return nil
}

func (s *EventSink) AppendChatMessage(ctx context.Context, rec store.ChatRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (session_key, role, content, at) VALUES ($1, $2, $3, $4)`,
		rec.SessionKey, rec.Role, rec.Content, at)
	return err
}

func (s *EventSink) ChatHistory(ctx context.Context, sessionKey string, limit int) ([]providers.Message, error) {
	if limit <= 0 {
		limit = session.DefaultMaxHistory
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content FROM (
			SELECT id, role, content FROM chat_messages
			WHERE session_key = $1 ORDER BY id DESC LIMIT $2
		) recent ORDER BY id ASC`, sessionKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []providers.Message
	for rows.Next() {
		var m providers.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
