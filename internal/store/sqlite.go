package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/session"
)

// SQLite backs standalone mode: sessions, the event log, and the chat
// log in one local file. Uses the pure-Go modernc driver, no cgo.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	event_id       TEXT PRIMARY KEY,
	session_key    TEXT NOT NULL,
	status         TEXT NOT NULL,
	started_at     TIMESTAMP NOT NULL,
	completed_at   TIMESTAMP,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	response       TEXT NOT NULL DEFAULT '',
	classification TEXT NOT NULL DEFAULT '',
	agents         TEXT NOT NULL DEFAULT '',
	input_tokens   INTEGER NOT NULL DEFAULT 0,
	output_tokens  INTEGER NOT NULL DEFAULT 0,
	model          TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_key, started_at);
CREATE TABLE IF NOT EXISTS chat_messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_key TEXT NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_session ON chat_messages(session_key, id);
`

// OpenSQLite opens (creating if needed) the standalone database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The sqlite driver serialises writes; a single connection avoids
	// SQLITE_BUSY under concurrent sessions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Load(ctx context.Context, key session.Key) (*session.State, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM sessions WHERE session_key = ?`, key.String()).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var state session.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &state, nil
}

func (s *SQLite) Save(ctx context.Context, state *session.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_key, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (session_key) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		state.Key.String(), string(data), state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key session.Key) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, key.String())
	return err
}

func (s *SQLite) Keys(ctx context.Context) ([]session.Key, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_key FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []session.Key
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		key, err := session.ParseKey(raw)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLite) UpsertEvent(ctx context.Context, ev Event) error {
	var completed any
	if ev.CompletedAt != nil {
		completed = *ev.CompletedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, session_key, status, started_at, completed_at,
			duration_ms, response, classification, agents, input_tokens, output_tokens, model, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET
			status         = excluded.status,
			completed_at   = COALESCE(excluded.completed_at, events.completed_at),
			duration_ms    = MAX(excluded.duration_ms, events.duration_ms),
			response       = CASE WHEN excluded.response != '' THEN excluded.response ELSE events.response END,
			classification = CASE WHEN excluded.classification != '' THEN excluded.classification ELSE events.classification END,
			agents         = CASE WHEN excluded.agents != '' THEN excluded.agents ELSE events.agents END,
			input_tokens   = MAX(excluded.input_tokens, events.input_tokens),
			output_tokens  = MAX(excluded.output_tokens, events.output_tokens),
			model          = CASE WHEN excluded.model != '' THEN excluded.model ELSE events.model END,
			error          = CASE WHEN excluded.error != '' THEN excluded.error ELSE events.error END`,
		ev.EventID, ev.SessionKey, string(ev.Status), ev.StartedAt, completed,
		ev.DurationMs, ev.Response, ev.Classification, strings.Join(ev.Agents, ","),
		ev.InputTokens, ev.OutputTokens, ev.Model, ev.Error)
	if err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	return nil
}

func (s *SQLite) AppendChatMessage(ctx context.Context, rec ChatRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (session_key, role, content, at) VALUES (?, ?, ?, ?)`,
		rec.SessionKey, rec.Role, rec.Content, at)
	return err
}

func (s *SQLite) ChatHistory(ctx context.Context, sessionKey string, limit int) ([]providers.Message, error) {
	if limit <= 0 {
		limit = session.DefaultMaxHistory
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content FROM (
			SELECT id, role, content FROM chat_messages
			WHERE session_key = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, sessionKey, limit)
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
