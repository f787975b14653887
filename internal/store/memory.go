package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/session"
)

// Memory is an in-process SessionStore + EventSink. It backs tests and
// the zero-config standalone mode. State is deep-copied through JSON on
// both Load and Save so callers never share mutable references with the
// store, matching the durability boundary of the real backends.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string][]byte
	events   map[string]Event
	chat     map[string][]ChatRecord
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string][]byte),
		events:   make(map[string]Event),
		chat:     make(map[string][]ChatRecord),
	}
}

func (m *Memory) Load(_ context.Context, key session.Key) (*session.State, error) {
	m.mu.RLock()
	data, ok := m.sessions[key.String()]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var state session.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (m *Memory) Save(_ context.Context, state *session.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sessions[state.Key.String()] = data
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key session.Key) error {
	m.mu.Lock()
	delete(m.sessions, key.String())
	m.mu.Unlock()
	return nil
}

func (m *Memory) Keys(_ context.Context) ([]session.Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]session.Key, 0, len(m.sessions))
	for k := range m.sessions {
		key, err := session.ParseKey(k)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (m *Memory) UpsertEvent(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.events[ev.EventID]; ok {
		// Upsert semantics: later writes refine, zero fields keep the
		// previous value.
		if ev.StartedAt.IsZero() {
			ev.StartedAt = prev.StartedAt
		}
		if ev.Classification == "" {
			ev.Classification = prev.Classification
		}
		if len(ev.Agents) == 0 {
			ev.Agents = prev.Agents
		}
	}
	m.events[ev.EventID] = ev
	return nil
}

func (m *Memory) AppendChatMessage(_ context.Context, rec ChatRecord) error {
	m.mu.Lock()
	m.chat[rec.SessionKey] = append(m.chat[rec.SessionKey], rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ChatHistory(_ context.Context, sessionKey string, limit int) ([]providers.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.chat[sessionKey]
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	msgs := make([]providers.Message, 0, len(recs))
	for _, r := range recs {
		msgs = append(msgs, providers.Message{Role: r.Role, Content: r.Content})
	}
	return msgs, nil
}

// Event returns a stored event row by ID. Test helper.
func (m *Memory) Event(eventID string) (Event, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[eventID]
	return ev, ok
}
