package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/chatrelay/internal/progress"
	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/session"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
	"github.com/nextlevelbuilder/chatrelay/internal/transport"
)

// BatchSnapshot is the read-only batch view served by the gateway and
// the /debug command.
type BatchSnapshot struct {
	SessionKey      string              `json:"session_key"`
	HistoryLen      int                 `json:"history_len"`
	ActiveStatus    session.BatchStatus `json:"active_status"`
	ActiveMessages  int                 `json:"active_messages"`
	RetryCount      int                 `json:"retry_count"`
	CurrentStage    session.Stage       `json:"current_stage,omitempty"`
	PendingMessages int                 `json:"pending_messages"`
	Workflows       int                 `json:"workflows"`
	AlarmArmed      bool                `json:"alarm_armed"`
}

// BatchState reports the session's queue state without mutating it.
func (e *Engine) BatchState(ctx context.Context, key session.Key) (BatchSnapshot, error) {
	snap := BatchSnapshot{SessionKey: key.String(), ActiveStatus: session.BatchIdle}

	st, err := e.sessions.Load(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		snap.AlarmArmed = e.alarms.Armed(key.String())
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("load session %s: %w", key, err)
	}

	snap.HistoryLen = len(st.Messages)
	snap.Workflows = len(st.ActiveWorkflows)
	if b := st.ActiveBatch; b != nil {
		snap.ActiveStatus = b.Status
		snap.ActiveMessages = len(b.PendingMessages)
		snap.RetryCount = b.RetryCount
		snap.CurrentStage = b.CurrentStage
	}
	if st.PendingBatch != nil {
		snap.PendingMessages = len(st.PendingBatch.PendingMessages)
	}
	snap.AlarmArmed = e.alarms.Armed(key.String())
	return snap, nil
}

// ClearHistory wipes the conversation immediately, outside the queue.
// The gateway uses this; chat users go through /clear, which serialises
// behind in-flight turns instead.
func (e *Engine) ClearHistory(ctx context.Context, key session.Key) error {
	return e.withSession(ctx, key, func(st *session.State) error {
		st.Messages = nil
		st.MCPInitialized = false
		return nil
	})
}

// Metadata returns a copy of the session's metadata map.
func (e *Engine) Metadata(ctx context.Context, key session.Key) (map[string]string, error) {
	out := map[string]string{}
	err := e.withSession(ctx, key, func(st *session.State) error {
		for k, v := range st.Metadata {
			out[k] = v
		}
		return nil
	})
	return out, err
}

// SetMetadata stores one metadata entry. An empty value deletes the key.
func (e *Engine) SetMetadata(ctx context.Context, key session.Key, name, value string) error {
	if name == "" {
		return fmt.Errorf("empty metadata key: %w", ErrValidation)
	}
	return e.withSession(ctx, key, func(st *session.State) error {
		if st.Metadata == nil {
			st.Metadata = map[string]string{}
		}
		if value == "" {
			delete(st.Metadata, name)
			return nil
		}
		st.Metadata[name] = value
		return nil
	})
}

// HandleSync processes one message synchronously, bypassing batching:
// the REST gateway's request/response endpoint. History is read and
// committed under the session lock, but the LLM call runs outside it.
func (e *Engine) HandleSync(ctx context.Context, input transport.ParsedInput) (string, error) {
	if strings.TrimSpace(input.Text) == "" {
		return "", fmt.Errorf("empty message text: %w", ErrValidation)
	}
	key := input.SessionKey()
	snap := e.cfg.EngineSnapshot()

	var history []providers.Message
	err := e.withSession(ctx, key, func(st *session.State) error {
		if input.RequestID != "" && st.SeenRequest(input.RequestID) {
			return fmt.Errorf("duplicate request %s: %w", input.RequestID, ErrValidation)
		}
		history = append([]providers.Message{}, st.Messages...)
		return nil
	})
	if err != nil {
		return "", err
	}

	timeline := progress.NewTimeline()
	lr, err := e.runChatLoop(ctx, snap, history, input.Text, timeline)
	if err != nil {
		return "", err
	}

	err = e.withSession(ctx, key, func(st *session.State) error {
		for _, m := range lr.newMessages {
			st.AppendMessage(m, snap.MaxHistory)
			e.recordChat(ctx, key, m)
		}
		if input.RequestID != "" {
			st.RecordRequest(input.RequestID)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return lr.content, nil
}

// ReceiveCallback handles an inline-button callback, encoded as
// "action:payload".
func (e *Engine) ReceiveCallback(ctx context.Context, input transport.ParsedInput, data string) error {
	action, payload, _ := strings.Cut(data, ":")
	key := input.SessionKey()

	switch action {
	case "clear":
		if err := e.ClearHistory(ctx, key); err != nil {
			return err
		}
		e.sendReply(ctx, input, "History cleared. Starting fresh.")
		return nil
	case "retry":
		e.alarms.Cancel(key.String())
		return e.ProcessBatch(ctx, key)
	default:
		e.emit("callback.unhandled", key.String(), map[string]any{"action": action, "payload": payload})
		return fmt.Errorf("unknown callback action %q: %w", action, ErrValidation)
	}
}
