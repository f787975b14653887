package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatrelay/internal/session"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
	"github.com/nextlevelbuilder/chatrelay/internal/transport"
)

// ReceiveMessage is the single entry point for inbound user messages
// from every transport. It enqueues the message into the session's
// batches and arms the processing alarm. The returned flag reports
// whether the message was queued; duplicates return false with no
// error.
func (e *Engine) ReceiveMessage(ctx context.Context, input transport.ParsedInput) (bool, error) {
	if strings.TrimSpace(input.Text) == "" {
		return false, fmt.Errorf("empty message text: %w", ErrValidation)
	}
	if input.Platform == "" || input.UserID == "" || input.ChatID == "" {
		return false, fmt.Errorf("missing platform/user/chat: %w", ErrValidation)
	}
	if input.RequestID == "" {
		input.RequestID = uuid.NewString()
	}
	if input.EventID == "" {
		input.EventID = uuid.NewString()
	}

	// Commands short-circuit the queue. Unknown commands are rewritten
	// to plain text and flow through as a normal message.
	if strings.HasPrefix(input.Text, "/") {
		handled, rewritten, err := e.handleCommand(ctx, input)
		if handled {
			return false, err
		}
		input.Text = rewritten
	}

	key := input.SessionKey()
	queued := false

	err := e.withSession(ctx, key, func(st *session.State) error {
		now := e.clk.Now()
		snap := e.cfg.EngineSnapshot()

		// A silent active batch is reclaimed on ingress so one wedged
		// turn never blocks the session (recovery path).
		if st.ActiveBatch.Stuck(now, snap.HeartbeatTimeout.Std(), snap.HardCeiling.Std()) {
			e.reclaimLocked(ctx, st, now)
		}

		if st.SeenRequest(input.RequestID) {
			return nil
		}

		msg := session.PendingMessage{
			Text:      input.Text,
			Timestamp: now,
			RequestID: input.RequestID,
			UserID:    input.UserID,
			ChatID:    input.ChatID,
			Username:  input.Username,
			IsAdmin:   input.IsAdmin,
			EventID:   input.EventID,
			Reply:     input.Reply,
		}

		var target *session.Batch
		if st.ActiveBatch != nil && st.ActiveBatch.Frozen() {
			// Active turn is immutable; the burst lands in the pending
			// batch and runs as the next turn.
			if st.PendingBatch == nil {
				st.PendingBatch = session.NewBatch()
			}
			target = st.PendingBatch
		} else {
			if st.ActiveBatch == nil {
				st.ActiveBatch = session.NewBatch()
			}
			target = st.ActiveBatch
		}

		target.Append(msg, now)
		if len(target.PendingMessages) == 1 {
			target.PushStage(session.StageQueued, now)
		}
		queued = true

		e.recordEvent(ctx, store.Event{
			EventID:    input.EventID,
			SessionKey: key.String(),
			Status:     store.EventPending,
			StartedAt:  now,
		})
		e.emit("message.queued", key.String(), map[string]any{
			"batch_id": target.ID,
			"pending":  target == st.PendingBatch,
			"size":     len(target.PendingMessages),
		})

		// Only the live active batch gets an alarm; a frozen turn chains
		// the pending batch itself when it completes. The alarm is armed
		// by the first message of the batch and left alone afterwards:
		// re-arming per message would push the window ahead of a steady
		// stream and the batch would never fire. A non-first message that
		// finds no armed alarm re-arms it (lost timer after a restart).
		if target == st.ActiveBatch && !st.ActiveBatch.Frozen() {
			if len(target.PendingMessages) == 1 || !e.alarms.Armed(key.String()) {
				e.scheduleProcess(key, target.ID, snap.CoalesceWindow.Std())
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return queued, nil
}

// scheduleProcess arms the session's single alarm to run the processor.
func (e *Engine) scheduleProcess(key session.Key, batchID string, delay time.Duration) {
	e.alarms.Schedule(key.String(), batchID, delay, func() {
		if err := e.ProcessBatch(context.Background(), key); err != nil {
			e.bgFailures.Add(1)
			slog.Error("engine.process_failed", "session", key, "error", err)
		}
	})
}

// reclaimLocked drops a stuck active batch, promotes the pending batch
// in its place, and re-arms processing. Orphaned messages from the
// stuck batch are recorded as errors and dropped; replaying them could
// double-apply a turn that may have partially completed.
func (e *Engine) reclaimLocked(ctx context.Context, st *session.State, now time.Time) {
	stuck := st.ActiveBatch

	for _, m := range stuck.PendingMessages {
		e.recordEvent(ctx, store.Event{
			EventID:    m.EventID,
			SessionKey: st.Key.String(),
			Status:     store.EventError,
			StartedAt:  m.Timestamp,
			Error:      "batch reclaimed: processing went silent",
		})
	}
	stuck.PushStage(session.StageFailed, now)

	st.ActiveBatch = st.PendingBatch
	st.PendingBatch = nil
	e.emit("batch.reclaimed", st.Key.String(), map[string]any{
		"batch_id": stuck.ID,
		"dropped":  len(stuck.PendingMessages),
		"retries":  stuck.RetryCount,
	})

	if st.ActiveBatch != nil && len(st.ActiveBatch.PendingMessages) > 0 {
		e.scheduleProcess(st.Key, st.ActiveBatch.ID, 0)
	}
}
