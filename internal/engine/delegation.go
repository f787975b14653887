package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/progress"
	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/router"
	"github.com/nextlevelbuilder/chatrelay/internal/session"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// DelegationSink returns the completion callback fire-and-forget
// workers deliver through.
func (e *Engine) DelegationSink() router.CompleteFunc {
	return e.CompleteDelegation
}

// CompleteDelegation finishes a delegated execution: stop the
// heartbeat, commit or discard the turn, reply on the original channel,
// and chain the pending batch.
func (e *Engine) CompleteDelegation(ctx context.Context, target router.ResponseTarget, out router.WorkerOutput, execErr error) {
	e.delegMu.Lock()
	rot := e.delegations[target.ExecutionID]
	delete(e.delegations, target.ExecutionID)
	e.delegMu.Unlock()
	if rot != nil {
		rot.Stop()
		rot.WaitForPending()
	}

	key, err := session.ParseKey(target.SessionKey)
	if err != nil {
		slog.Error("engine.delegation_bad_key", "session_key", target.SessionKey, "error", err)
		return
	}
	snap := e.cfg.EngineSnapshot()

	ref := target.MessageRef
	var startedAt time.Time
	chain := false
	var chainID string
	var errsList []string

	werr := e.withSession(ctx, key, func(st *session.State) error {
		now := e.clk.Now()

		if wf, ok := st.ActiveWorkflows[target.ExecutionID]; ok {
			delete(st.ActiveWorkflows, target.ExecutionID)
			startedAt = wf.StartedAt
			if !wf.ProgressRef.IsZero() {
				ref = wf.ProgressRef
			}
		} else {
			// TTL eviction beat the callback; deliver the reply anyway
			// but do not touch batch state.
			slog.Warn("engine.delegation_unknown", "execution_id", target.ExecutionID, "session", key)
		}

		b := st.ActiveBatch
		owns := b != nil && b.Status == session.BatchDelegated
		if !owns {
			return nil
		}

		if execErr == nil {
			msgs := out.NewMessages
			if len(msgs) == 0 {
				msgs = []providers.Message{
					{Role: "user", Content: b.CombinedText()},
					{Role: "assistant", Content: out.Content},
				}
			}
			for _, m := range msgs {
				st.AppendMessage(m, snap.MaxHistory)
				e.recordChat(ctx, key, m)
			}
			b.Status = session.BatchDone
			b.PushStage(session.StageDone, now)
		} else {
			b.PushStage(session.StageFailed, now)
			b.PushStage(session.StageNotified, now)
			errsList = append(errsList, execErr.Error())
		}

		for _, m := range b.PendingMessages {
			st.RecordRequest(m.RequestID)
		}
		st.ActiveBatch = nil
		if st.PendingBatch != nil && len(st.PendingBatch.PendingMessages) > 0 {
			st.ActiveBatch = st.PendingBatch
			st.PendingBatch = nil
			chain = true
			chainID = st.ActiveBatch.ID
		}
		return nil
	})
	if werr != nil {
		slog.Error("engine.delegation_commit_failed", "session", key, "error", werr)
		return
	}

	now := e.clk.Now()
	if startedAt.IsZero() {
		startedAt = now
	}

	if execErr == nil {
		text := progress.RenderFinal(key.Platform, out.Content, target.Admin, progress.FooterInfo{
			Usage:    out.Usage,
			Duration: now.Sub(startedAt),
			Workflow: target.ExecutionID,
		})
		e.deliver(ctx, key, ref, session.ReplyContext{Platform: key.Platform, ChatID: target.ChatID}, text)
		e.recordEvent(ctx, store.Event{
			EventID:     target.EventID,
			SessionKey:  key.String(),
			Status:      store.EventSuccess,
			StartedAt:   startedAt,
			CompletedAt: &now,
			DurationMs:  now.Sub(startedAt).Milliseconds(),
			Response:    truncate(out.Content, 4000),
			Agents:      []string{out.AgentName},
		})
		e.emit("workflow.completed", key.String(), map[string]any{"execution_id": target.ExecutionID})
	} else {
		text := progress.RenderFailure(key.Platform, target.Admin, errsList)
		e.deliver(ctx, key, ref, session.ReplyContext{Platform: key.Platform, ChatID: target.ChatID}, text)
		e.recordEvent(ctx, store.Event{
			EventID:     target.EventID,
			SessionKey:  key.String(),
			Status:      store.EventError,
			StartedAt:   startedAt,
			CompletedAt: &now,
			Error:       fmt.Sprintf("delegated execution failed: %v", execErr),
		})
		e.emit("workflow.failed", key.String(), map[string]any{"execution_id": target.ExecutionID})
	}

	if chain {
		e.scheduleProcess(key, chainID, 0)
	}
}
