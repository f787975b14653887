package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/progress"
	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/router"
	"github.com/nextlevelbuilder/chatrelay/internal/session"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// work is the immutable snapshot of a promoted batch, taken under the
// session lock so the long-running phase never touches shared state.
type work struct {
	batchID     string
	combined    string
	first       session.PendingMessage
	reply       session.ReplyContext
	history     []providers.Message
	admin       bool
	eventID     string
	requestIDs  []string
	progressRef session.MessageRef
	startedAt   time.Time
}

// ProcessBatch is the alarm target: it promotes the session's active
// batch to processing and runs it to completion. Safe to call at any
// time; a healthy in-flight batch makes it a no-op, a stuck one is
// reclaimed.
func (e *Engine) ProcessBatch(ctx context.Context, key session.Key) error {
	snap := e.cfg.EngineSnapshot()

	var w *work
	err := e.withSession(ctx, key, func(st *session.State) error {
		now := e.clk.Now()

		b := st.ActiveBatch
		if b == nil || len(b.PendingMessages) == 0 {
			if st.PendingBatch != nil && len(st.PendingBatch.PendingMessages) > 0 {
				st.ActiveBatch = st.PendingBatch
				st.PendingBatch = nil
				b = st.ActiveBatch
			} else {
				return nil
			}
		}

		if b.Frozen() {
			if !b.Stuck(now, snap.HeartbeatTimeout.Std(), snap.HardCeiling.Std()) {
				// Another pass owns this batch.
				return nil
			}
			e.reclaimLocked(ctx, st, now)
			return nil
		}

		b.Status = session.BatchProcessing
		b.PushStage(session.StageProcessing, now)
		// Seed the heartbeat so stuck detection measures silence from
		// promotion, not from the first rotator tick.
		b.LastHeartbeat = now

		w = &work{
			batchID:     b.ID,
			combined:    b.CombinedText(),
			first:       b.First(),
			reply:       b.First().Reply,
			eventID:     b.First().EventID,
			progressRef: b.ProgressRef,
			startedAt:   now,
		}
		w.history = append([]providers.Message{}, st.Messages...)
		for _, m := range b.PendingMessages {
			w.requestIDs = append(w.requestIDs, m.RequestID)
			w.admin = w.admin || m.IsAdmin
		}
		if w.reply.Platform == "" {
			w.reply.Platform = key.Platform
		}
		if w.reply.ChatID == "" {
			w.reply.ChatID = key.ChatID
		}
		return nil
	})
	if err != nil || w == nil {
		return err
	}
	return e.runBatch(ctx, key, snap, w)
}

func (e *Engine) runBatch(ctx context.Context, key session.Key, snap config.EngineConfig, w *work) error {
	started := e.clk.Now()

	e.recordEvent(ctx, store.Event{
		EventID:    w.eventID,
		SessionKey: key.String(),
		Status:     store.EventProcessing,
		StartedAt:  w.startedAt,
	})
	e.emit("batch.processing", key.String(), map[string]any{
		"batch_id": w.batchID,
		"messages": len(w.requestIDs),
	})

	// /clear serialises through the queue like any other message, so it
	// can never race an in-flight turn. When a burst starts with /clear
	// the whole batch is the clear: the trailing messages are discarded,
	// not fed to the LLM.
	if strings.TrimSpace(w.first.Text) == "/clear" {
		return e.finishClear(ctx, key, snap, w)
	}

	ref := e.ensureProgressMessage(ctx, key, w)

	timeline := progress.NewTimeline()
	rot := e.newRotator(ctx, key, w, ref)
	rot.Start(ctx)

	var (
		content        string
		newMsgs        []providers.Message
		usage          providers.Usage
		model          string
		routedTo       string
		classification string
		runErr         error
	)

	// The synchronous phase is bounded by the hard ceiling. Without this
	// a wedged provider call keeps the rotator heartbeating forever and
	// stuck detection never fires.
	hard := snap.HardCeiling.Std()
	if hard <= 0 {
		hard = 5 * time.Minute
	}
	execCtx, cancelExec := context.WithTimeout(ctx, hard)
	defer cancelExec()

	routed := false
	if e.router != nil {
		res := e.router.Route(execCtx, router.Request{
			Query:      w.combined,
			SessionKey: key,
			EventID:    w.eventID,
			Admin:      w.admin,
			History:    w.history,
			Target: router.ResponseTarget{
				Platform:   key.Platform,
				ChatID:     w.first.ChatID,
				MessageRef: ref,
			},
		})
		classification = fmt.Sprintf("%s/%s/%s", res.Classification.Type, res.Classification.Category, res.Classification.Complexity)
		routedTo = string(res.RoutedTo)
		if res.RoutedTo != router.TargetSimple {
			timeline.Add(progress.Step{Kind: progress.StepRouting, At: e.clk.Now(), Name: routedTo})
		}

		switch {
		case res.Delegated:
			return e.markDelegated(ctx, key, w, ref, rot, res, classification)
		case res.Handled && res.Success:
			routed = true
			content = res.Content
			newMsgs = res.NewMessages
			usage.Add(res.Usage)
		case res.Handled:
			routed = true
			runErr = res.Err
		default:
			// Simple query, or no worker: run the chat loop ourselves.
		}
	}

	if !routed && runErr == nil {
		lr, err := e.runChatLoop(execCtx, snap, w.history, w.combined, timeline)
		if err != nil {
			runErr = err
		} else {
			content = lr.content
			newMsgs = lr.newMessages
			usage.Add(&lr.usage)
			model = lr.model
		}
	}
	if runErr != nil && execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		runErr = fmt.Errorf("execution abandoned after %v: %w", hard, ErrStuck)
	}

	rot.Stop()
	rot.WaitForPending()

	if runErr != nil {
		return e.failBatch(ctx, key, snap, w, ref, runErr)
	}
	return e.succeedBatch(ctx, key, snap, w, ref, timeline, batchOutcome{
		content:        content,
		newMessages:    newMsgs,
		usage:          usage,
		model:          model,
		routedTo:       routedTo,
		classification: classification,
		duration:       e.clk.Now().Sub(started),
	})
}

// ensureProgressMessage sends the thinking message once per batch and
// persists its handle so retries edit the same message.
func (e *Engine) ensureProgressMessage(ctx context.Context, key session.Key, w *work) session.MessageRef {
	if !w.progressRef.IsZero() {
		return w.progressRef
	}

	phrases := e.phrases
	if len(phrases) == 0 {
		phrases = progress.DefaultPhrases
	}
	ref, err := e.transports.Send(ctx, w.reply, phrases[0])
	if err != nil {
		// No progress UI on this channel; processing continues without.
		slog.Debug("engine.progress_send_failed", "session", key, "error", err)
		return session.MessageRef{}
	}

	err = e.withSession(ctx, key, func(st *session.State) error {
		if b := st.ActiveBatch; b != nil && b.ID == w.batchID {
			b.ProgressRef = ref
		}
		return nil
	})
	if err != nil {
		slog.Warn("engine.progress_ref_persist_failed", "session", key, "error", err)
	}
	w.progressRef = ref
	return ref
}

// newRotator builds the per-batch thinking rotator. The heartbeat
// persist runs before and independent of the message edit, so a
// deleted progress message never looks like a stuck batch.
func (e *Engine) newRotator(ctx context.Context, key session.Key, w *work, ref session.MessageRef) *progress.Rotator {
	beat := func(now time.Time) {
		err := e.withSession(context.Background(), key, func(st *session.State) error {
			if b := st.ActiveBatch; b != nil && b.ID == w.batchID {
				b.LastHeartbeat = now
			}
			return nil
		})
		if err != nil {
			slog.Warn("engine.heartbeat_failed", "session", key, "error", err)
		}
	}

	typing := func(ctx context.Context) {
		e.transports.Typing(ctx, key.Platform, w.first.ChatID)
	}

	var edit func(ctx context.Context, text string) error
	if !ref.IsZero() {
		edit = func(ctx context.Context, text string) error {
			return e.transports.Edit(ctx, key.Platform, ref, text)
		}
	}

	return progress.NewRotator(e.clk, snapRotation(e.cfg.EngineSnapshot()), e.phrases, beat, typing, edit)
}

func snapRotation(snap config.EngineConfig) time.Duration {
	if d := snap.RotationInterval.Std(); d > 0 {
		return d
	}
	return 5 * time.Second
}

type batchOutcome struct {
	content        string
	newMessages    []providers.Message
	usage          providers.Usage
	model          string
	routedTo       string
	classification string
	duration       time.Duration
}

// succeedBatch commits a completed turn: history append, request-ID
// record, and batch clear happen in one session write, then the final
// reply replaces the progress message.
func (e *Engine) succeedBatch(ctx context.Context, key session.Key, snap config.EngineConfig, w *work, ref session.MessageRef, timeline *progress.Timeline, out batchOutcome) error {
	if len(out.newMessages) == 0 {
		out.newMessages = []providers.Message{
			{Role: "user", Content: w.combined},
			{Role: "assistant", Content: out.content},
		}
	}

	chain := false
	var chainID string
	err := e.withSession(ctx, key, func(st *session.State) error {
		now := e.clk.Now()
		b := st.ActiveBatch
		if b == nil || b.ID != w.batchID {
			slog.Warn("engine.batch_vanished", "session", key, "batch_id", w.batchID)
			return nil
		}

		for _, m := range out.newMessages {
			st.AppendMessage(m, snap.MaxHistory)
			e.recordChat(ctx, key, m)
		}
		for _, id := range w.requestIDs {
			st.RecordRequest(id)
		}
		b.Status = session.BatchDone
		b.PushStage(session.StageDone, now)
		st.ActiveBatch = nil

		if st.PendingBatch != nil && len(st.PendingBatch.PendingMessages) > 0 {
			st.ActiveBatch = st.PendingBatch
			st.PendingBatch = nil
			chain = true
			chainID = st.ActiveBatch.ID
		}
		return nil
	})
	if err != nil {
		return err
	}

	model := out.model
	if model == "" && e.provider != nil {
		model = e.provider.DefaultModel()
	}
	finalText := progress.RenderFinal(key.Platform, out.content, w.admin, progress.FooterInfo{
		Timeline: timeline,
		Usage:    &out.usage,
		Model:    model,
		Duration: out.duration,
	})
	e.deliver(ctx, key, ref, w.reply, finalText)

	now := e.clk.Now()
	agents := []string{}
	if out.routedTo != "" && out.routedTo != string(router.TargetSimple) {
		agents = append(agents, out.routedTo)
	}
	e.recordEvent(ctx, store.Event{
		EventID:        w.eventID,
		SessionKey:     key.String(),
		Status:         store.EventSuccess,
		StartedAt:      w.startedAt,
		CompletedAt:    &now,
		DurationMs:     out.duration.Milliseconds(),
		Response:       truncate(out.content, 4000),
		Classification: out.classification,
		Agents:         agents,
		InputTokens:    out.usage.PromptTokens,
		OutputTokens:   out.usage.CompletionTokens,
		Model:          model,
	})
	e.emit("batch.completed", key.String(), map[string]any{
		"batch_id":    w.batchID,
		"duration_ms": out.duration.Milliseconds(),
		"routed_to":   out.routedTo,
	})

	if chain {
		e.scheduleProcess(key, chainID, 0)
	}
	return nil
}

// failBatch decides between retry and terminal failure.
func (e *Engine) failBatch(ctx context.Context, key session.Key, snap config.EngineConfig, w *work, ref session.MessageRef, runErr error) error {
	kind := KindOf(runErr)
	maxRetries := snap.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	retrying := false
	var errsList []string
	err := e.withSession(ctx, key, func(st *session.State) error {
		now := e.clk.Now()
		b := st.ActiveBatch
		if b == nil || b.ID != w.batchID {
			return nil
		}

		b.RetryErrors = append(b.RetryErrors, session.RetryError{
			At:      now,
			Attempt: b.RetryCount + 1,
			Message: runErr.Error(),
		})

		if kind.Retryable() && b.RetryCount < maxRetries {
			b.RetryCount++
			b.Status = session.BatchRetrying
			b.PushStage(session.StageRetrying, now)
			delay := retryDelay(snap, b.RetryCount)
			e.scheduleProcess(key, b.ID, delay)
			retrying = true
			slog.Warn("engine.batch_retry", "session", key, "batch_id", b.ID,
				"attempt", b.RetryCount, "delay", delay, "kind", kind, "error", runErr)
			return nil
		}

		b.PushStage(session.StageFailed, now)
		for _, re := range b.RetryErrors {
			errsList = append(errsList, re.Message)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if retrying {
		e.emit("batch.retrying", key.String(), map[string]any{"batch_id": w.batchID, "kind": string(kind)})
		return nil
	}

	// Terminal: tell the user once, then clear the batch so the session
	// moves on.
	failText := progress.RenderFailure(key.Platform, w.admin, errsList)
	e.deliver(ctx, key, ref, w.reply, failText)

	chain := false
	var chainID string
	err = e.withSession(ctx, key, func(st *session.State) error {
		now := e.clk.Now()
		b := st.ActiveBatch
		if b == nil || b.ID != w.batchID {
			return nil
		}
		b.PushStage(session.StageNotified, now)
		// Terminal failures still consume their request IDs: redelivery
		// of a failed request must not re-run it.
		for _, id := range w.requestIDs {
			st.RecordRequest(id)
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
	if err != nil {
		return err
	}

	now := e.clk.Now()
	e.recordEvent(ctx, store.Event{
		EventID:     w.eventID,
		SessionKey:  key.String(),
		Status:      store.EventError,
		StartedAt:   w.startedAt,
		CompletedAt: &now,
		DurationMs:  now.Sub(w.startedAt).Milliseconds(),
		Error:       fmt.Sprintf("%s: %v", kind, runErr),
	})
	e.emit("batch.failed", key.String(), map[string]any{"batch_id": w.batchID, "kind": string(kind)})

	if chain {
		e.scheduleProcess(key, chainID, 0)
	}
	return nil
}

// markDelegated freezes the batch as delegated and hands the rotator to
// the delegation table; the heartbeat keeps running until the worker's
// callback arrives.
func (e *Engine) markDelegated(ctx context.Context, key session.Key, w *work, ref session.MessageRef, rot *progress.Rotator, res router.Result, classification string) error {
	err := e.withSession(ctx, key, func(st *session.State) error {
		now := e.clk.Now()
		b := st.ActiveBatch
		if b == nil || b.ID != w.batchID {
			return nil
		}
		b.Status = session.BatchDelegated
		b.LastHeartbeat = now
		if st.ActiveWorkflows == nil {
			st.ActiveWorkflows = make(map[string]session.WorkflowRef)
		}
		st.ActiveWorkflows[res.ExecutionID] = session.WorkflowRef{
			ExecutionID: res.ExecutionID,
			Worker:      string(res.RoutedTo),
			StartedAt:   now,
			ProgressRef: ref,
		}
		return nil
	})
	if err != nil {
		rot.Stop()
		return err
	}

	e.delegMu.Lock()
	e.delegations[res.ExecutionID] = rot
	e.delegMu.Unlock()

	e.recordEvent(ctx, store.Event{
		EventID:        w.eventID,
		SessionKey:     key.String(),
		Status:         store.EventProcessing,
		StartedAt:      w.startedAt,
		Classification: classification,
		Agents:         []string{string(res.RoutedTo)},
	})
	e.emit("batch.delegated", key.String(), map[string]any{
		"batch_id":     w.batchID,
		"execution_id": res.ExecutionID,
		"worker":       string(res.RoutedTo),
	})
	return nil
}

// finishClear handles a queued /clear: wipe history, confirm, done.
// Everything queued behind the clear is dropped with it, pending batch
// included; the user asked for a fresh start, not a replay.
func (e *Engine) finishClear(ctx context.Context, key session.Key, snap config.EngineConfig, w *work) error {
	err := e.withSession(ctx, key, func(st *session.State) error {
		now := e.clk.Now()
		st.Messages = nil
		st.MCPInitialized = false
		if b := st.ActiveBatch; b != nil && b.ID == w.batchID {
			for _, id := range w.requestIDs {
				st.RecordRequest(id)
			}
			b.Status = session.BatchDone
			b.PushStage(session.StageDone, now)
			st.ActiveBatch = nil
		}
		if pb := st.PendingBatch; pb != nil {
			for _, m := range pb.PendingMessages {
				st.RecordRequest(m.RequestID)
				e.recordEvent(ctx, store.Event{
					EventID:    m.EventID,
					SessionKey: key.String(),
					Status:     store.EventError,
					StartedAt:  m.Timestamp,
					Error:      "dropped by /clear",
				})
			}
			st.PendingBatch = nil
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.deliver(ctx, key, w.progressRef, w.reply, "History cleared. Starting fresh.")
	e.emit("session.cleared", key.String(), nil)
	return nil
}

// deliver replaces the progress message with the final text, falling
// back to a fresh send when the edit fails or no progress message
// exists.
func (e *Engine) deliver(ctx context.Context, key session.Key, ref session.MessageRef, reply session.ReplyContext, text string) {
	if !ref.IsZero() {
		err := e.transports.Edit(ctx, key.Platform, ref, text)
		if err == nil {
			return
		}
		slog.Debug("engine.final_edit_failed", "session", key, "error", err)
	}
	if _, err := e.transports.Send(ctx, reply, text); err != nil {
		slog.Error("engine.final_send_failed", "session", key, "error", err)
	}
}

// retryDelay is baseDelay·backoff^(attempt-1), capped.
func retryDelay(snap config.EngineConfig, attempt int) time.Duration {
	base := snap.BaseDelay.Std()
	if base <= 0 {
		base = time.Second
	}
	backoff := snap.Backoff
	if backoff <= 1 {
		backoff = 2.0
	}
	ceiling := snap.CapDelay.Std()
	if ceiling <= 0 {
		ceiling = 60 * time.Second
	}

	d := time.Duration(float64(base) * math.Pow(backoff, float64(attempt-1)))
	if d > ceiling {
		d = ceiling
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
