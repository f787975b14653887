package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/chatrelay/internal/alarm"
	"github.com/nextlevelbuilder/chatrelay/internal/session"
)

// StartSweeper arms the cron safety net. Each tick scans every stored
// session for stuck batches, lost alarms, and stale delegated
// workflows.
func (e *Engine) StartSweeper(ctx context.Context) error {
	snap := e.cfg.EngineSnapshot()
	schedule := snap.SweepSchedule
	if schedule == "" {
		schedule = "* * * * *"
	}

	sw, err := alarm.NewSweeper(e.clk, schedule, e.Sweep)
	if err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	e.sweeper = sw
	sw.Start(ctx)
	slog.Info("engine.sweeper_started", "schedule", schedule)
	return nil
}

// Sweep runs one maintenance pass over all sessions.
func (e *Engine) Sweep(ctx context.Context) {
	keys, err := e.sessions.Keys(ctx)
	if err != nil {
		slog.Error("engine.sweep_keys_failed", "error", err)
		return
	}
	snap := e.cfg.EngineSnapshot()

	reclaims := 0
	for _, key := range keys {
		needsProcess := false
		err := e.withSession(ctx, key, func(st *session.State) error {
			now := e.clk.Now()

			if n := st.EvictStaleWorkflows(now); n > 0 {
				slog.Warn("engine.workflows_evicted", "session", key, "count", n)
			}

			b := st.ActiveBatch
			if b == nil || len(b.PendingMessages) == 0 {
				return nil
			}
			if b.Stuck(now, snap.HeartbeatTimeout.Std(), snap.HardCeiling.Std()) {
				needsProcess = true
				return nil
			}
			// A collecting batch with no armed alarm lost its timer
			// (restart); re-arm it.
			if !b.Frozen() && !e.alarms.Armed(key.String()) {
				needsProcess = true
			}
			return nil
		})
		if err != nil {
			slog.Error("engine.sweep_session_failed", "session", key, "error", err)
			continue
		}
		if needsProcess {
			reclaims++
			e.scheduleProcess(key, "", 0)
		}
	}
	if reclaims > 0 {
		slog.Info("engine.sweep_rearmed", "sessions", reclaims)
	}
}
