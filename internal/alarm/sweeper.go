package alarm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/chatrelay/internal/clock"
)

// Sweeper runs a sweep function on a cron schedule. The engine uses it
// as a safety net: a session whose alarm was lost (process restart,
// scheduling failure) gets picked up on the next tick instead of
// waiting for its next inbound message.
type Sweeper struct {
	clk      clock.Clock
	schedule string
	sweep    func(ctx context.Context)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper validates the cron expression and returns a stopped sweeper.
func NewSweeper(clk clock.Clock, schedule string, sweep func(ctx context.Context)) (*Sweeper, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid sweep schedule %q", schedule)
	}
	return &Sweeper{clk: clk, schedule: schedule, sweep: sweep}, nil
}

// Start begins ticking. Each tick schedules the next via the cron
// expression, so schedule drift never accumulates.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	for {
		now := s.clk.Now()
		next, err := gronx.NextTickAfter(s.schedule, now, false)
		if err != nil {
			slog.Error("sweeper.next_tick", "schedule", s.schedule, "error", err)
			return
		}
		delay := next.Sub(now)
		if delay < time.Second {
			delay = time.Second
		}

		fired := make(chan struct{})
		timer := s.clk.AfterFunc(delay, func() { close(fired) })

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-fired:
			s.sweep(ctx)
		}
	}
}

// Stop cancels the sweeper and waits for the loop to exit.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}
