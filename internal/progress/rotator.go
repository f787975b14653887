// Package progress keeps the user informed while a batch runs: a
// rotating "thinking" message, a step timeline, and the final render.
// The rotator doubles as the liveness beacon for stuck detection, so
// the heartbeat write is deliberately independent of the UI edit: a
// deleted progress message must never cause a false stuck reclaim.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/clock"
)

// DefaultPhrases is the cyclic sequence shown while the model works.
// Short and semantically neutral so a stale one is never misleading.
var DefaultPhrases = []string{
	"Thinking…",
	"Working on it…",
	"Still here, processing…",
	"Putting it together…",
	"Almost there…",
}

// Rotator periodically advances the thinking message. On every tick it
// first persists the heartbeat via beat, then refreshes typing, then
// attempts the edit; edit failures are swallowed.
type Rotator struct {
	clk      clock.Clock
	interval time.Duration
	phrases  []string

	beat   func(now time.Time)                           // heartbeat persist, runs before any UI write
	typing func(ctx context.Context)                     // optional typing refresh
	edit   func(ctx context.Context, text string) error // progress message edit

	mu      sync.Mutex
	idx     int
	timer   clock.Timer
	stopped bool
	inTick  sync.WaitGroup
}

// NewRotator builds a rotator. beat is required; typing and edit may be
// nil.
func NewRotator(clk clock.Clock, interval time.Duration, phrases []string,
	beat func(now time.Time),
	typing func(ctx context.Context),
	edit func(ctx context.Context, text string) error,
) *Rotator {
	if len(phrases) == 0 {
		phrases = DefaultPhrases
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Rotator{
		clk:      clk,
		interval: interval,
		phrases:  phrases,
		beat:     beat,
		typing:   typing,
		edit:     edit,
	}
}

// Current returns the phrase the progress message should show now.
func (r *Rotator) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phrases[r.idx%len(r.phrases)]
}

// Start arms the periodic tick. Must be called once.
func (r *Rotator) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = false
	r.arm(ctx)
}

// arm must be called with r.mu held.
func (r *Rotator) arm(ctx context.Context) {
	r.timer = r.clk.AfterFunc(r.interval, func() { r.tick(ctx) })
}

func (r *Rotator) tick(ctx context.Context) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.idx++
	text := r.phrases[r.idx%len(r.phrases)]
	r.inTick.Add(1)
	r.arm(ctx)
	r.mu.Unlock()

	defer r.inTick.Done()

	// Heartbeat FIRST, unconditionally. The edit below may fail when
	// the user deleted the progress message; liveness must not.
	r.beat(r.clk.Now())

	if r.typing != nil {
		r.typing(ctx)
	}
	if r.edit != nil {
		if err := r.edit(ctx, text); err != nil {
			slog.Debug("progress.edit_failed", "error", err)
		}
	}
}

// Stop cancels the pending tick. Safe to call more than once.
func (r *Rotator) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// WaitForPending blocks until any in-flight tick returns, so the final
// edit is never clobbered by a stale rotator edit. Call after Stop.
func (r *Rotator) WaitForPending() {
	r.inTick.Wait()
}
