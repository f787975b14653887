package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nextlevelbuilder/chatrelay/internal/alarm"
	"github.com/nextlevelbuilder/chatrelay/internal/clock"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/progress"
	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/router"
	"github.com/nextlevelbuilder/chatrelay/internal/session"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
	"github.com/nextlevelbuilder/chatrelay/internal/tools"
	"github.com/nextlevelbuilder/chatrelay/internal/transport"
)

// NotifyFunc receives runtime events (batch lifecycle, progress steps)
// for the WebSocket broadcast. Must not block.
type NotifyFunc func(event, sessionKey string, payload any)

// Engine drives all session work. Every state mutation for one session
// happens under that session's lock, so each session behaves as a
// single-writer actor.
type Engine struct {
	cfg        *config.Config
	sessions   store.SessionStore
	sink       store.EventSink
	provider   providers.Provider
	tools      *tools.Registry
	transports *transport.Manager
	router     *router.Router
	clk        clock.Clock
	alarms     *alarm.Scheduler
	sweeper    *alarm.Sweeper
	notify     NotifyFunc
	phrases    []string

	locks keyedLocks

	// delegations holds the live rotator for each fire-and-forget
	// execution, so the heartbeat keeps running until the callback.
	delegMu     sync.Mutex
	delegations map[string]*progress.Rotator

	bgFailures atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithRouter enables classification and worker dispatch.
func WithRouter(r *router.Router) Option {
	return func(e *Engine) { e.router = r }
}

// WithEventSink enables observability writes.
func WithEventSink(s store.EventSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithNotify sets the runtime event hook.
func WithNotify(fn NotifyFunc) Option {
	return func(e *Engine) { e.notify = fn }
}

// WithClock overrides the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clk = clk }
}

// WithPhrases overrides the thinking-message rotation.
func WithPhrases(phrases []string) Option {
	return func(e *Engine) { e.phrases = phrases }
}

func New(cfg *config.Config, sessions store.SessionStore, provider providers.Provider, reg *tools.Registry, transports *transport.Manager, opts ...Option) *Engine {
	e := &Engine{
		cfg:         cfg,
		sessions:    sessions,
		provider:    provider,
		tools:       reg,
		transports:  transports,
		clk:         clock.NewSystem(),
		delegations: make(map[string]*progress.Rotator),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.alarms = alarm.NewScheduler(e.clk)
	e.locks.m = make(map[string]*lockEntry)
	return e
}

// Alarms exposes the scheduler for shutdown and tests.
func (e *Engine) Alarms() *alarm.Scheduler { return e.alarms }

// Shutdown disarms alarms and the sweeper. In-flight batches finish on
// their own; their state is durable and any lost alarm is re-armed by
// the sweeper after restart.
func (e *Engine) Shutdown() {
	if e.sweeper != nil {
		e.sweeper.Stop()
	}
	e.alarms.Shutdown()
}

// BackgroundFailures reports how many background tasks panicked or
// returned an error since start.
func (e *Engine) BackgroundFailures() int64 { return e.bgFailures.Load() }

// Background runs fn detached with panic containment. Failures bump a
// counter surfaced by the doctor check.
func (e *Engine) Background(name string, fn func(ctx context.Context) error) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				e.bgFailures.Add(1)
				slog.Error("engine.background_panic", "task", name, "panic", rec)
			}
		}()
		if err := fn(context.Background()); err != nil {
			e.bgFailures.Add(1)
			slog.Error("engine.background_failed", "task", name, "error", err)
		}
	}()
}

func (e *Engine) emit(event, sessionKey string, payload any) {
	if e.notify != nil {
		e.notify(event, sessionKey, payload)
	}
}

// recordEvent upserts an observability row. Failures are logged, never
// surfaced: observability must not break message processing.
func (e *Engine) recordEvent(ctx context.Context, ev store.Event) {
	if e.sink == nil || ev.EventID == "" {
		return
	}
	if err := e.sink.UpsertEvent(ctx, ev); err != nil {
		slog.Warn("engine.event_write_failed", "event_id", ev.EventID, "error", err)
	}
}

func (e *Engine) recordChat(ctx context.Context, key session.Key, msg providers.Message) {
	if e.sink == nil {
		return
	}
	rec := store.ChatRecord{SessionKey: key.String(), Role: msg.Role, Content: msg.Content, At: e.clk.Now()}
	if err := e.sink.AppendChatMessage(ctx, rec); err != nil {
		slog.Warn("engine.chat_log_failed", "session", key, "error", err)
	}
}

// withSession runs fn with exclusive ownership of the session, loading
// it first and saving it after fn returns nil. A missing session is
// created fresh, restoring chat history from the event sink when one is
// configured.
func (e *Engine) withSession(ctx context.Context, key session.Key, fn func(st *session.State) error) error {
	le := e.locks.acquire(key.String())
	le.mu.Lock()
	defer func() {
		le.mu.Unlock()
		e.locks.release(key.String())
	}()

	st, err := e.sessions.Load(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		st = session.NewState(key, e.clk.Now())
		e.restoreHistory(ctx, st)
	} else if err != nil {
		return fmt.Errorf("load session %s: %w", key, err)
	}

	if err := fn(st); err != nil {
		return err
	}

	st.Touch(e.clk.Now())
	if err := e.sessions.Save(ctx, st); err != nil {
		return fmt.Errorf("save session %s: %w", key, err)
	}
	return nil
}

func (e *Engine) restoreHistory(ctx context.Context, st *session.State) {
	if e.sink == nil {
		return
	}
	snap := e.cfg.EngineSnapshot()
	max := snap.MaxHistory
	if max <= 0 {
		max = session.DefaultMaxHistory
	}
	msgs, err := e.sink.ChatHistory(ctx, st.Key.String(), max)
	if err != nil {
		slog.Warn("engine.history_restore_failed", "session", st.Key, "error", err)
		return
	}
	if len(msgs) > 0 {
		st.Messages = msgs
		slog.Info("engine.history_restored", "session", st.Key, "messages", len(msgs))
	}
}

// keyedLocks hands out one mutex per session key, dropping entries when
// no goroutine holds or awaits them.
type keyedLocks struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedLocks) acquire(key string) *lockEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	le, ok := k.m[key]
	if !ok {
		le = &lockEntry{}
		k.m[key] = le
	}
	le.refs++
	return le
}

func (k *keyedLocks) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	le, ok := k.m[key]
	if !ok {
		return
	}
	le.refs--
	if le.refs <= 0 {
		delete(k.m, key)
	}
}
