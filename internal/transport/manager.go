package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/chatrelay/internal/session"
)

// Manager routes outbound calls to the adapter for a platform and
// applies a per-chat rate limit on sends and edits. Telegram in
// particular throttles rapid message edits; the limiter keeps the
// thinking rotator from tripping flood control.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]Transport
	limiters map[string]*rate.Limiter // "{platform}:{chatId}" → limiter
	perChat  rate.Limit
	burst    int
}

// NewManager creates a manager. ratePerChat is calls per second per
// chat; zero disables limiting.
func NewManager(ratePerChat float64, burst int) *Manager {
	if burst <= 0 {
		burst = 1
	}
	return &Manager{
		adapters: make(map[string]Transport),
		limiters: make(map[string]*rate.Limiter),
		perChat:  rate.Limit(ratePerChat),
		burst:    burst,
	}
}

// Register adds an adapter. Later registrations for the same platform
// replace earlier ones.
func (m *Manager) Register(t Transport) {
	m.mu.Lock()
	m.adapters[t.Platform()] = t
	m.mu.Unlock()
	slog.Info("transport.registered", "platform", t.Platform())
}

// Get returns the adapter for a platform.
func (m *Manager) Get(platform string) (Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.adapters[platform]
	return t, ok
}

// Platforms lists registered platforms.
func (m *Manager) Platforms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.adapters))
	for p := range m.adapters {
		out = append(out, p)
	}
	return out
}

func (m *Manager) limiter(platform, chatID string) *rate.Limiter {
	if m.perChat <= 0 {
		return nil
	}
	key := platform + ":" + chatID
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[key]
	if !ok {
		l = rate.NewLimiter(m.perChat, m.burst)
		m.limiters[key] = l
	}
	return l
}

// Send posts a message on the platform named by reply.Platform.
func (m *Manager) Send(ctx context.Context, reply session.ReplyContext, text string) (session.MessageRef, error) {
	t, ok := m.Get(reply.Platform)
	if !ok {
		return session.MessageRef{}, Permanent(fmt.Errorf("no transport for platform %q", reply.Platform))
	}
	if l := m.limiter(reply.Platform, reply.ChatID); l != nil {
		if err := l.Wait(ctx); err != nil {
			return session.MessageRef{}, Transient(err)
		}
	}
	return t.Send(ctx, reply, text)
}

// Edit edits a previously sent message on the given platform.
func (m *Manager) Edit(ctx context.Context, platform string, ref session.MessageRef, text string) error {
	t, ok := m.Get(platform)
	if !ok {
		return Permanent(fmt.Errorf("no transport for platform %q", platform))
	}
	if l := m.limiter(platform, ref.ChatID); l != nil {
		if err := l.Wait(ctx); err != nil {
			return Transient(err)
		}
	}
	return t.Edit(ctx, ref, text)
}

// Typing shows the typing indicator. Failures are only logged.
func (m *Manager) Typing(ctx context.Context, platform, chatID string) {
	t, ok := m.Get(platform)
	if !ok {
		return
	}
	if err := t.Typing(ctx, chatID); err != nil {
		slog.Debug("transport.typing_failed", "platform", platform, "error", err)
	}
}
