// Package router classifies queries and dispatches them to specialised
// workers, either synchronously over the WorkerClient call interface or
// fire-and-forget via ScheduleExecution. Workers are addressed through
// an explicit Registry; they never call back into the router.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/session"
)

// ErrWorkerUnavailable signals that no worker serves a target. The
// caller falls back to the direct chat loop.
var ErrWorkerUnavailable = errors.New("router: worker unavailable")

// WorkerInput is the request handed to a worker.
type WorkerInput struct {
	ExecutionID string              `json:"execution_id"`
	Query       string              `json:"query"`
	SessionKey  string              `json:"session_key"`
	History     []providers.Message `json:"history,omitempty"`
	Admin       bool                `json:"admin,omitempty"`
}

// WorkerOutput is a worker's synchronous result.
type WorkerOutput struct {
	Content     string              `json:"content"`
	NewMessages []providers.Message `json:"new_messages,omitempty"`
	AgentName   string              `json:"agent_name,omitempty"`
	Usage       *providers.Usage    `json:"usage,omitempty"`
}

// ResponseTarget is the minimal field set a fire-and-forget worker
// needs to deliver its final reply on the original channel. Credentials
// are injected from the environment at dispatch time and never
// persisted.
type ResponseTarget struct {
	Platform    string             `json:"platform"`
	ChatID      string             `json:"chat_id"`
	MessageRef  session.MessageRef `json:"message_ref"`
	SessionKey  string             `json:"session_key"`
	ExecutionID string             `json:"execution_id,omitempty"`
	EventID     string             `json:"event_id,omitempty"`
	Admin       bool               `json:"admin,omitempty"`
	Credentials map[string]string  `json:"-"`
}

// ScheduleReceipt acknowledges a fire-and-forget dispatch. The caller
// MUST NOT await the final reply; the worker owns delivery.
type ScheduleReceipt struct {
	Scheduled   bool   `json:"scheduled"`
	ExecutionID string `json:"execution_id"`
}

// WorkerClient is the dispatch capability for one worker.
type WorkerClient interface {
	// Name returns the worker identifier used in logs and timelines.
	Name() string

	// Execute runs the task synchronously.
	Execute(ctx context.Context, input WorkerInput) (WorkerOutput, error)

	// ScheduleExecution stores the task and completes it on the
	// worker's own schedule, delivering the reply to target.
	ScheduleExecution(ctx context.Context, input WorkerInput, target ResponseTarget) (ScheduleReceipt, error)
}

// Registry maps dispatch targets to workers. Constructed and injected;
// there is no package-level instance.
type Registry struct {
	mu      sync.RWMutex
	workers map[Target]WorkerClient
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[Target]WorkerClient)}
}

// Register binds a worker to a target, replacing any previous binding.
func (r *Registry) Register(target Target, w WorkerClient) {
	r.mu.Lock()
	prev, existed := r.workers[target]
	r.workers[target] = w
	r.mu.Unlock()
	if existed {
		slog.Warn("router.worker_replaced", "target", target, "previous", prev.Name(), "worker", w.Name())
	}
}

// Lookup returns the worker for a target.
func (r *Registry) Lookup(target Target) (WorkerClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[target]
	return w, ok
}

// Targets lists bound targets.
func (r *Registry) Targets() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Target, 0, len(r.workers))
	for t := range r.workers {
		out = append(out, t)
	}
	return out
}
