package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/session"
)

// Request is the routed unit of work: one combined batch text plus the
// context a worker needs to act on it.
type Request struct {
	Query      string
	SessionKey session.Key
	EventID    string
	Admin      bool
	History    []providers.Message
	Target     ResponseTarget
}

// Result is the routing outcome handed back to the caller.
//
// Handled=false means the router declined (simple query, or no worker
// available) and the caller should run its own chat loop. Delegated
// means the work was accepted fire-and-forget and the final reply will
// arrive out of band.
type Result struct {
	Handled        bool
	Success        bool
	Delegated      bool
	ExecutionID    string
	Content        string
	NewMessages    []providers.Message
	Usage          *providers.Usage
	RoutedTo       Target
	Classification Classification
	DurationMs     int64
	Err            error
}

// Router classifies incoming queries and dispatches them to registered
// workers. Targets listed in async run fire-and-forget; everything
// else runs as a synchronous worker call.
type Router struct {
	registry   *Registry
	classifier *Classifier
	async      map[Target]bool
}

// Option configures a Router.
type Option func(*Router)

// WithAsyncTarget marks a target for fire-and-forget dispatch.
func WithAsyncTarget(t Target) Option {
	return func(r *Router) { r.async[t] = true }
}

func New(registry *Registry, classifier *Classifier, opts ...Option) *Router {
	r := &Router{
		registry:   registry,
		classifier: classifier,
		async:      map[Target]bool{TargetOrchestrator: true},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route classifies req and dispatches it. Only routing metadata flows
// back synchronously for delegated targets; the worker owns the final
// reply.
func (r *Router) Route(ctx context.Context, req Request) Result {
	started := time.Now()

	cl := r.classifier.Classify(ctx, req.Query)
	target := cl.Target()

	res := Result{
		RoutedTo:       target,
		Classification: cl,
	}

	if target == TargetSimple {
		res.DurationMs = time.Since(started).Milliseconds()
		return res
	}

	worker, ok := r.registry.Lookup(target)
	if !ok {
		slog.Warn("router.no_worker", "target", target, "session", req.SessionKey)
		res.Err = fmt.Errorf("route %s: %w", target, ErrWorkerUnavailable)
		res.DurationMs = time.Since(started).Milliseconds()
		return res
	}

	input := WorkerInput{
		ExecutionID: uuid.NewString(),
		Query:       req.Query,
		SessionKey:  req.SessionKey.String(),
		History:     req.History,
		Admin:       req.Admin,
	}

	if r.async[target] {
		target2 := req.Target
		target2.SessionKey = req.SessionKey.String()
		target2.ExecutionID = input.ExecutionID
		target2.EventID = req.EventID
		receipt, err := worker.ScheduleExecution(ctx, input, target2)
		res.DurationMs = time.Since(started).Milliseconds()
		if err != nil {
			if errors.Is(err, ErrWorkerUnavailable) {
				res.Err = err
				return res
			}
			res.Handled = true
			res.Err = fmt.Errorf("schedule %s: %w", worker.Name(), err)
			return res
		}
		slog.Info("router.delegated", "worker", worker.Name(), "execution_id", receipt.ExecutionID, "session", req.SessionKey)
		res.Handled = true
		res.Success = true
		res.Delegated = true
		res.ExecutionID = receipt.ExecutionID
		return res
	}

	out, err := worker.Execute(ctx, input)
	res.DurationMs = time.Since(started).Milliseconds()
	if err != nil {
		if errors.Is(err, ErrWorkerUnavailable) {
			// Fall back to the caller's own chat loop.
			res.Err = err
			return res
		}
		res.Handled = true
		res.Err = fmt.Errorf("execute %s: %w", worker.Name(), err)
		return res
	}

	res.Handled = true
	res.Success = true
	res.Content = out.Content
	res.NewMessages = out.NewMessages
	res.Usage = out.Usage
	slog.Info("router.completed", "worker", worker.Name(), "session", req.SessionKey, "duration_ms", res.DurationMs)
	return res
}
