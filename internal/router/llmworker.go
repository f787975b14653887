package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/chatrelay/internal/providers"
)

// CompleteFunc delivers a finished asynchronous execution back to the
// runtime, which renders and sends the final reply.
type CompleteFunc func(ctx context.Context, target ResponseTarget, out WorkerOutput, execErr error)

// LLMWorker is a specialised single-call worker: one provider request
// with a role-specific system prompt. It serves the code, research and
// general targets when no external worker is registered for them.
type LLMWorker struct {
	name     string
	provider providers.Provider
	model    string
	system   string
	complete CompleteFunc

	mu      sync.Mutex
	pending int
}

func NewLLMWorker(name string, p providers.Provider, model, system string, complete CompleteFunc) *LLMWorker {
	return &LLMWorker{name: name, provider: p, model: model, system: system, complete: complete}
}

func (w *LLMWorker) Name() string { return w.name }

func (w *LLMWorker) Execute(ctx context.Context, input WorkerInput) (WorkerOutput, error) {
	msgs := make([]providers.Message, 0, len(input.History)+2)
	if w.system != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: w.system})
	}
	msgs = append(msgs, input.History...)
	msgs = append(msgs, providers.Message{Role: "user", Content: input.Query})

	resp, err := w.provider.Chat(ctx, providers.ChatRequest{
		Model:    w.model,
		Messages: msgs,
	})
	if err != nil {
		return WorkerOutput{}, fmt.Errorf("worker %s: %w", w.name, err)
	}

	return WorkerOutput{
		Content:   resp.Content,
		AgentName: w.name,
		Usage:     resp.Usage,
		NewMessages: []providers.Message{
			{Role: "user", Content: input.Query},
			{Role: "assistant", Content: resp.Content},
		},
	}, nil
}

// ScheduleExecution runs the task on a goroutine and delivers the
// result through the completion callback. The receipt returns
// immediately.
func (w *LLMWorker) ScheduleExecution(ctx context.Context, input WorkerInput, target ResponseTarget) (ScheduleReceipt, error) {
	if w.complete == nil {
		return ScheduleReceipt{}, fmt.Errorf("worker %s: no completion sink: %w", w.name, ErrWorkerUnavailable)
	}

	w.mu.Lock()
	w.pending++
	w.mu.Unlock()

	go func() {
		defer func() {
			w.mu.Lock()
			w.pending--
			w.mu.Unlock()
		}()
		// Detached from the request context: the caller has already
		// moved on.
		out, err := w.Execute(context.Background(), input)
		if err != nil {
			slog.Error("worker.async_failed", "worker", w.name, "execution_id", input.ExecutionID, "error", err)
		}
		w.complete(context.Background(), target, out, err)
	}()

	return ScheduleReceipt{Scheduled: true, ExecutionID: input.ExecutionID}, nil
}

// Pending reports in-flight asynchronous executions.
func (w *LLMWorker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}
