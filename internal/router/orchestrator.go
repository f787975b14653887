package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/providers"
)

// PlanStep is one node of an execution plan DAG.
type PlanStep struct {
	ID         string   `json:"id"`
	WorkerType Target   `json:"worker_type"`
	Task       string   `json:"task"`
	DependsOn  []string `json:"depends_on,omitempty"`
}

// Plan is the DAG of steps the orchestrator builds for a complex query.
type Plan struct {
	Goal  string     `json:"goal,omitempty"`
	Steps []PlanStep `json:"steps"`
}

// StepStatus is the terminal state of one executed step.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult records one step's outcome.
type StepResult struct {
	StepID   string        `json:"step_id"`
	Status   StepStatus    `json:"status"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// ValidatePlan rejects plans with duplicate or empty step IDs,
// references to undefined steps, cycles, or more than maxSteps steps.
func ValidatePlan(p Plan, maxSteps int) error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan: no steps")
	}
	if maxSteps > 0 && len(p.Steps) > maxSteps {
		return fmt.Errorf("plan: %d steps exceeds limit %d", len(p.Steps), maxSteps)
	}

	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("plan: step with empty id")
		}
		if ids[s.ID] {
			return fmt.Errorf("plan: duplicate step id %q", s.ID)
		}
		ids[s.ID] = true
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("plan: step %q depends on undefined step %q", s.ID, dep)
			}
		}
	}
	if _, err := waves(p); err != nil {
		return err
	}
	return nil
}

// waves splits the plan into dependency layers: every step in wave N
// depends only on steps in waves < N. A cycle leaves steps unplaced.
func waves(p Plan) ([][]PlanStep, error) {
	placed := make(map[string]bool, len(p.Steps))
	remaining := append([]PlanStep{}, p.Steps...)

	var out [][]PlanStep
	for len(remaining) > 0 {
		var wave []PlanStep
		var next []PlanStep
		for _, s := range remaining {
			ready := true
			for _, dep := range s.DependsOn {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, s)
			} else {
				next = append(next, s)
			}
		}
		if len(wave) == 0 {
			var stuck []string
			for _, s := range next {
				stuck = append(stuck, s.ID)
			}
			sort.Strings(stuck)
			return nil, fmt.Errorf("plan: dependency cycle among steps %s", strings.Join(stuck, ", "))
		}
		for _, s := range wave {
			placed[s.ID] = true
		}
		out = append(out, wave)
		remaining = next
	}
	return out, nil
}

// Orchestrator decomposes a complex query into a plan, executes the
// plan wave by wave over the worker registry, and aggregates the step
// outputs into one answer. It is itself a WorkerClient, registered
// under the orchestrator target.
type Orchestrator struct {
	registry *Registry
	provider providers.Provider
	model    string
	cfg      config.OrchestratorConfig
	complete CompleteFunc
}

func NewOrchestrator(registry *Registry, p providers.Provider, model string, cfg config.OrchestratorConfig, complete CompleteFunc) *Orchestrator {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 10
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 3
	}
	return &Orchestrator{registry: registry, provider: p, model: model, cfg: cfg, complete: complete}
}

func (o *Orchestrator) Name() string { return "orchestrator" }

const planPrompt = `Decompose the user's request into an execution plan. Reply with ONLY a JSON object:
{"goal":"...","steps":[{"id":"s1","worker_type":"code|research|general","task":"...","depends_on":["s0"]}]}

Rules: at most %d steps, ids unique, depends_on may only reference earlier steps, no cycles. Independent steps run in parallel.`

// BuildPlan asks the LLM for a plan and validates it.
func (o *Orchestrator) BuildPlan(ctx context.Context, query string) (Plan, error) {
	resp, err := o.provider.Chat(ctx, providers.ChatRequest{
		Model: o.model,
		Messages: []providers.Message{
			{Role: "system", Content: fmt.Sprintf(planPrompt, o.cfg.MaxSteps)},
			{Role: "user", Content: query},
		},
		Options: providers.ChatOptions{MaxTokens: 2048},
	})
	if err != nil {
		return Plan{}, fmt.Errorf("build plan: %w", err)
	}

	raw := strings.TrimSpace(resp.Content)
	if i := strings.Index(raw, "{"); i >= 0 {
		if j := strings.LastIndex(raw, "}"); j > i {
			raw = raw[i : j+1]
		}
	}
	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return Plan{}, fmt.Errorf("build plan: parse: %w", err)
	}
	if err := ValidatePlan(plan, o.cfg.MaxSteps); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// Execute builds and runs a plan synchronously.
func (o *Orchestrator) Execute(ctx context.Context, input WorkerInput) (WorkerOutput, error) {
	plan, err := o.BuildPlan(ctx, input.Query)
	if err != nil {
		return WorkerOutput{}, err
	}

	results, err := o.ExecutePlan(ctx, plan, input)
	if err != nil {
		return WorkerOutput{}, err
	}

	content, err := o.aggregate(ctx, input.Query, plan, results)
	if err != nil {
		return WorkerOutput{}, err
	}

	return WorkerOutput{
		Content:   content,
		AgentName: "orchestrator",
		NewMessages: []providers.Message{
			{Role: "user", Content: input.Query},
			{Role: "assistant", Content: content},
		},
	}, nil
}

// ScheduleExecution runs the plan on a goroutine and delivers the
// final answer through the completion callback.
func (o *Orchestrator) ScheduleExecution(ctx context.Context, input WorkerInput, target ResponseTarget) (ScheduleReceipt, error) {
	if o.complete == nil {
		return ScheduleReceipt{}, fmt.Errorf("orchestrator: no completion sink: %w", ErrWorkerUnavailable)
	}

	go func() {
		out, err := o.Execute(context.Background(), input)
		if err != nil {
			slog.Error("orchestrator.async_failed", "execution_id", input.ExecutionID, "error", err)
		}
		o.complete(context.Background(), target, out, err)
	}()

	return ScheduleReceipt{Scheduled: true, ExecutionID: input.ExecutionID}, nil
}

// ExecutePlan runs the plan wave by wave. Steps inside a wave run
// concurrently, bounded by MaxParallel, each under the step timeout.
// With ContinueOnError false a failed dependency skips every dependent;
// with it true dependents still run, with the failure noted in their
// task context.
func (o *Orchestrator) ExecutePlan(ctx context.Context, plan Plan, input WorkerInput) (map[string]StepResult, error) {
	layers, err := waves(plan)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	results := make(map[string]StepResult, len(plan.Steps))

	for _, wave := range layers {
		g, waveCtx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.MaxParallel)

		for _, step := range wave {
			step := step

			if !o.cfg.ContinueOnError {
				mu.Lock()
				blocked := ""
				for _, dep := range step.DependsOn {
					if r := results[dep]; r.Status != StepSuccess {
						blocked = dep
						break
					}
				}
				if blocked != "" {
					results[step.ID] = StepResult{StepID: step.ID, Status: StepSkipped, Error: "dependency " + blocked + " did not succeed"}
					mu.Unlock()
					slog.Info("orchestrator.step_skipped", "step", step.ID, "blocked_by", blocked)
					continue
				}
				mu.Unlock()
			}

			g.Go(func() error {
				res := o.runStep(waveCtx, step, input, results, &mu)
				mu.Lock()
				results[step.ID] = res
				mu.Unlock()
				if res.Status == StepFailed {
					slog.Warn("orchestrator.step_failed", "step", step.ID, "error", res.Error)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return results, err
		}
	}
	return results, nil
}

func (o *Orchestrator) runStep(ctx context.Context, step PlanStep, input WorkerInput, results map[string]StepResult, mu *sync.Mutex) StepResult {
	worker, ok := o.registry.Lookup(step.WorkerType)
	if !ok {
		return StepResult{StepID: step.ID, Status: StepFailed, Error: fmt.Sprintf("no worker for %s", step.WorkerType)}
	}

	// Dependency outcomes flow into the step task as context, failures
	// included so a continue-on-error run can work around them.
	task := step.Task
	mu.Lock()
	for _, dep := range step.DependsOn {
		r, ok := results[dep]
		switch {
		case ok && r.Status == StepFailed:
			task += fmt.Sprintf("\n\nNote: sub-task %s failed: %s", dep, r.Error)
		case ok && r.Output != "":
			task += fmt.Sprintf("\n\nResult of %s:\n%s", dep, r.Output)
		}
	}
	mu.Unlock()

	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout())
	defer cancel()

	started := time.Now()
	out, err := worker.Execute(stepCtx, WorkerInput{
		ExecutionID: input.ExecutionID + ":" + step.ID,
		Query:       task,
		SessionKey:  input.SessionKey,
		Admin:       input.Admin,
	})
	elapsed := time.Since(started)

	if err != nil {
		return StepResult{StepID: step.ID, Status: StepFailed, Error: err.Error(), Duration: elapsed}
	}
	return StepResult{StepID: step.ID, Status: StepSuccess, Output: out.Content, Duration: elapsed}
}

const aggregatePrompt = `You are given a user request and the outputs of the sub-tasks it was split into. Write the final answer to the user. Be direct; do not mention the sub-tasks.`

func (o *Orchestrator) aggregate(ctx context.Context, query string, plan Plan, results map[string]StepResult) (string, error) {
	// Step order follows the plan, not map iteration.
	var b strings.Builder
	succeeded := 0
	for _, s := range plan.Steps {
		r := results[s.ID]
		switch r.Status {
		case StepSuccess:
			succeeded++
			fmt.Fprintf(&b, "## %s\n%s\n\n", s.Task, r.Output)
		case StepFailed:
			fmt.Fprintf(&b, "## %s\n(failed: %s)\n\n", s.Task, r.Error)
		case StepSkipped:
			fmt.Fprintf(&b, "## %s\n(skipped)\n\n", s.Task)
		}
	}
	combined := strings.TrimSpace(b.String())

	if succeeded == 0 {
		return "", fmt.Errorf("orchestrator: all %d steps failed or were skipped", len(plan.Steps))
	}

	if !o.cfg.UseLLMAggregation || o.provider == nil {
		return combined, nil
	}

	resp, err := o.provider.Chat(ctx, providers.ChatRequest{
		Model: o.model,
		Messages: []providers.Message{
			{Role: "system", Content: aggregatePrompt},
			{Role: "user", Content: fmt.Sprintf("Request:\n%s\n\nSub-task outputs:\n%s", query, combined)},
		},
	})
	if err != nil {
		// Concatenation is always available as a fallback.
		slog.Warn("orchestrator.aggregate_llm_failed", "error", err)
		return combined, nil
	}
	return resp.Content, nil
}
