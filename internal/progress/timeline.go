package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// StepKind classifies one entry in the execution timeline.
type StepKind string

const (
	StepThinking      StepKind = "thinking"
	StepPreparing     StepKind = "preparing"
	StepToolStart     StepKind = "tool_start"
	StepToolComplete  StepKind = "tool_complete"
	StepToolError     StepKind = "tool_error"
	StepLLMIteration  StepKind = "llm_iteration"
	StepRouting       StepKind = "routing"
	StepParallelTools StepKind = "parallel_tools"
	StepSubagent      StepKind = "subagent"
)

// Step is one timeline entry.
type Step struct {
	Kind     StepKind      `json:"kind"`
	At       time.Time     `json:"at"`
	Name     string        `json:"name,omitempty"`   // tool, agent, or subagent name
	Detail   string        `json:"detail,omitempty"` // result preview, error text, status
	Duration time.Duration `json:"duration,omitempty"`
	Index    int           `json:"index,omitempty"` // llm_iteration: current
	Max      int           `json:"max,omitempty"`   // llm_iteration: bound
}

// Timeline accumulates steps as a batch executes. Safe for concurrent
// append: the chat loop and parallel tool calls both write to it.
type Timeline struct {
	mu    sync.Mutex
	steps []Step
}

func NewTimeline() *Timeline {
	return &Timeline{}
}

// Add appends a step.
func (t *Timeline) Add(step Step) {
	t.mu.Lock()
	t.steps = append(t.steps, step)
	t.mu.Unlock()
}

// Steps returns a copy of the accumulated steps.
func (t *Timeline) Steps() []Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Step, len(t.steps))
	copy(out, t.steps)
	return out
}

// Len reports the number of steps.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.steps)
}

// Summary renders the compact one-line form shown to non-admin users:
// tool names and counts only.
func (t *Timeline) Summary() string {
	steps := t.Steps()
	tools := 0
	var names []string
	seen := map[string]bool{}
	for _, s := range steps {
		if s.Kind == StepToolComplete || s.Kind == StepToolError {
			tools++
			if !seen[s.Name] {
				seen[s.Name] = true
				names = append(names, s.Name)
			}
		}
	}
	if tools == 0 {
		return ""
	}
	return fmt.Sprintf("%d tool call(s): %s", tools, strings.Join(names, ", "))
}

// RenderAdmin renders the full timeline, one line per step, for the
// admin debug footer.
func (t *Timeline) RenderAdmin() string {
	steps := t.Steps()
	if len(steps) == 0 {
		return ""
	}

	var b strings.Builder
	for _, s := range steps {
		switch s.Kind {
		case StepToolStart:
			fmt.Fprintf(&b, "▸ %s\n", s.Name)
		case StepToolComplete:
			fmt.Fprintf(&b, "✓ %s (%s)\n", s.Name, s.Duration.Round(time.Millisecond))
		case StepToolError:
			fmt.Fprintf(&b, "✗ %s: %s\n", s.Name, s.Detail)
		case StepLLMIteration:
			fmt.Fprintf(&b, "↻ llm %d/%d\n", s.Index, s.Max)
		case StepRouting:
			fmt.Fprintf(&b, "→ routed to %s\n", s.Name)
		case StepParallelTools:
			fmt.Fprintf(&b, "⇉ parallel: %s\n", s.Detail)
		case StepSubagent:
			fmt.Fprintf(&b, "⊳ %s: %s\n", s.Name, s.Detail)
		default:
			fmt.Fprintf(&b, "· %s\n", s.Kind)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
