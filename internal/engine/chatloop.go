package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/progress"
	"github.com/nextlevelbuilder/chatrelay/internal/providers"
)

const defaultSystemPrompt = "You are a helpful assistant reachable over chat. Answer concisely; use the available tools when they help."

// maxParallelToolCalls bounds concurrent tool execution within one LLM
// iteration.
const maxParallelToolCalls = 4

type loopResult struct {
	content     string
	usage       providers.Usage
	model       string
	newMessages []providers.Message
}

// runChatLoop executes the direct LLM turn: repeated provider calls
// with tool execution between them, bounded by MaxToolIterations.
func (e *Engine) runChatLoop(ctx context.Context, snap config.EngineConfig, history []providers.Message, combined string, timeline *progress.Timeline) (loopResult, error) {
	var res loopResult

	if e.provider == nil {
		return res, fmt.Errorf("no llm provider configured: %w", providers.ErrUnavailable)
	}

	maxIter := snap.MaxToolIterations
	if maxIter <= 0 {
		maxIter = 5
	}
	system := snap.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}

	msgs := buildMessages(snap.HistoryStrategy, system, history, combined)

	var defs []providers.ToolDefinition
	if e.tools != nil {
		defs = e.tools.Definitions(snap.MaxTools)
	}

	lastContent := ""
	for iter := 1; iter <= maxIter; iter++ {
		timeline.Add(progress.Step{Kind: progress.StepLLMIteration, At: e.clk.Now(), Index: iter, Max: maxIter})

		resp, err := e.provider.Chat(ctx, providers.ChatRequest{
			Messages: msgs,
			Tools:    defs,
		})
		if err != nil {
			return res, fmt.Errorf("chat iteration %d: %w", iter, err)
		}
		res.usage.Add(resp.Usage)
		res.model = resp.Model
		lastContent = resp.Content

		if len(resp.ToolCalls) == 0 {
			if strings.TrimSpace(resp.Content) == "" {
				return res, fmt.Errorf("empty completion: %w", providers.ErrBadResponse)
			}
			res.content = resp.Content
			res.newMessages = []providers.Message{
				{Role: "user", Content: combined},
				{Role: "assistant", Content: resp.Content},
			}
			return res, nil
		}

		msgs = append(msgs, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		msgs = append(msgs, e.executeToolCalls(ctx, resp.ToolCalls, timeline)...)
	}

	// Iteration budget spent. The last text the model produced is
	// better than an error if there is any.
	if strings.TrimSpace(lastContent) != "" {
		res.content = lastContent
		res.newMessages = []providers.Message{
			{Role: "user", Content: combined},
			{Role: "assistant", Content: lastContent},
		}
		return res, nil
	}
	return res, fmt.Errorf("tool iteration limit %d reached with no final answer", maxIter)
}

// executeToolCalls runs the requested tools, in parallel when the model
// asked for more than one, and returns their result messages in call
// order.
func (e *Engine) executeToolCalls(ctx context.Context, calls []providers.ToolCall, timeline *progress.Timeline) []providers.Message {
	out := make([]providers.Message, len(calls))

	if len(calls) > 1 {
		names := make([]string, len(calls))
		for i, c := range calls {
			names[i] = c.Name
		}
		timeline.Add(progress.Step{Kind: progress.StepParallelTools, At: e.clk.Now(), Detail: strings.Join(names, ", ")})
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelToolCalls)

	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			timeline.Add(progress.Step{Kind: progress.StepToolStart, At: e.clk.Now(), Name: call.Name})
			started := time.Now()

			result := e.tools.Execute(gctx, call.Name, call.Arguments)
			elapsed := time.Since(started)

			if result.IsError {
				timeline.Add(progress.Step{Kind: progress.StepToolError, At: e.clk.Now(), Name: call.Name, Detail: result.ForLLM, Duration: elapsed})
			} else {
				timeline.Add(progress.Step{Kind: progress.StepToolComplete, At: e.clk.Now(), Name: call.Name, Duration: elapsed})
			}

			mu.Lock()
			out[i] = providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: call.ID,
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; results carry them
	return out
}

// buildMessages assembles the provider message list. The "turns"
// strategy replays history as real conversation turns; "inline" folds
// it into the user message for gateways that mishandle multi-turn.
func buildMessages(strategy, system string, history []providers.Message, combined string) []providers.Message {
	msgs := []providers.Message{{Role: "system", Content: system}}

	if strategy == "inline" {
		var b strings.Builder
		if len(history) > 0 {
			b.WriteString("<conversation_history>\n")
			for _, m := range history {
				fmt.Fprintf(&b, "<%s>%s</%s>\n", m.Role, m.Content, m.Role)
			}
			b.WriteString("</conversation_history>\n\n")
		}
		b.WriteString(combined)
		return append(msgs, providers.Message{Role: "user", Content: b.String()})
	}

	msgs = append(msgs, history...)
	return append(msgs, providers.Message{Role: "user", Content: combined})
}
