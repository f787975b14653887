package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/chatrelay/internal/providers"
)

// Target identifies the destination a classified query is routed to.
type Target string

const (
	TargetSimple       Target = "simple"
	TargetCode         Target = "code"
	TargetResearch     Target = "research"
	TargetGeneral      Target = "general"
	TargetOrchestrator Target = "orchestrator"
)

// Classification is the structured verdict attached to a routed batch.
type Classification struct {
	Type       string `json:"type"`       // question | task | command | conversation
	Category   string `json:"category"`   // code | research | general
	Complexity string `json:"complexity"` // simple | moderate | complex
}

// Target maps a classification to its dispatch target.
func (c Classification) Target() Target {
	if c.Complexity == "complex" {
		return TargetOrchestrator
	}
	if c.Complexity == "simple" && c.Type != "task" {
		return TargetSimple
	}
	switch c.Category {
	case "code":
		return TargetCode
	case "research":
		return TargetResearch
	default:
		return TargetGeneral
	}
}

var (
	codePattern = regexp.MustCompile(`(?i)\b(code|bug|debug|compile|function|refactor|stack ?trace|error message|implement|script|regex|sql query)\b`)
	// "compare X and Y", "look up", "find out", explicit research verbs
	researchPattern  = regexp.MustCompile(`(?i)\b(research|investigate|compare|look up|find out|summari[sz]e|latest news|deep dive)\b`)
	multiStepPattern = regexp.MustCompile(`(?i)\b(then|after that|first .+ then|step by step|and also|additionally)\b`)
	greetingPattern  = regexp.MustCompile(`(?i)^(hi|hello|hey|thanks|thank you|ok|okay|good (morning|evening|night))[.! ]*$`)
)

// Classifier assigns each query a classification, using cheap
// deterministic rules first and an LLM call only when the rules are
// inconclusive. A nil provider disables the LLM fallback.
type Classifier struct {
	provider providers.Provider
	model    string
}

func NewClassifier(p providers.Provider, model string) *Classifier {
	return &Classifier{provider: p, model: model}
}

// Classify returns the classification for query. It never fails: when
// both the rules and the LLM are inconclusive it falls back to a
// simple conversational verdict.
func (c *Classifier) Classify(ctx context.Context, query string) Classification {
	if cl, ok := classifyByRules(query); ok {
		return cl
	}
	if c.provider != nil {
		if cl, err := c.classifyByLLM(ctx, query); err == nil {
			return cl
		} else {
			slog.Warn("router.classify_llm_failed", "error", err)
		}
	}
	return Classification{Type: "conversation", Category: "general", Complexity: "simple"}
}

func classifyByRules(query string) (Classification, bool) {
	trimmed := strings.TrimSpace(query)

	if greetingPattern.MatchString(trimmed) {
		return Classification{Type: "conversation", Category: "general", Complexity: "simple"}, true
	}
	if len(trimmed) < 20 && !strings.Contains(trimmed, "?") {
		return Classification{Type: "conversation", Category: "general", Complexity: "simple"}, true
	}

	multiStep := multiStepPattern.MatchString(trimmed) || strings.Count(trimmed, "\n") >= 3
	isCode := codePattern.MatchString(trimmed)
	isResearch := researchPattern.MatchString(trimmed)

	if multiStep && (isCode || isResearch) {
		cat := "research"
		if isCode {
			cat = "code"
		}
		return Classification{Type: "task", Category: cat, Complexity: "complex"}, true
	}
	if isCode {
		return Classification{Type: "task", Category: "code", Complexity: "moderate"}, true
	}
	if isResearch {
		return Classification{Type: "task", Category: "research", Complexity: "moderate"}, true
	}
	return Classification{}, false
}

const classifyPrompt = `Classify the user query. Reply with ONLY a JSON object:
{"type":"question|task|command|conversation","category":"code|research|general","complexity":"simple|moderate|complex"}

complex means the query needs multiple coordinated steps or sub-tasks.`

func (c *Classifier) classifyByLLM(ctx context.Context, query string) (Classification, error) {
	resp, err := c.provider.Chat(ctx, providers.ChatRequest{
		Model: c.model,
		Messages: []providers.Message{
			{Role: "system", Content: classifyPrompt},
			{Role: "user", Content: query},
		},
		Options: providers.ChatOptions{MaxTokens: 128},
	})
	if err != nil {
		return Classification{}, fmt.Errorf("classify: %w", err)
	}

	raw := strings.TrimSpace(resp.Content)
	if i := strings.Index(raw, "{"); i >= 0 {
		if j := strings.LastIndex(raw, "}"); j > i {
			raw = raw[i : j+1]
		}
	}
	var cl Classification
	if err := json.Unmarshal([]byte(raw), &cl); err != nil {
		return Classification{}, fmt.Errorf("classify: parse %q: %w", resp.Content, err)
	}
	if cl.Complexity == "" {
		cl.Complexity = "simple"
	}
	if cl.Category == "" {
		cl.Category = "general"
	}
	return cl, nil
}
