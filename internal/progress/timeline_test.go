package progress

import (
	"strings"
	"testing"
	"time"
)

func TestTimelineSummaryCountsTools(t *testing.T) {
	tl := NewTimeline()
	tl.Add(Step{Kind: StepThinking})
	tl.Add(Step{Kind: StepToolStart, Name: "web_search"})
	tl.Add(Step{Kind: StepToolComplete, Name: "web_search", Duration: 120 * time.Millisecond})
	tl.Add(Step{Kind: StepToolStart, Name: "current_time"})
	tl.Add(Step{Kind: StepToolError, Name: "current_time", Detail: "boom"})

	sum := tl.Summary()
	if !strings.Contains(sum, "2 tool call(s)") {
		t.Errorf("Summary = %q", sum)
	}
	if !strings.Contains(sum, "web_search") || !strings.Contains(sum, "current_time") {
		t.Errorf("Summary missing tool names: %q", sum)
	}
}

func TestTimelineSummaryEmptyWithoutTools(t *testing.T) {
	tl := NewTimeline()
	tl.Add(Step{Kind: StepThinking})
	tl.Add(Step{Kind: StepLLMIteration, Index: 1, Max: 5})
	if sum := tl.Summary(); sum != "" {
		t.Errorf("Summary = %q, want empty", sum)
	}
}

func TestRenderAdminShowsEachStep(t *testing.T) {
	tl := NewTimeline()
	tl.Add(Step{Kind: StepRouting, Name: "research"})
	tl.Add(Step{Kind: StepLLMIteration, Index: 2, Max: 5})
	tl.Add(Step{Kind: StepToolComplete, Name: "web_fetch", Duration: time.Second})
	tl.Add(Step{Kind: StepToolError, Name: "web_search", Detail: "timeout"})

	out := tl.RenderAdmin()
	for _, frag := range []string{"routed to research", "llm 2/5", "web_fetch", "web_search: timeout"} {
		if !strings.Contains(out, frag) {
			t.Errorf("RenderAdmin missing %q:\n%s", frag, out)
		}
	}
}

func TestRenderFinalAdminFooter(t *testing.T) {
	tl := NewTimeline()
	tl.Add(Step{Kind: StepToolComplete, Name: "web_search", Duration: time.Second})

	out := RenderFinal("telegram", "answer", true, FooterInfo{
		Timeline: tl,
		Model:    "test-model",
		Duration: 2 * time.Second,
	})
	if !strings.Contains(out, "answer") {
		t.Errorf("final render lost the content: %q", out)
	}
	if !strings.Contains(out, "test-model") || !strings.Contains(out, "2.0s") {
		t.Errorf("admin footer missing facts: %q", out)
	}

	plain := RenderFinal("telegram", "answer", false, FooterInfo{Timeline: tl})
	if strings.Contains(plain, "test-model") {
		t.Error("non-admin render leaked footer facts")
	}
	if !strings.Contains(plain, "1 tool call(s)") {
		t.Errorf("non-admin render missing summary: %q", plain)
	}
}

func TestRenderFailure(t *testing.T) {
	plain := RenderFailure("telegram", false, []string{"e1", "e2", "e3", "e4"})
	if strings.Contains(plain, "e4") {
		t.Error("non-admin failure leaked error detail")
	}

	admin := RenderFailure("telegram", true, []string{"e1", "e2", "e3", "e4"})
	if strings.Contains(admin, "e1") {
		t.Error("admin failure should show only the last three errors")
	}
	for _, e := range []string{"e2", "e3", "e4"} {
		if !strings.Contains(admin, e) {
			t.Errorf("admin failure missing %q: %q", e, admin)
		}
	}
}
