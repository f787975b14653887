package tools

import (
	"context"
	"strings"
	"testing"
	"time"
)

type namedTool struct {
	name string
	fn   func(args map[string]interface{}) *Result
}

func (t namedTool) Name() string                       { return t.name }
func (t namedTool) Description() string                { return "test tool" }
func (t namedTool) Parameters() map[string]interface{} { return map[string]interface{}{"type": "object"} }
func (t namedTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	return t.fn(args)
}

func TestRegistryCollisionKeepsFirst(t *testing.T) {
	r := NewRegistry()
	if !r.Register(namedTool{name: "dup", fn: func(map[string]interface{}) *Result { return NewResult("first") }}) {
		t.Fatal("first registration rejected")
	}
	if r.Register(namedTool{name: "dup", fn: func(map[string]interface{}) *Result { return NewResult("second") }}) {
		t.Fatal("collision accepted")
	}

	res := r.Execute(context.Background(), "dup", nil)
	if res.ForLLM != "first" {
		t.Errorf("Execute = %q, want first registration", res.ForLLM)
	}
}

func TestRegistryDefinitionsCapped(t *testing.T) {
	r := NewRegistry()
	r.Register(namedTool{name: "a", fn: func(map[string]interface{}) *Result { return NewResult("") }})
	r.Register(namedTool{name: "b", fn: func(map[string]interface{}) *Result { return NewResult("") }})
	r.Register(namedTool{name: "c", fn: func(map[string]interface{}) *Result { return NewResult("") }})

	defs := r.Definitions(2)
	if len(defs) != 2 || defs[0].Function.Name != "a" || defs[1].Function.Name != "b" {
		t.Errorf("Definitions(2) = %+v", defs)
	}
	if got := len(r.Definitions(0)); got != 3 {
		t.Errorf("Definitions(0) = %d, want all", got)
	}
}

func TestRegistryExecutePanicBecomesError(t *testing.T) {
	r := NewRegistry()
	r.Register(namedTool{name: "boom", fn: func(map[string]interface{}) *Result { panic("kaput") }})

	res := r.Execute(context.Background(), "boom", nil)
	if !res.IsError {
		t.Error("panic must surface as an error result")
	}
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), "ghost", nil)
	if !res.IsError || !strings.Contains(res.ForLLM, "unknown tool") {
		t.Errorf("result = %+v", res)
	}
}

func TestCurrentTimeTool(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tool := &CurrentTimeTool{Now: func() time.Time { return fixed }}

	res := tool.Execute(context.Background(), map[string]interface{}{})
	if res.IsError || !strings.Contains(res.ForLLM, "1 June 2025") {
		t.Errorf("result = %+v", res)
	}

	res = tool.Execute(context.Background(), map[string]interface{}{"timezone": "Not/AZone"})
	if !res.IsError {
		t.Error("bad timezone must error")
	}
}

func TestRefusePrivateHost(t *testing.T) {
	for _, host := range []string{"localhost", "app.localhost", "metadata.google.internal"} {
		if err := refusePrivateHost(host); err == nil {
			t.Errorf("refusePrivateHost(%q) = nil, want refusal", host)
		}
	}
}

func TestStripHTML(t *testing.T) {
	in := `<html><head><style>.a{color:red}</style><script>alert(1)</script></head>
<body><h1>Title</h1><p>Hello &amp; welcome</p></body></html>`
	out := stripHTML(in)
	if strings.Contains(out, "alert") || strings.Contains(out, "color:red") {
		t.Errorf("script/style leaked: %q", out)
	}
	if !strings.Contains(out, "Title") || !strings.Contains(out, "Hello & welcome") {
		t.Errorf("content lost: %q", out)
	}
}

func TestExtractSearchResults(t *testing.T) {
	html := `<a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fdocs">Example <b>Docs</b></a>
<a class="result__snippet">A sample snippet.</a>`
	hits := extractSearchResults(html, 5)
	if len(hits) != 1 {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[0].url != "https://example.com/docs" {
		t.Errorf("url = %q, redirect not unwrapped", hits[0].url)
	}
	if hits[0].title != "Example Docs" || hits[0].snippet != "A sample snippet." {
		t.Errorf("hit = %+v", hits[0])
	}
}
