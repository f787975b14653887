// Package tools provides the named tool registry exposed to the LLM:
// built-in (in-process) tools plus remote MCP bridge tools.
package tools

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/chatrelay/internal/providers"
)

// Tool is one callable exposed to the LLM.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON-schema for the tool's arguments.
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry holds named tools. Registration order is preserved so the
// definition list is stable across calls. Name collisions keep the first
// registration (later ones are skipped with a warning).
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Returns false on a name collision.
func (r *Registry) Register(t Tool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists {
		slog.Warn("tools.name_collision", "tool", t.Name(), "action", "kept_first")
		return false
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
	return true
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns provider tool definitions in registration order,
// capped at maxTools when maxTools > 0.
func (r *Registry) Definitions(maxTools int) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		if maxTools > 0 && len(defs) >= maxTools {
			slog.Warn("tools.cap_reached", "max_tools", maxTools, "registered", len(r.order))
			break
		}
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute dispatches a tool call by name. Unknown tools and panics become
// error results fed back to the LLM.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (result *Result) {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult("unknown tool: " + name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tools.panic", "tool", name, "panic", rec)
			result = ErrorResult("tool execution failed")
		}
	}()

	return t.Execute(ctx, args)
}
