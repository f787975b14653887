package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/chatrelay/internal/tools"
)

// toolCaller is the slice of the MCP client a bridge tool needs.
type toolCaller interface {
	CallTool(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
}

// BridgeTool adapts one remote MCP tool to the local tools.Tool
// interface. The registry name is prefixed so tools from different
// servers cannot collide.
type BridgeTool struct {
	server    string
	remote    mcpgo.Tool
	caller    toolCaller
	name      string
	timeout   time.Duration
	connected *atomic.Bool
}

func newBridgeTool(server string, remote mcpgo.Tool, caller toolCaller, prefix string, timeout time.Duration, connected *atomic.Bool) *BridgeTool {
	if prefix == "" {
		prefix = server + "_"
	}
	return &BridgeTool{
		server:    server,
		remote:    remote,
		caller:    caller,
		name:      prefix + remote.Name,
		timeout:   timeout,
		connected: connected,
	}
}

func (t *BridgeTool) Name() string { return t.name }

// OriginalName returns the tool's name on the remote server.
func (t *BridgeTool) OriginalName() string { return t.remote.Name }

func (t *BridgeTool) Description() string {
	if t.remote.Description != "" {
		return t.remote.Description
	}
	return fmt.Sprintf("Remote tool %s on MCP server %s", t.remote.Name, t.server)
}

func (t *BridgeTool) Parameters() map[string]interface{} {
	schema := map[string]interface{}{"type": "object"}
	if t.remote.InputSchema.Type != "" {
		schema["type"] = t.remote.InputSchema.Type
	}
	if len(t.remote.InputSchema.Properties) > 0 {
		schema["properties"] = t.remote.InputSchema.Properties
	}
	if len(t.remote.InputSchema.Required) > 0 {
		schema["required"] = t.remote.InputSchema.Required
	}
	return schema
}

func (t *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if t.connected != nil && !t.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %s is disconnected", t.server))
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.remote.Name
	req.Params.Arguments = args

	result, err := t.caller.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("call %s on %s: %v", t.remote.Name, t.server, err)).WithError(err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "remote tool reported an error"
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(no text content)"
	}
	return tools.NewResult(text)
}

// flattenContent concatenates the text parts of a tool result. Non-text
// content (images, embedded resources) is noted but not inlined.
func flattenContent(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case mcpgo.TextContent:
			parts = append(parts, v.Text)
		case *mcpgo.TextContent:
			parts = append(parts, v.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%T content omitted]", c))
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
