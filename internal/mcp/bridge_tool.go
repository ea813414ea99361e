package mcp

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/jeebsjenkins/agentcore/internal/tools"
)

// bridgeTool adapts one MCP server's advertised tool into the local Tool
// interface. Its name is "mcp:<server>:<tool>" so it participates in the
// registry's override-by-name resolution on equal footing with file tools,
// without ever colliding with a bundled or file-discovered name by accident.
type bridgeTool struct {
	server      string
	originalName string
	description string
	schema      map[string]interface{}
	client      *mcpclient.Client
	connected   *atomic.Bool
	timeoutSec  int
}

func newBridgeTool(server string, t mcpgo.Tool, client *mcpclient.Client, connected *atomic.Bool, timeoutSec int) *bridgeTool {
	schema := map[string]interface{}{
		"type":       t.InputSchema.Type,
		"properties": t.InputSchema.Properties,
		"required":   t.InputSchema.Required,
	}
	if schema["type"] == "" {
		schema["type"] = "object"
	}
	return &bridgeTool{
		server:       server,
		originalName: t.Name,
		description:  t.Description,
		schema:       schema,
		client:       client,
		connected:    connected,
		timeoutSec:   timeoutSec,
	}
}

func (b *bridgeTool) Name() string                       { return "mcp:" + b.server + ":" + b.originalName }
func (b *bridgeTool) Description() string                { return b.description }
func (b *bridgeTool) Schema() map[string]interface{}     { return b.schema }
func (b *bridgeTool) OriginalName() string               { return b.originalName }
func (b *bridgeTool) MCPServer() string                  { return b.server }

func (b *bridgeTool) Execute(ctx context.Context, input map[string]interface{}, _ *tools.ExecContext) (*tools.Result, error) {
	if b.connected != nil && !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("mcp server %q is not connected", b.server)), nil
	}

	timeout := b.timeoutSec
	if timeout <= 0 {
		timeout = 60
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.originalName
	req.Params.Arguments = input

	res, err := b.client.CallTool(callCtx, req)
	if err != nil {
		return tools.ErrorResult(err.Error()), nil
	}

	text := ""
	for _, c := range res.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			if text != "" {
				text += "\n"
			}
			text += tc.Text
		}
	}
	return &tools.Result{Output: text, IsError: res.IsError}, nil
}
