package mcp

import (
	"testing"

	"github.com/jeebsjenkins/agentcore/internal/store"
)

func TestMCPToolsNilConfigIsEmpty(t *testing.T) {
	m := NewManager()
	if got := m.MCPTools("researcher", nil); got != nil {
		t.Fatalf("expected nil tools for nil config, got %v", got)
	}
	if got := m.MCPTools("researcher", &store.AgentConfig{}); got != nil {
		t.Fatalf("expected nil tools for agent with no mcpServers, got %v", got)
	}
}

func TestMCPToolsSkipsDisabledServers(t *testing.T) {
	m := NewManager()
	disabled := false
	cfg := &store.AgentConfig{
		McpServers: map[string]*store.MCPServerConfig{
			"scratch": {Transport: "stdio", Command: "true", Enabled: &disabled},
		},
	}

	// A disabled server is never dialed, so no connection is attempted and
	// MCPTools returns no tools and leaves Status empty.
	if got := m.MCPTools("researcher", cfg); got != nil {
		t.Fatalf("expected no tools from a disabled server, got %v", got)
	}
	if got := m.Status(); len(got) != 0 {
		t.Fatalf("expected no connections for a disabled server, got %v", got)
	}
}
