package mcp

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"

	"github.com/jeebsjenkins/agentcore/internal/store"
	"github.com/jeebsjenkins/agentcore/internal/tools"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
)

// ServerStatus reports the connection status of one agent's MCP server.
type ServerStatus struct {
	Agent     string `json:"agent"`
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"toolCount"`
	Error     string `json:"error,omitempty"`
}

// serverConn tracks one agent+server MCP connection and its bridged tools.
type serverConn struct {
	agentID   string
	name      string
	transport string
	client    *mcpclient.Client
	connected atomic.Bool
	tools     []tools.Tool
	cancel    context.CancelFunc

	mu             sync.Mutex
	reconnAttempts int
	lastErr        string
}

// Manager is the MCP tool tier: it connects to the servers declared in each
// agent's config on first request and hands their bridged tools back to the
// registry, which mixes them into the agent's resolved tool set by name.
// Implements tools.MCPProvider.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]*serverConn // "<agentID>/<serverName>" -> conn
}

// NewManager creates an MCP Manager with no connections yet; servers are
// connected lazily the first time MCPTools is asked about an agent.
func NewManager() *Manager {
	return &Manager{conns: make(map[string]*serverConn)}
}

// MCPTools implements tools.MCPProvider: it returns the bridged tools for
// every enabled MCP server declared on cfg, connecting any not already
// connected. A server that fails to connect is logged and skipped — MCP
// servers are optional and their absence never blocks tool resolution.
func (m *Manager) MCPTools(agentID string, cfg *store.AgentConfig) []tools.Tool {
	if cfg == nil || len(cfg.McpServers) == 0 {
		return nil
	}

	var out []tools.Tool
	for name, sc := range cfg.McpServers {
		if !sc.IsEnabled() {
			continue
		}
		conn, err := m.connectionFor(agentID, name, sc)
		if err != nil {
			slog.Warn("mcp.server.connect_failed", "agent", agentID, "server", name, "error", err)
			continue
		}
		out = append(out, conn.tools...)
	}
	return out
}

func (m *Manager) connectionFor(agentID, name string, cfg *store.MCPServerConfig) (*serverConn, error) {
	key := agentID + "/" + name

	m.mu.RLock()
	conn, ok := m.conns[key]
	m.mu.RUnlock()
	if ok {
		return conn, nil
	}

	conn, err := m.connect(agentID, name, cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.conns[key] = conn
	m.mu.Unlock()
	return conn, nil
}

// Status reports every connection the manager currently holds open.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerStatus, 0, len(m.conns))
	for _, c := range m.conns {
		c.mu.Lock()
		out = append(out, ServerStatus{
			Agent:     c.agentID,
			Name:      c.name,
			Transport: c.transport,
			Connected: c.connected.Load(),
			ToolCount: len(c.tools),
			Error:     c.lastErr,
		})
		c.mu.Unlock()
	}
	return out
}

// Stop closes every open MCP connection. Call on process shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, c := range m.conns {
		if c.cancel != nil {
			c.cancel()
		}
		if c.client != nil {
			if err := c.client.Close(); err != nil {
				slog.Debug("mcp.server.close_error", "key", key, "error", err)
			}
		}
	}
	m.conns = make(map[string]*serverConn)
}
