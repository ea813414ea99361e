package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/jeebsjenkins/agentcore/internal/store"
	"github.com/jeebsjenkins/agentcore/internal/tools"
)

// connect dials one agent's declared MCP server, performs the initialize
// handshake, discovers its tools, and wraps each as a bridgeTool.
func (m *Manager) connect(agentID, name string, cfg *store.MCPServerConfig) (*serverConn, error) {
	client, err := createClient(cfg.Transport, cfg.Command, cfg.Args, cfg.Env, cfg.URL, cfg.Headers)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "agentcore", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("list tools: %w", err)
	}

	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 60
	}

	conn := &serverConn{
		agentID:   agentID,
		name:      name,
		transport: cfg.Transport,
		client:    client,
	}
	conn.connected.Store(true)

	bridged := make([]tools.Tool, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		bridged = append(bridged, newBridgeTool(name, t, client, &conn.connected, timeoutSec))
	}
	conn.tools = bridged

	healthCtx, healthCancel := context.WithCancel(context.Background())
	conn.cancel = healthCancel
	go m.healthLoop(healthCtx, conn)

	slog.Info("mcp.server.connected", "agent", agentID, "server", name, "transport", cfg.Transport, "tools", len(bridged))
	return conn, nil
}

// createClient creates the appropriate MCP client based on transport type.
func createClient(transportType, command string, args []string, env map[string]string, url string, headers map[string]string) (*mcpclient.Client, error) {
	switch transportType {
	case "stdio":
		return mcpclient.NewStdioMCPClient(command, mapToEnvSlice(env), args...)

	case "sse":
		var opts []transport.ClientOption
		if len(headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(headers))
		}
		return mcpclient.NewSSEMCPClient(url, opts...)

	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(headers))
		}
		return mcpclient.NewStreamableHttpClient(url, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %q", transportType)
	}
}

// healthLoop periodically pings the MCP server and attempts reconnection on failure.
func (m *Manager) healthLoop(ctx context.Context, c *serverConn) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.client.Ping(ctx); err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "method not found") {
					c.connected.Store(true)
					c.mu.Lock()
					c.reconnAttempts = 0
					c.lastErr = ""
					c.mu.Unlock()
					continue
				}
				c.connected.Store(false)
				c.mu.Lock()
				c.lastErr = err.Error()
				c.mu.Unlock()
				slog.Warn("mcp.server.health_failed", "server", c.name, "error", err)
				m.tryReconnect(ctx, c)
			} else {
				c.connected.Store(true)
				c.mu.Lock()
				c.reconnAttempts = 0
				c.lastErr = ""
				c.mu.Unlock()
			}
		}
	}
}

// tryReconnect attempts to reconnect with exponential backoff.
func (m *Manager) tryReconnect(ctx context.Context, c *serverConn) {
	c.mu.Lock()
	if c.reconnAttempts >= maxReconnectAttempts {
		c.lastErr = fmt.Sprintf("max reconnect attempts (%d) reached", maxReconnectAttempts)
		c.mu.Unlock()
		slog.Error("mcp.server.reconnect_exhausted", "server", c.name)
		return
	}
	c.reconnAttempts++
	attempt := c.reconnAttempts
	c.mu.Unlock()

	backoff := initialBackoff * time.Duration(1<<(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	slog.Info("mcp.server.reconnecting", "server", c.name, "attempt", attempt, "backoff", backoff)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	if err := c.client.Ping(ctx); err == nil {
		c.connected.Store(true)
		c.mu.Lock()
		c.reconnAttempts = 0
		c.lastErr = ""
		c.mu.Unlock()
		slog.Info("mcp.server.reconnected", "server", c.name)
	}
}
