// Package control implements the local control surface: a token-authenticated
// WebSocket server exposing agent/session/message/tool operations to a
// single trusted client population (CLI, desktop app, companion services).
package control

import (
	"context"

	"github.com/jeebsjenkins/agentcore/internal/broker"
	"github.com/jeebsjenkins/agentcore/internal/llmcli"
	"github.com/jeebsjenkins/agentcore/internal/store"
)

// ConfigStore is the subset of *store.Store the control surface needs.
type ConfigStore interface {
	GetAgent(agentID string) (*store.AgentConfig, error)
	CreateAgent(agentID string, opts store.AgentCreateOpts) (*store.AgentConfig, error)
	UpdateAgent(agentID string, partial store.AgentConfig) (*store.AgentConfig, error)
	DeleteAgent(agentID string) error
	ListAgents() ([]string, error)

	GetSession(agentID, sessionID string) (*store.SessionMeta, error)
	CreateSession(agentID, sessionID string, opts store.AgentCreateOpts) (*store.SessionMeta, error)
	UpdateSession(agentID, sessionID string, partial store.SessionMeta) (*store.SessionMeta, error)
	ListSessions(agentID string) ([]*store.SessionMeta, error)
	GetSessionDir(agentID, sessionID string) (string, error)
	ConversationLogPath(agentID, sessionID string) (string, error)
	AppendConversationLine(agentID, sessionID string, v interface{}) error

	EffectiveSystemPrompt(agentID, sessionID string) (string, error)
	ResolvedCLIOptions(agentID, sessionID string) (workDirs, disallowedTools []string, err error)
}

// MessageBroker is the subset of *broker.Broker the control surface needs.
type MessageBroker interface {
	Send(from, agentID, command string, payload map[string]interface{}, src broker.Source) (broker.RouteResult, error)
	Route(from string, in broker.RouteInput) (broker.RouteResult, error)
	Broadcast(from, path, command string, payload map[string]interface{}, src broker.Source) (broker.RouteResult, error)
	Receive(agentID string) ([]broker.Message, error)
	ReceiveSession(agentID, sessionID string) ([]broker.Message, error)
	History(agentID string, opts broker.HistoryOpts) ([]broker.Message, error)
	SessionHistory(agentID, sessionID string, opts broker.HistoryOpts) ([]broker.Message, error)
	Subscribe(agentID, pattern string) error
	Unsubscribe(agentID, pattern string) error
	SubscribeSession(agentID, sessionID, pattern string) error
	UnsubscribeSession(agentID, sessionID, pattern string) error
	Listen(agentID string, fn broker.ListenFunc) broker.CancelFunc
	ListenSession(agentID, sessionID string, fn broker.ListenFunc) broker.CancelFunc
}

// ToolExecutor is the subset of the tool registry the control surface needs.
// Satisfied by *tools.Registry.
type ToolExecutor interface {
	ListAgentTools(agentID string) ([]ToolInfo, error)
	ExecuteTool(ctx context.Context, agentID, sessionID, toolName string, input map[string]interface{}, askUser AskUserFunc) (ToolResult, error)
}

// ToolInfo describes one tool available to an agent.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"` // "bundled", "project", "parent", "agent", "mcp:<server>"
}

// ToolResult is a tool invocation's outcome.
type ToolResult struct {
	Output  interface{} `json:"output"`
	IsError bool        `json:"isError"`
}

// AskUserFunc is injected into a tool's execution context so the tool can
// round-trip a question to a connected client.
type AskUserFunc func(ctx context.Context, question string, options []string, qctx map[string]interface{}) (string, error)

// Titler generates a short session title from a prompt.
type Titler interface {
	Title(ctx context.Context, prompt string) string
}

// StatsProvider exposes the turn manager's running counters to the `status`
// RPC. Satisfied by an adapter over *turns.Manager (kept out of this
// package's import graph to avoid a control<->turns dependency cycle).
type StatsProvider interface {
	Stats() map[string]int64
}

// Runner executes one streaming LLM-CLI invocation. Swappable in tests.
type Runner func(ctx context.Context, opts llmcli.Options, onEvent llmcli.OnEvent) (llmcli.RunResult, error)
