package tools

import (
	"log/slog"

	"github.com/jeebsjenkins/agentcore/internal/broker"
	"github.com/jeebsjenkins/agentcore/internal/store"
)

// ExecContext is the enriched context injected into every tool invocation.
// It carries everything a tool may need beyond its own input: identity,
// the project layout, and handles onto the rest of the running system.
// None of this is visible to the LLM directly — only a tool's declared
// input schema and its returned output are.
type ExecContext struct {
	AgentID     string
	SessionID   string // empty for agent-level (non-session) invocations
	ProjectRoot string

	Logger *slog.Logger

	// Broker is the message broker handle, letting tools send/route/broadcast
	// on the agent's behalf (e.g. a "message" tool). Narrowed to what tools
	// need; nil-safe callers should check before use.
	Broker BrokerHandle

	// LogSearcher finds past conversation lines across sessions.
	LogSearcher LogSearcher

	// Secrets is the agent's secrets.env file contents, parsed into a flat
	// map and never forwarded to the LLM — only read by a tool's own
	// Execute body (e.g. an HTTP-calling tool reading an API key).
	Secrets map[string]string

	AgentConfig *store.AgentConfig

	Services ServiceHandle

	// AskUser prompts the human operator mid-execution and blocks for an
	// answer (or a late-answer recovery on the next turn). Nil outside the
	// control surface (e.g. a heartbeat-triggered turn has no connected
	// human to ask).
	AskUser func(question string, options []string, qctx map[string]interface{}) (string, error)
}

// BrokerHandle is the subset of the broker a tool may call.
type BrokerHandle interface {
	Send(from, agentID, command string, payload map[string]interface{}, source broker.Source) (broker.RouteResult, error)
}

// LogSearcher finds historical conversation lines. Left as a narrow seam;
// the concrete implementation lives alongside the store's conversation log.
type LogSearcher interface {
	Search(agentID, query string, limit int) ([]string, error)
}

// ServiceHandle is the subset of the service supervisor a tool may call
// (e.g. "is service X running", "ping service X").
type ServiceHandle interface {
	Status(name string) (running bool, err error)
}
