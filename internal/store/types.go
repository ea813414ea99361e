package store

import (
	"time"
)

// MCPServerConfig configures a single external MCP server connection declared
// in an agent's jvAgent.json under mcpServers.
type MCPServerConfig struct {
	Transport  string            `json:"transport"`             // "stdio", "sse", "streamable-http"
	Command    string            `json:"command,omitempty"`     // stdio: command to spawn
	Args       []string          `json:"args,omitempty"`        // stdio: command arguments
	Env        map[string]string `json:"env,omitempty"`         // stdio: extra environment variables
	URL        string            `json:"url,omitempty"`         // sse/http: server URL
	Headers    map[string]string `json:"headers,omitempty"`     // sse/http: extra HTTP headers
	Enabled    *bool             `json:"enabled,omitempty"`     // default true
	ToolPrefix string            `json:"tool_prefix,omitempty"` // not applied: bridged tools are always named mcp:<server>:<tool>
	TimeoutSec int               `json:"timeout_sec,omitempty"` // per-tool-call timeout in seconds (default 60)
}

// IsEnabled returns whether this MCP server is enabled (default true).
func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// AutoRun configures whether, and how, the turn manager acts on routed
// messages for an agent or a session. A bare bool enables/disables with
// defaults; the record form overrides individual knobs.
type AutoRun struct {
	Enabled            bool `json:"enabled"`
	TriageModel        string `json:"triageModel,omitempty"`
	DebounceMs         int    `json:"debounceMs,omitempty"`
	MaxBatchSize       int    `json:"maxBatchSize,omitempty"`
	TriageTimeoutMs    int    `json:"triageTimeoutMs,omitempty"`
	ExecutionTimeoutMs int    `json:"executionTimeoutMs,omitempty"`
}

// Subscription is a (pattern, addedAt) pair persisted in an agent or
// session config document.
type Subscription struct {
	Pattern string    `json:"pattern"`
	AddedAt time.Time `json:"addedAt"`
}

// AgentConfig is the persisted jvAgent.json document.
type AgentConfig struct {
	ID            string         `json:"id"`
	Description   string         `json:"description,omitempty"`
	WorkDirs      []string       `json:"workDirectories,omitempty"`
	DefaultModel  string         `json:"defaultModel,omitempty"`
	Subscriptions []Subscription `json:"subscriptions,omitempty"`
	Heartbeat     string         `json:"heartbeat,omitempty"` // cron expression
	AutoRun       *AutoRun       `json:"autoRun,omitempty"`

	// DisallowedTools names LLM-CLI built-in tools (not this module's own
	// tool registry) this agent may never invoke, e.g. "Bash", "WebFetch".
	DisallowedTools []string `json:"disallowedTools,omitempty"`

	// McpServers declares external MCP servers this agent's tool registry
	// should connect to, keyed by server name. Optional; absence or a
	// connect failure never blocks the agent's other tool tiers.
	McpServers map[string]*MCPServerConfig `json:"mcpServers,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// SessionMeta is the persisted <sid>.json document.
type SessionMeta struct {
	ID              string         `json:"id"`
	AgentID         string         `json:"agentId"`
	Title           string         `json:"title,omitempty"`
	IsDefault       bool           `json:"isDefault"`
	WorkDirs        []string       `json:"workDirectories,omitempty"`
	Subscriptions   []Subscription `json:"subscriptions,omitempty"`
	AutoRun         *AutoRun       `json:"autoRun,omitempty"`
	DisallowedTools []string       `json:"disallowedTools,omitempty"`

	// (ADD) informational metadata carried from the teacher's richer
	// session model; no operation's required behavior depends on these.
	Model            string `json:"model,omitempty"`
	Provider         string `json:"provider,omitempty"`
	LastPromptTokens int    `json:"lastPromptTokens,omitempty"`
	LastMessageCount int    `json:"lastMessageCount,omitempty"`

	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

// AgentCreateOpts are explicit overrides applied after template cloning.
type AgentCreateOpts struct {
	Description     string
	WorkDirs        []string
	DefaultModel    string
	Subscriptions   []string
	Instructions    string // override CLAUDE.md content; empty = keep template's
	Heartbeat       string
	AutoRun         *AutoRun
	DisallowedTools []string
}

// MemoryTier identifies one of the three memory tiers consulted when
// assembling a turn's system prompt.
type MemoryTier int

const (
	MemorySystem MemoryTier = iota
	MemoryAgent
	MemorySession
)
