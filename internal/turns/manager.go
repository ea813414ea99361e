// Package turns implements the agent turn manager: it watches the message
// broker for deliveries, debounces and batches them per (agent, session),
// serializes execution, runs a cheap triage gate ahead of the full LLM-CLI
// execution stage, and drives heartbeat cron jobs.
package turns

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jeebsjenkins/agentcore/internal/broker"
	"github.com/jeebsjenkins/agentcore/internal/llmcli"
	"github.com/jeebsjenkins/agentcore/internal/observability"
	"github.com/jeebsjenkins/agentcore/internal/store"
	"github.com/jeebsjenkins/agentcore/internal/triage"
)

// Defaults applied when neither session nor agent autoRun overrides a knob.
const (
	DefaultDebounceMs         = 2000
	DefaultMaxBatchSize       = 10
	DefaultTriageTimeoutMs    = 15000
	DefaultExecutionTimeoutMs = 10 * 60 * 1000
)

// ConfigStore is the subset of the agent store the turn manager needs.
type ConfigStore interface {
	GetAgent(agentID string) (*store.AgentConfig, error)
	GetSession(agentID, sessionID string) (*store.SessionMeta, error)
	UpdateSession(agentID, sessionID string, partial store.SessionMeta) (*store.SessionMeta, error)
	ListAgents() ([]string, error)
	EffectiveSystemPrompt(agentID, sessionID string) (string, error)
	ResolvedCLIOptions(agentID, sessionID string) (workDirs, disallowedTools []string, err error)
	GetSessionDir(agentID, sessionID string) (string, error)
	AppendConversationLine(agentID, sessionID string, v interface{}) error
}

// MessageBroker is the subset of *broker.Broker the turn manager needs.
type MessageBroker interface {
	OnRoute(fn broker.OnRouteFunc)
	Route(from string, in broker.RouteInput) (broker.RouteResult, error)
}

// TriageGate is satisfied by *triage.Client; abstracted so the turn manager
// can be tested, and so it can fall back to the LLM-CLI one-shot query mode
// when no dedicated triage client is configured.
type TriageGate interface {
	Triage(ctx context.Context, agentDescription, prompt string) (Decision, error)
}

// Decision is an alias for triage.Decision (not a distinct struct type) so
// that *triage.Client satisfies TriageGate without an adapter: Go requires
// exact type identity for interface method signatures, and a look-alike
// struct with the same fields would NOT satisfy this interface.
type Decision = triage.Decision

// Runner executes one LLM-CLI streaming invocation. Swappable in tests.
type Runner func(ctx context.Context, opts llmcli.Options, onEvent llmcli.OnEvent) (llmcli.RunResult, error)

// QueryRunner executes one LLM-CLI one-shot query. Swappable in tests.
type QueryRunner func(ctx context.Context, opts llmcli.Options) (string, error)

// ToolInfo describes one tool available to an agent, mirroring
// control.ToolInfo without importing the control package.
type ToolInfo struct {
	Name        string
	Description string
}

// ToolLister is the subset of the tool registry the turn manager needs to
// fold tool documentation into an automated turn's system prompt. Optional;
// a nil ToolLister (the default) means automated turns carry no tool doc.
type ToolLister interface {
	ListAgentTools(agentID string) ([]ToolInfo, error)
}

// Stats are the turn manager's running counters.
type Stats struct {
	TriageCount     int64
	TriageAccepted  int64
	TriageRejected  int64
	TriageErrors    int64
	ExecutionCount  int64
	ExecutionErrors int64
}

func (s *Stats) snapshot() Stats {
	return Stats{
		TriageCount:     atomic.LoadInt64(&s.TriageCount),
		TriageAccepted:  atomic.LoadInt64(&s.TriageAccepted),
		TriageRejected:  atomic.LoadInt64(&s.TriageRejected),
		TriageErrors:    atomic.LoadInt64(&s.TriageErrors),
		ExecutionCount:  atomic.LoadInt64(&s.ExecutionCount),
		ExecutionErrors: atomic.LoadInt64(&s.ExecutionErrors),
	}
}

// key identifies one (agentID, sessionID) debounce/serialization unit.
type key struct {
	AgentID   string
	SessionID string
}

// turnState holds one key's debounce queue, active-turn flag, and the
// messages that arrived while a turn was active.
type turnState struct {
	mu      sync.Mutex
	queue   []broker.Message
	rerun   []broker.Message
	active  bool
	timer   *time.Timer
}

// Manager is the agent turn manager.
type Manager struct {
	store  ConfigStore
	broker MessageBroker
	triage TriageGate
	run    Runner
	query  QueryRunner

	stats Stats

	statesMu sync.Mutex
	states   map[key]*turnState

	heartbeats *heartbeatScheduler

	tracer *observability.Tracer
	tools  ToolLister
}

// New builds a Manager and registers its broker observer. cs and br are
// required; triageGate may be nil (falls back to llmcli one-shot query);
// run/query may be nil (default to llmcli.Run/llmcli.Query).
func New(cs ConfigStore, br MessageBroker, triageGate TriageGate, run Runner, query QueryRunner) *Manager {
	if run == nil {
		run = llmcli.Run
	}
	if query == nil {
		query = llmcli.Query
	}
	m := &Manager{
		store:  cs,
		broker: br,
		triage: triageGate,
		run:    run,
		query:  query,
		states: make(map[key]*turnState),
	}
	m.heartbeats = newHeartbeatScheduler(cs, br)
	br.OnRoute(m.onRoute)
	return m
}

// SetTracer attaches a tracer used to span each execution turn. A nil
// tracer (the default) disables tracing with no behavior change.
func (m *Manager) SetTracer(t *observability.Tracer) { m.tracer = t }

// SetToolLister attaches the tool registry used to fold tool documentation
// into automated execution turns. A nil lister (the default) means
// automated turns carry no tool documentation in their system prompt.
func (m *Manager) SetToolLister(t ToolLister) { m.tools = t }

// Stats returns a point-in-time snapshot of the manager's counters.
func (m *Manager) Stats() Stats { return m.stats.snapshot() }

// StartHeartbeats walks every agent and schedules its cron heartbeat, if
// any. Call once at startup.
func (m *Manager) StartHeartbeats(ctx context.Context) error {
	return m.heartbeats.start(ctx)
}

// RefreshHeartbeats reloads the cron schedule after agent config changes.
func (m *Manager) RefreshHeartbeats(ctx context.Context) error {
	return m.heartbeats.refresh(ctx)
}

// StopHeartbeats cancels all scheduled cron jobs.
func (m *Manager) StopHeartbeats() { m.heartbeats.stop() }

// onRoute is registered as the broker's route observer. It computes the
// affected (agentId, sessionId) pairs using the delivery-attribution rule
// and enqueues the routed message onto each pair's debounce state.
func (m *Manager) onRoute(res broker.RouteResult) {
	if res.Unmatched {
		return
	}
	handledAgents := make(map[string]bool, len(res.DeliveredToSessions))
	for _, r := range res.DeliveredToSessions {
		handledAgents[r.AgentID] = true
		m.enqueue(key{AgentID: r.AgentID, SessionID: r.SessionID}, res.Message)
	}
	for _, agentID := range res.DeliveredTo {
		if !handledAgents[agentID] {
			m.enqueue(key{AgentID: agentID, SessionID: "main"}, res.Message)
		}
	}
}

func (m *Manager) stateFor(k key) *turnState {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	st, ok := m.states[k]
	if !ok {
		st = &turnState{}
		m.states[k] = st
	}
	return st
}

// resolvedAutoRun returns the effective autoRun config for (agentID,
// sessionID) per precedence session > agent > disabled, plus the agent description for triage prompts.
func (m *Manager) resolvedAutoRun(agentID, sessionID string) (*store.AutoRun, string, error) {
	agentCfg, err := m.store.GetAgent(agentID)
	if err != nil {
		return nil, "", err
	}
	var sessCfg *store.SessionMeta
	if sessionID != "" {
		sessCfg, _ = m.store.GetSession(agentID, sessionID) // missing session: fall through to agent level
	}
	if sessCfg != nil && sessCfg.AutoRun != nil {
		return sessCfg.AutoRun, agentCfg.Description, nil
	}
	if agentCfg.AutoRun != nil {
		return agentCfg.AutoRun, agentCfg.Description, nil
	}
	return nil, agentCfg.Description, nil
}

func withDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// enqueue adds msg to k's debounce queue (or rerun buffer if a turn is
// already active), honoring the resolved autoRun config. A delivery with
// autoRun disabled at both levels is dropped silently.
func (m *Manager) enqueue(k key, msg broker.Message) {
	autoRun, _, err := m.resolvedAutoRun(k.AgentID, k.SessionID)
	if err != nil || autoRun == nil || !autoRun.Enabled {
		return
	}

	st := m.stateFor(k)
	st.mu.Lock()
	if st.active {
		st.rerun = append(st.rerun, msg)
		st.mu.Unlock()
		return
	}
	st.queue = append(st.queue, msg)
	maxBatch := withDefault(autoRun.MaxBatchSize, DefaultMaxBatchSize)
	if len(st.queue) >= maxBatch {
		m.flushLocked(k, st)
		st.mu.Unlock()
		return
	}
	debounce := withDefault(autoRun.DebounceMs, DefaultDebounceMs)
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(time.Duration(debounce)*time.Millisecond, func() {
		st.mu.Lock()
		m.flushLocked(k, st)
		st.mu.Unlock()
	})
	st.mu.Unlock()
}

// flushLocked drains st's queue and starts a turn. Caller holds st.mu.
func (m *Manager) flushLocked(k key, st *turnState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if len(st.queue) == 0 || st.active {
		return
	}
	batch := st.queue
	st.queue = nil
	st.active = true
	go m.runTurn(k, batch, st)
}

// runTurn executes the triage and execution stages, then re-drains any
// messages that arrived while the turn was active ("Concurrency").
func (m *Manager) runTurn(k key, batch []broker.Message, st *turnState) {
	defer func() {
		st.mu.Lock()
		st.active = false
		rerun := st.rerun
		st.rerun = nil
		st.mu.Unlock()
		for _, msg := range rerun {
			m.enqueue(k, msg)
		}
	}()

	autoRun, description, err := m.resolvedAutoRun(k.AgentID, k.SessionID)
	if err != nil || autoRun == nil {
		return
	}

	ctx, span := m.tracer.Start(context.Background(), "turn",
		attribute.String("agent.id", k.AgentID),
		attribute.String("session.id", k.SessionID),
		attribute.Int("batch.size", len(batch)),
	)
	defer span.End()

	accept := m.runTriageStage(ctx, k, description, batch, autoRun)
	if !accept {
		return
	}
	m.runExecutionStage(ctx, k, batch, autoRun)
}

func (m *Manager) runTriageStage(ctx context.Context, k key, description string, batch []broker.Message, autoRun *store.AutoRun) bool {
	atomic.AddInt64(&m.stats.TriageCount, 1)
	prompt := buildTriagePrompt(k, batch)

	timeoutMs := withDefault(autoRun.TriageTimeoutMs, DefaultTriageTimeoutMs)
	tctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	var decision Decision
	var err error
	if m.triage != nil {
		decision, err = m.triage.Triage(tctx, description, prompt)
	} else {
		var text string
		text, err = m.query(tctx, llmcli.Options{
			SystemPrompt: "Reply with YES or NO on the first line: should an autonomous agent act on this?",
			Prompt:       prompt,
			TimeoutMs:    timeoutMs,
		})
		if err == nil {
			decision = Decision{Accept: !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(text)), "NO")}
		}
	}
	if err != nil {
		atomic.AddInt64(&m.stats.TriageErrors, 1)
		return true // on any triage exception, default to accepting
	}
	if decision.Accept {
		atomic.AddInt64(&m.stats.TriageAccepted, 1)
	} else {
		atomic.AddInt64(&m.stats.TriageRejected, 1)
	}
	return decision.Accept
}

func (m *Manager) runExecutionStage(ctx context.Context, k key, batch []broker.Message, autoRun *store.AutoRun) {
	atomic.AddInt64(&m.stats.ExecutionCount, 1)

	messageIDs := make([]string, 0, len(batch))
	for _, msg := range batch {
		messageIDs = append(messageIDs, msg.ID)
	}
	_ = m.store.AppendConversationLine(k.AgentID, k.SessionID, map[string]interface{}{
		"type":       "auto-turn",
		"messageIds": messageIDs,
		"timestamp":  time.Now(),
	})

	systemPrompt, err := m.store.EffectiveSystemPrompt(k.AgentID, k.SessionID)
	if err != nil {
		m.recordExecutionError(k, err)
		return
	}
	sessionDir, err := m.store.GetSessionDir(k.AgentID, k.SessionID)
	if err != nil {
		m.recordExecutionError(k, err)
		return
	}
	workDirs, disallowedTools, err := m.store.ResolvedCLIOptions(k.AgentID, k.SessionID)
	if err != nil {
		m.recordExecutionError(k, err)
		return
	}

	prompt := buildExecutionPrompt(k, batch)
	timeoutMs := withDefault(autoRun.ExecutionTimeoutMs, DefaultExecutionTimeoutMs)

	res, err := m.run(ctx, llmcli.Options{
		SystemPrompt:    systemPrompt,
		Prompt:          prompt,
		WorkDir:         sessionDir,
		AdditionalDirs:  append([]string{sessionDir}, workDirs...),
		ResumeSessionID: k.SessionID,
		TimeoutMs:       timeoutMs,
		DisallowedTools: disallowedTools,
		// No live client is attached to an automated turn, so there is no
		// ask-user round-trip available: never block on interactive
		// permission prompts.
		PermissionMode:    llmcli.PermissionModeBypass,
		ToolDocumentation: m.toolDocumentation(k.AgentID),
	}, nil)
	if err != nil {
		m.recordExecutionError(k, err)
		return
	}

	_ = m.store.AppendConversationLine(k.AgentID, k.SessionID, map[string]interface{}{
		"type":       "auto-turn-result",
		"messageIds": messageIDs,
		"durationMs": res.DurationMs,
		"timestamp":  time.Now(),
	})

	// Record actual usage on the session for operators inspecting it via
	// session.list/session.get; not consumed elsewhere in this package.
	if res.PromptTokens > 0 {
		agentCfg, err := m.store.GetAgent(k.AgentID)
		model := ""
		if err == nil && agentCfg != nil {
			model = agentCfg.DefaultModel
		}
		_, _ = m.store.UpdateSession(k.AgentID, k.SessionID, store.SessionMeta{
			Model:            model,
			Provider:         providerName,
			LastPromptTokens: res.PromptTokens,
			LastMessageCount: len(messageIDs),
		})
	}
}

// providerName identifies the LLM backend driving every turn: a single
// subprocess adapter, not a pluggable multi-provider abstraction.
const providerName = "claude-cli"

// toolDocumentation renders agentID's registered tools as a short text
// block for an automated turn's system prompt. Returns "" if no ToolLister
// was wired or the agent has no tools.
func (m *Manager) toolDocumentation(agentID string) string {
	if m.tools == nil {
		return ""
	}
	list, err := m.tools.ListAgentTools(agentID)
	if err != nil || len(list) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range list {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Manager) recordExecutionError(k key, err error) {
	atomic.AddInt64(&m.stats.ExecutionErrors, 1)
	_ = m.store.AppendConversationLine(k.AgentID, k.SessionID, map[string]interface{}{
		"type":      "auto-turn-error",
		"error":     err.Error(),
		"timestamp": time.Now(),
	})
}

// TriggerTurn bypasses triage and runs the execution stage directly,
// still respecting per-key serialization.
func (m *Manager) TriggerTurn(agentID, sessionID string, messages []broker.Message) {
	k := key{AgentID: agentID, SessionID: sessionID}
	autoRun, _, err := m.resolvedAutoRun(agentID, sessionID)
	if err != nil {
		return
	}
	if autoRun == nil {
		autoRun = &store.AutoRun{Enabled: true}
	}
	st := m.stateFor(k)
	st.mu.Lock()
	if st.active {
		st.rerun = append(st.rerun, messages...)
		st.mu.Unlock()
		return
	}
	st.active = true
	st.mu.Unlock()

	go func() {
		defer func() {
			st.mu.Lock()
			st.active = false
			rerun := st.rerun
			st.rerun = nil
			st.mu.Unlock()
			for _, msg := range rerun {
				m.enqueue(k, msg)
			}
		}()
		m.runExecutionStage(context.Background(), k, messages, autoRun)
	}()
}

func buildTriagePrompt(k key, batch []broker.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent %s, session %s. Inbound messages:\n", k.AgentID, k.SessionID)
	for _, msg := range batch {
		fmt.Fprintf(&b, "- [%s] from=%s path=%s command=%s payload=%s\n",
			msg.Source, msg.From, msg.Path, msg.Command, truncatePayload(msg.Payload))
	}
	return b.String()
}

func buildExecutionPrompt(k key, batch []broker.Message) string {
	if len(batch) == 1 && batch[0].Command == "heartbeat" {
		return "Heartbeat check-in: review your memory for pending work. If there is " +
			"actionable work, do it. Otherwise, note that you checked and exit."
	}
	var b strings.Builder
	b.WriteString("You received the following messages since your last turn:\n")
	for _, msg := range batch {
		fmt.Fprintf(&b, "- [%s] from=%s path=%s command=%s payload=%s\n",
			msg.Source, msg.From, msg.Path, msg.Command, truncatePayload(msg.Payload))
	}
	return b.String()
}

func truncatePayload(payload map[string]interface{}) string {
	if len(payload) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(payload))
	for kk := range payload {
		keys = append(keys, kk)
	}
	sort.Strings(keys)
	var parts []string
	for _, kk := range keys {
		v := fmt.Sprintf("%v", payload[kk])
		if len(v) > 80 {
			v = v[:80] + "…"
		}
		parts = append(parts, kk+"="+v)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
