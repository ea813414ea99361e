package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeebsjenkins/agentcore/internal/llmcli"
	"github.com/jeebsjenkins/agentcore/internal/store"
	"github.com/jeebsjenkins/agentcore/pkg/protocol"
)

// handleSessionStart allocates (or resumes) a session, acknowledges with
// session.started, then streams normalized LLM-CLI events to the client
// until the run finishes, the client aborts, or the connection drops.
func (s *Server) handleSessionStart(ctx context.Context, c *Client, reqID string, raw map[string]interface{}, resume bool) {
	agentID := strField(raw, "agentId")
	prompt := strField(raw, "prompt")
	sessionID := strField(raw, "id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if _, err := s.store.GetSession(agentID, sessionID); err != nil {
		if _, err := s.store.CreateSession(agentID, sessionID, store.AgentCreateOpts{}); err != nil {
			c.writeJSON(reply(protocol.TypeSessionError, reqID, map[string]interface{}{"error": err.Error()}))
			return
		}
	}

	c.writeJSON(reply(protocol.TypeSessionStarted, reqID, map[string]interface{}{
		"sessionId": sessionID,
		"agentId":   agentID,
	}))

	sessionDir, err := s.store.GetSessionDir(agentID, sessionID)
	if err != nil {
		c.writeJSON(reply(protocol.TypeSessionError, reqID, map[string]interface{}{"sessionId": sessionID, "error": err.Error()}))
		return
	}
	if late := drainLateAnswers(sessionDir); late != "" {
		prompt = late + "\n" + prompt
	}

	systemPrompt, err := s.store.EffectiveSystemPrompt(agentID, sessionID)
	if err != nil {
		c.writeJSON(reply(protocol.TypeSessionError, reqID, map[string]interface{}{"sessionId": sessionID, "error": err.Error()}))
		return
	}
	workDirs, disallowedTools, err := s.store.ResolvedCLIOptions(agentID, sessionID)
	if err != nil {
		c.writeJSON(reply(protocol.TypeSessionError, reqID, map[string]interface{}{"sessionId": sessionID, "error": err.Error()}))
		return
	}

	cs := c.sessionFor(sessionID)
	runCtx, cancel := context.WithCancel(ctx)
	cs.mu.Lock()
	cs.cancel = cancel
	cs.mu.Unlock()

	opts := llmcli.Options{
		SystemPrompt: systemPrompt,
		Prompt:       prompt,
		WorkDir:      sessionDir,
		// An interactive client is always attached to a control-surface
		// session, so ask-user round-trips are available: prompt for
		// permission rather than bypassing it.
		PermissionMode:    llmcli.PermissionModeDefault,
		DisallowedTools:   disallowedTools,
		ToolDocumentation: s.toolDocumentation(agentID),
		AdditionalDirs:    append([]string{sessionDir}, workDirs...),
	}
	if resume {
		opts.ResumeSessionID = sessionID
	}

	s.maybeGenerateTitle(runCtx, c, agentID, sessionID, prompt)

	go s.streamSession(runCtx, c, cs, agentID, sessionID, opts)
}

// toolDocumentation renders the agent's registered tools (this module's own
// registry, not the LLM-CLI's built-ins) as a short text block for the
// system prompt. Returns "" if no registry is configured or the agent has
// no tools.
func (s *Server) toolDocumentation(agentID string) string {
	if s.tools == nil {
		return ""
	}
	list, err := s.tools.ListAgentTools(agentID)
	if err != nil || len(list) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range list {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Server) maybeGenerateTitle(ctx context.Context, c *Client, agentID, sessionID, prompt string) {
	if s.titler == nil {
		title := strings.TrimSpace(prompt)
		if r := []rune(title); len(r) > 100 {
			title = string(r[:100])
		}
		if title != "" {
			_, _ = s.store.UpdateSession(agentID, sessionID, store.SessionMeta{Title: title})
		}
		return
	}
	go func() {
		title := s.titler.Title(ctx, prompt)
		if title == "" || ctx.Err() != nil {
			return
		}
		c.SendEvent(*protocol.NewEvent(protocol.TypeSessionTitle, map[string]interface{}{
			"sessionId": sessionID,
			"title":     title,
		}))
		_, _ = s.store.UpdateSession(agentID, sessionID, store.SessionMeta{Title: title})
	}()
}

func (s *Server) streamSession(ctx context.Context, c *Client, cs *clientSession, agentID, sessionID string, opts llmcli.Options) {
	_ = s.store.AppendConversationLine(agentID, sessionID, map[string]interface{}{
		"type":      "session-turn",
		"prompt":    opts.Prompt,
		"timestamp": time.Now(),
	})

	onEvent := func(ev llmcli.Event) {
		if cs.isAborted() {
			return
		}
		c.SendEvent(*protocol.NewEvent(streamEventType(ev.Kind), map[string]interface{}{
			"sessionId": sessionID,
			"text":      ev.Text,
			"raw":       ev.Raw,
		}))
	}

	res, err := s.run(ctx, opts, onEvent)
	if cs.isAborted() {
		return
	}
	if err != nil {
		c.SendEvent(*protocol.NewEvent(protocol.TypeSessionError, map[string]interface{}{
			"sessionId": sessionID,
			"error":     err.Error(),
		}))
		_ = s.store.AppendConversationLine(agentID, sessionID, map[string]interface{}{
			"type":      "session-turn-error",
			"error":     err.Error(),
			"timestamp": time.Now(),
		})
		return
	}

	c.SendEvent(*protocol.NewEvent(protocol.TypeSessionDone, map[string]interface{}{
		"sessionId":  sessionID,
		"durationMs": res.DurationMs,
	}))
	_ = s.store.AppendConversationLine(agentID, sessionID, map[string]interface{}{
		"type":       "session-turn-result",
		"durationMs": res.DurationMs,
		"timestamp":  time.Now(),
	})
}

func streamEventType(kind llmcli.EventKind) string {
	switch kind {
	case llmcli.EventThinking:
		return protocol.TypeSessionThinking
	case llmcli.EventText:
		return protocol.TypeSessionText
	case llmcli.EventToolUse, llmcli.EventToolUseStart, llmcli.EventToolInputDelta, llmcli.EventToolUseStop:
		return protocol.TypeSessionToolUse
	case llmcli.EventToolResult:
		return protocol.TypeSessionToolResult
	case llmcli.EventResult:
		return protocol.TypeSessionEvent
	default:
		return protocol.TypeSessionEvent
	}
}
