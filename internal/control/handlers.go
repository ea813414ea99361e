package control

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jeebsjenkins/agentcore/internal/broker"
	"github.com/jeebsjenkins/agentcore/internal/store"
	"github.com/jeebsjenkins/agentcore/pkg/protocol"
)

// dispatch routes one authenticated inbound frame to its handler. Unknown
// types reply with a typed error instead of being silently dropped.
func (s *Server) dispatch(ctx context.Context, c *Client, typ, reqID string, raw map[string]interface{}) {
	ctx, span := s.tracer.Start(ctx, "rpc."+typ, attribute.String("client.id", c.id))
	defer span.End()

	switch typ {
	case protocol.TypePing:
		c.writeJSON(reply(protocol.TypePong, reqID, nil))

	case protocol.TypeAgentList:
		s.handleAgentList(c, reqID)
	case protocol.TypeAgentGet:
		s.handleAgentGet(c, reqID, raw)
	case protocol.TypeAgentCreate:
		s.handleAgentCreate(c, reqID, raw)
	case protocol.TypeAgentUpdate:
		s.handleAgentUpdate(c, reqID, raw)
	case protocol.TypeAgentDelete:
		s.handleAgentDelete(c, reqID, raw)

	case protocol.TypeSessionList:
		s.handleSessionList(c, reqID, raw)
	case protocol.TypeSessionStart:
		s.handleSessionStart(ctx, c, reqID, raw, false)
	case protocol.TypeSessionContinue:
		s.handleSessionStart(ctx, c, reqID, raw, true)
	case protocol.TypeSessionAbort:
		s.handleSessionAbort(c, reqID, raw)

	case protocol.TypeConversationHistory:
		s.handleConversationHistory(c, reqID, raw)

	case protocol.TypeMsgSend:
		s.handleMsgSend(c, reqID, raw)
	case protocol.TypeMsgRoute:
		s.handleMsgRoute(c, reqID, raw)
	case protocol.TypeMsgBroadcast:
		s.handleMsgBroadcast(c, reqID, raw)
	case protocol.TypeMsgReceive:
		s.handleMsgReceive(c, reqID, raw)
	case protocol.TypeMsgHistory:
		s.handleMsgHistory(c, reqID, raw)
	case protocol.TypeMsgSubscribe:
		s.handleMsgSubscribe(c, reqID, raw, true, false)
	case protocol.TypeMsgUnsubscribe:
		s.handleMsgSubscribe(c, reqID, raw, false, false)
	case protocol.TypeMsgSessionReceive:
		s.handleMsgSessionReceive(c, reqID, raw)
	case protocol.TypeMsgSessionHistory:
		s.handleMsgSessionHistory(c, reqID, raw)
	case protocol.TypeMsgSessionSubscribe:
		s.handleMsgSubscribe(c, reqID, raw, true, true)
	case protocol.TypeMsgSessionUnsubscribe:
		s.handleMsgSubscribe(c, reqID, raw, false, true)

	case protocol.TypeAgentToolsList:
		s.handleToolsList(c, reqID, raw)
	case protocol.TypeAgentToolExecute:
		s.handleToolExecute(ctx, c, reqID, raw)

	case protocol.TypeAskUserResponse:
		s.handleAskUserResponse(c, reqID, raw)

	case protocol.TypeStatus:
		s.handleStatus(c, reqID)
	case protocol.TypeLogsTail:
		s.handleLogsTail(c, reqID, raw)

	default:
		c.writeJSON(errorFrame(reqID, "Unknown message type: "+typ))
	}
}

func reply(typ, reqID string, payload map[string]interface{}) map[string]interface{} {
	f := map[string]interface{}{"type": typ}
	if reqID != "" {
		f["reqId"] = reqID
	}
	for k, v := range payload {
		f[k] = v
	}
	return f
}

func strField(raw map[string]interface{}, key string) string {
	v, _ := raw[key].(string)
	return v
}

// --- agent.* ---

func (s *Server) handleAgentList(c *Client, reqID string) {
	ids, err := s.store.ListAgents()
	if err != nil {
		c.writeJSON(errorFrame(reqID, err.Error()))
		return
	}
	agents := make([]*store.AgentConfig, 0, len(ids))
	for _, id := range ids {
		cfg, err := s.store.GetAgent(id)
		if err != nil {
			continue
		}
		agents = append(agents, cfg)
	}
	c.writeJSON(reply(protocol.TypeAgentListResult, reqID, map[string]interface{}{"agents": agents}))
}

func (s *Server) handleAgentGet(c *Client, reqID string, raw map[string]interface{}) {
	cfg, err := s.store.GetAgent(strField(raw, "id"))
	if err != nil {
		c.writeJSON(errorFrame(reqID, err.Error()))
		return
	}
	c.writeJSON(reply(protocol.TypeAgentGetResult, reqID, map[string]interface{}{"agent": cfg}))
}

func (s *Server) handleAgentCreate(c *Client, reqID string, raw map[string]interface{}) {
	id := strField(raw, "id")
	opts := store.AgentCreateOpts{
		Description:  strField(raw, "description"),
		DefaultModel: strField(raw, "defaultModel"),
		Heartbeat:    strField(raw, "heartbeat"),
	}
	cfg, err := s.store.CreateAgent(id, opts)
	if err != nil {
		c.writeJSON(reply(protocol.TypeAgentCreateError, reqID, map[string]interface{}{"error": err.Error()}))
		return
	}
	c.writeJSON(reply(protocol.TypeAgentCreateOK, reqID, map[string]interface{}{"agent": cfg}))
}

func (s *Server) handleAgentUpdate(c *Client, reqID string, raw map[string]interface{}) {
	id := strField(raw, "id")
	var partial store.AgentConfig
	if v, ok := raw["description"].(string); ok {
		partial.Description = v
	}
	if v, ok := raw["heartbeat"].(string); ok {
		partial.Heartbeat = v
	}
	cfg, err := s.store.UpdateAgent(id, partial)
	if err != nil {
		c.writeJSON(errorFrame(reqID, err.Error()))
		return
	}
	c.writeJSON(reply(protocol.TypeAgentUpdateOK, reqID, map[string]interface{}{"agent": cfg}))
}

func (s *Server) handleAgentDelete(c *Client, reqID string, raw map[string]interface{}) {
	if err := s.store.DeleteAgent(strField(raw, "id")); err != nil {
		c.writeJSON(errorFrame(reqID, err.Error()))
		return
	}
	c.writeJSON(reply(protocol.TypeAgentDeleteOK, reqID, nil))
}

// --- session.* ---

func (s *Server) handleSessionList(c *Client, reqID string, raw map[string]interface{}) {
	sessions, err := s.store.ListSessions(strField(raw, "agentId"))
	if err != nil {
		c.writeJSON(errorFrame(reqID, err.Error()))
		return
	}
	c.writeJSON(reply(protocol.TypeSessionListResult, reqID, map[string]interface{}{"sessions": sessions}))
}

func (s *Server) handleSessionAbort(c *Client, reqID string, raw map[string]interface{}) {
	c.abortSession(strField(raw, "sessionId"))
	c.writeJSON(reply(protocol.TypeSessionDone, reqID, map[string]interface{}{"aborted": true}))
}

func (s *Server) handleConversationHistory(c *Client, reqID string, raw map[string]interface{}) {
	agentID, sessionID := strField(raw, "agentId"), strField(raw, "sessionId")
	path, err := s.store.ConversationLogPath(agentID, sessionID)
	if err != nil {
		c.writeJSON(errorFrame(reqID, err.Error()))
		return
	}
	c.writeJSON(reply(protocol.TypeConversationHistoryResult, reqID, map[string]interface{}{"path": path}))
}

// --- msg.* (broker wrappers) ---

func payloadOf(raw map[string]interface{}) map[string]interface{} {
	if p, ok := raw["payload"].(map[string]interface{}); ok {
		return p
	}
	return nil
}

func sourceOf(raw map[string]interface{}) broker.Source {
	if v, ok := raw["source"].(string); ok && v != "" {
		return broker.Source(v)
	}
	return routeSourceControl
}

func routeResultReply(res broker.RouteResult) map[string]interface{} {
	return map[string]interface{}{
		"id":                  res.ID,
		"delivered":           res.Delivered,
		"unmatched":           res.Unmatched,
		"deliveredTo":         res.DeliveredTo,
		"deliveredToSessions": res.DeliveredToSessions,
	}
}

func (s *Server) handleMsgSend(c *Client, reqID string, raw map[string]interface{}) {
	res, err := s.broker.Send(strField(raw, "from"), strField(raw, "agentId"), strField(raw, "command"), payloadOf(raw), sourceOf(raw))
	if err != nil {
		c.writeJSON(errorFrame(reqID, err.Error()))
		return
	}
	c.writeJSON(reply(protocol.TypeMsgRouteOK, reqID, routeResultReply(res)))
}

func (s *Server) handleMsgRoute(c *Client, reqID string, raw map[string]interface{}) {
	in := broker.RouteInput{
		Path:       strField(raw, "path"),
		Command:    strField(raw, "command"),
		Payload:    payloadOf(raw),
		Source:     sourceOf(raw),
		ExternalID: strField(raw, "externalId"),
	}
	res, err := s.broker.Route(strField(raw, "from"), in)
	if err != nil {
		c.writeJSON(errorFrame(reqID, err.Error()))
		return
	}
	c.writeJSON(reply(protocol.TypeMsgRouteOK, reqID, routeResultReply(res)))
}

func (s *Server) handleMsgBroadcast(c *Client, reqID string, raw map[string]interface{}) {
	res, err := s.broker.Broadcast(strField(raw, "from"), strField(raw, "path"), strField(raw, "command"), payloadOf(raw), sourceOf(raw))
	if err != nil {
		c.writeJSON(errorFrame(reqID, err.Error()))
		return
	}
	c.writeJSON(reply(protocol.TypeMsgRouteOK, reqID, routeResultReply(res)))
}

func (s *Server) handleMsgReceive(c *Client, reqID string, raw map[string]interface{}) {
	msgs, err := s.broker.Receive(strField(raw, "agentId"))
	if err != nil {
		c.writeJSON(errorFrame(reqID, err.Error()))
		return
	}
	c.writeJSON(reply(protocol.TypeMsgReceiveResult, reqID, map[string]interface{}{"messages": msgs}))
}

func (s *Server) handleMsgSessionReceive(c *Client, reqID string, raw map[string]interface{}) {
	msgs, err := s.broker.ReceiveSession(strField(raw, "agentId"), strField(raw, "sessionId"))
	if err != nil {
		c.writeJSON(errorFrame(reqID, err.Error()))
		return
	}
	c.writeJSON(reply(protocol.TypeMsgReceiveResult, reqID, map[string]interface{}{"messages": msgs}))
}

func historyOptsOf(raw map[string]interface{}) broker.HistoryOpts {
	var opts broker.HistoryOpts
	if v, ok := raw["limit"].(float64); ok {
		opts.Limit = int(v)
	}
	return opts
}

func (s *Server) handleMsgHistory(c *Client, reqID string, raw map[string]interface{}) {
	msgs, err := s.broker.History(strField(raw, "agentId"), historyOptsOf(raw))
	if err != nil {
		c.writeJSON(errorFrame(reqID, err.Error()))
		return
	}
	c.writeJSON(reply(protocol.TypeMsgHistoryResult, reqID, map[string]interface{}{"messages": msgs}))
}

func (s *Server) handleMsgSessionHistory(c *Client, reqID string, raw map[string]interface{}) {
	msgs, err := s.broker.SessionHistory(strField(raw, "agentId"), strField(raw, "sessionId"), historyOptsOf(raw))
	if err != nil {
		c.writeJSON(errorFrame(reqID, err.Error()))
		return
	}
	c.writeJSON(reply(protocol.TypeMsgHistoryResult, reqID, map[string]interface{}{"messages": msgs}))
}

func (s *Server) handleMsgSubscribe(c *Client, reqID string, raw map[string]interface{}, add, session bool) {
	agentID, pattern := strField(raw, "agentId"), strField(raw, "pattern")
	var err error
	switch {
	case session && add:
		err = s.broker.SubscribeSession(agentID, strField(raw, "sessionId"), pattern)
	case session && !add:
		err = s.broker.UnsubscribeSession(agentID, strField(raw, "sessionId"), pattern)
	case !session && add:
		err = s.broker.Subscribe(agentID, pattern)
	default:
		err = s.broker.Unsubscribe(agentID, pattern)
	}
	if err != nil {
		c.writeJSON(errorFrame(reqID, err.Error()))
		return
	}
	typ := protocol.TypeMsgSubscribeOK
	if !add {
		typ = protocol.TypeMsgUnsubscribeOK
	}
	c.writeJSON(reply(typ, reqID, nil))
}

// --- agent.tools.* ---

func (s *Server) handleToolsList(c *Client, reqID string, raw map[string]interface{}) {
	if s.tools == nil {
		c.writeJSON(reply(protocol.TypeAgentToolsListResult, reqID, map[string]interface{}{"tools": []ToolInfo{}}))
		return
	}
	tools, err := s.tools.ListAgentTools(strField(raw, "agentId"))
	if err != nil {
		c.writeJSON(errorFrame(reqID, err.Error()))
		return
	}
	c.writeJSON(reply(protocol.TypeAgentToolsListResult, reqID, map[string]interface{}{"tools": tools}))
}

func (s *Server) handleToolExecute(ctx context.Context, c *Client, reqID string, raw map[string]interface{}) {
	if s.tools == nil {
		c.writeJSON(errorFrame(reqID, "no tool registry configured"))
		return
	}
	agentID, sessionID, toolName := strField(raw, "agentId"), strField(raw, "sessionId"), strField(raw, "tool")
	input, _ := raw["input"].(map[string]interface{})

	askUser := func(actx context.Context, question string, options []string, qctx map[string]interface{}) (string, error) {
		return s.askUser.Ask(actx, agentID, sessionID, question, options, qctx)
	}

	res, err := s.tools.ExecuteTool(ctx, agentID, sessionID, toolName, input, askUser)
	if err != nil {
		c.writeJSON(errorFrame(reqID, err.Error()))
		return
	}
	c.writeJSON(reply(protocol.TypeAgentToolExecuteResult, reqID, map[string]interface{}{"output": res.Output, "isError": res.IsError}))
}

// --- ask-user.response ---

func (s *Server) handleAskUserResponse(c *Client, reqID string, raw map[string]interface{}) {
	questionID, answer := strField(raw, "questionId"), strField(raw, "answer")
	if err := s.askUser.Respond(questionID, answer); err != nil {
		c.writeJSON(errorFrame(reqID, err.Error()))
		return
	}
	c.writeJSON(reply(protocol.TypeAskUserResponseOK, reqID, nil))
}

// --- status / logs.tail ---

// handleStatus reports the turn manager's running triage/execution counters.
// Responds with an empty set if no StatsProvider was wired at startup.
func (s *Server) handleStatus(c *Client, reqID string) {
	var counters map[string]int64
	if s.stats != nil {
		counters = s.stats.Stats()
	}
	c.writeJSON(reply(protocol.TypeStatusResult, reqID, map[string]interface{}{"counters": counters}))
}

func (s *Server) handleLogsTail(c *Client, reqID string, raw map[string]interface{}) {
	agentID, sessionID := strField(raw, "agentId"), strField(raw, "sessionId")
	limit := 50
	if v, ok := raw["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	path, err := s.store.ConversationLogPath(agentID, sessionID)
	if err != nil {
		c.writeJSON(errorFrame(reqID, err.Error()))
		return
	}
	lines, err := tailLines(path, limit)
	if err != nil {
		c.writeJSON(errorFrame(reqID, err.Error()))
		return
	}
	c.writeJSON(reply(protocol.TypeLogsTailResult, reqID, map[string]interface{}{"lines": lines}))
}

// tailLines returns the last n lines of an append-only JSONL file. Trailing
// newlines are trimmed; blank lines inside the file are kept. A missing file yields an empty slice, matching ConversationLogPath's
// create-on-first-append convention elsewhere in the store.
func tailLines(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(all) == 1 && all[0] == "" {
		return nil, nil
	}
	if len(all) <= n {
		return all, nil
	}
	return all[len(all)-n:], nil
}
