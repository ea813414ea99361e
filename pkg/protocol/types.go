// Package protocol defines the control surface's wire format: the message
// type catalog exchanged over the framed JSON WebSocket connection between
// a client and the coordination core.
package protocol

// ProtocolVersion is bumped on any breaking change to the frame schema.
const ProtocolVersion = 1

// Message types a client sends.
const (
	TypeAuth              = "auth"
	TypePing              = "ping"
	TypeAgentList         = "agent.list"
	TypeAgentCreate       = "agent.create"
	TypeAgentUpdate       = "agent.update"
	TypeAgentDelete       = "agent.delete"
	TypeAgentGet          = "agent.get"
	TypeSessionList       = "session.list"
	TypeSessionStart      = "session.start"
	TypeSessionContinue   = "session.continue"
	TypeSessionAbort      = "session.abort"
	TypeConversationHistory = "conversation.history"
	TypeMsgSend           = "msg.send"
	TypeMsgRoute          = "msg.route"
	TypeMsgBroadcast      = "msg.broadcast"
	TypeMsgReceive        = "msg.receive"
	TypeMsgHistory        = "msg.history"
	TypeMsgSubscribe      = "msg.subscribe"
	TypeMsgUnsubscribe    = "msg.unsubscribe"
	TypeMsgSessionReceive     = "msg.session.receive"
	TypeMsgSessionHistory     = "msg.session.history"
	TypeMsgSessionSubscribe   = "msg.session.subscribe"
	TypeMsgSessionUnsubscribe = "msg.session.unsubscribe"
	TypeAgentToolsList    = "agent.tools.list"
	TypeAgentToolExecute  = "agent.tool.execute"
	TypeLogsTail          = "logs.tail"
	TypeStatus            = "status"
	TypeAskUserResponse   = "ask-user.response"
)

// Message types the server sends.
const (
	TypeAuthOK              = "auth.ok"
	TypeAuthError           = "auth.error"
	TypePong                = "pong"
	TypeError               = "error"
	TypeAgentListResult     = "agent.list.result"
	TypeAgentCreateOK       = "agent.create.ok"
	TypeAgentCreateError    = "agent.create.error"
	TypeAgentUpdateOK       = "agent.update.ok"
	TypeAgentDeleteOK       = "agent.delete.ok"
	TypeAgentGetResult      = "agent.get.result"
	TypeSessionListResult   = "session.list.result"
	TypeSessionStarted      = "session.started"
	TypeSessionText         = "session.text"
	TypeSessionThinking     = "session.thinking"
	TypeSessionToolUse      = "session.tool_use"
	TypeSessionToolResult   = "session.tool_result"
	TypeSessionEvent        = "session.event"
	TypeSessionTitle        = "session.title"
	TypeSessionDone         = "session.done"
	TypeSessionError        = "session.error"
	TypeConversationHistoryResult = "conversation.history.result"
	TypeMsgRouteOK          = "msg.route.ok"
	TypeMsgReceiveResult    = "msg.receive.result"
	TypeMsgHistoryResult    = "msg.history.result"
	TypeMsgSubscribeOK      = "msg.subscribe.ok"
	TypeMsgUnsubscribeOK    = "msg.unsubscribe.ok"
	TypeAgentToolsListResult = "agent.tools.list.result"
	TypeAgentToolExecuteResult = "agent.tool.execute.result"
	TypeLogsTailResult      = "logs.tail.result"
	TypeStatusResult        = "status.result"
	TypeAskUser             = "ask-user"
	TypeAskUserResponseOK   = "ask-user.response.ok"
)

// Frame is one envelope exchanged over the control socket in either
// direction. ReqID, when present on a client frame, is echoed back on every
// response derived from it.
type Frame struct {
	Type    string      `json:"type"`
	ReqID   string      `json:"reqId,omitempty"`
	Payload interface{} `json:"-"`
}

// EventFrame is a server-pushed frame not tied to any particular request
// (session streaming, ask-user prompts, title updates).
type EventFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// NewEvent builds an EventFrame with the given name and payload.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: name, Data: payload}
}
