package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeebsjenkins/agentcore/pkg/protocol"
)

// pongWait is how long a client has to respond to a ping before the
// connection is considered dead.
const pongWait = pingInterval + 10*time.Second

// clientSession tracks one streaming session.start/session.continue call so
// session.abort can suppress further writes without killing the connection.
type clientSession struct {
	mu      sync.Mutex
	aborted bool
	cancel  context.CancelFunc
}

func (s *clientSession) abort() {
	s.mu.Lock()
	s.aborted = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *clientSession) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Client is one authenticated (or authenticating) WebSocket connection.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	writeMu sync.Mutex

	authMu        sync.Mutex
	authenticated bool

	sessionsMu sync.Mutex
	sessions   map[string]*clientSession
}

func newClient(id string, conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:       id,
		conn:     conn,
		server:   server,
		sessions: make(map[string]*clientSession),
	}
}

func (c *Client) isAuthenticated() bool {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.authenticated
}

func (c *Client) markAuthenticated() {
	c.authMu.Lock()
	c.authenticated = true
	c.authMu.Unlock()
}

// writeJSON serializes v as a single text frame. Safe for concurrent callers.
func (c *Client) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// SendEvent pushes a server-originated frame not tied to a request.
func (c *Client) SendEvent(ev protocol.EventFrame) {
	if err := c.writeJSON(ev); err != nil {
		slog.Warn("control: send event failed", "client", c.id, "error", err)
	}
}

func (c *Client) sessionFor(sessionID string) *clientSession {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		s = &clientSession{}
		c.sessions[sessionID] = s
	}
	return s
}

func (c *Client) abortSession(sessionID string) {
	c.sessionsMu.Lock()
	s, ok := c.sessions[sessionID]
	c.sessionsMu.Unlock()
	if ok {
		s.abort()
	}
}

// abortAll aborts every session this client started, used on disconnect.
func (c *Client) abortAll() {
	c.sessionsMu.Lock()
	sessions := make([]*clientSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessionsMu.Unlock()
	for _, s := range sessions {
		s.abort()
	}
}

// Run drains inbound frames until the connection closes or ctx is canceled.
// The caller is responsible for closing the underlying conn afterward.
func (c *Client) Run(ctx context.Context) {
	c.conn.SetReadDeadline(time.Now().Add(authTimeout))

	authed := make(chan struct{})
	go func() {
		select {
		case <-authed:
		case <-time.After(authTimeout):
			if !c.isAuthenticated() {
				c.writeJSON(map[string]string{"type": protocol.TypeAuthError, "error": "auth timeout"})
				c.conn.Close()
			}
		case <-ctx.Done():
		}
	}()

	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stopPing := c.startPingLoop()
	defer stopPing()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if !c.isAuthenticated() {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}

		var raw map[string]interface{}
		if err := json.Unmarshal(data, &raw); err != nil {
			c.writeJSON(map[string]string{"type": protocol.TypeError, "error": "malformed frame"})
			continue
		}
		typ, _ := raw["type"].(string)
		reqID, _ := raw["reqId"].(string)

		if !c.isAuthenticated() {
			if typ != protocol.TypeAuth {
				c.writeJSON(errorFrame(reqID, "not authenticated"))
				continue
			}
			c.handleAuth(raw, reqID)
			if c.isAuthenticated() {
				close(authed)
			}
			continue
		}

		if c.server.rateLimiter.enabled() && !c.server.rateLimiter.Allow(c.id) {
			c.writeJSON(errorFrame(reqID, "rate limit exceeded"))
			continue
		}

		c.server.dispatch(ctx, c, typ, reqID, raw)
	}
}

func (c *Client) handleAuth(raw map[string]interface{}, reqID string) {
	token, _ := raw["token"].(string)
	if !checkToken(c.server.token, token) {
		c.writeJSON(map[string]string{"type": protocol.TypeAuthError, "reqId": reqID, "error": "invalid token"})
		c.conn.Close()
		return
	}
	c.markAuthenticated()
	c.writeJSON(map[string]string{"type": protocol.TypeAuthOK, "reqId": reqID})
}

func (c *Client) startPingLoop() func() {
	done := make(chan struct{})
	ticker := time.NewTicker(pingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func errorFrame(reqID, msg string) map[string]string {
	f := map[string]string{"type": protocol.TypeError, "error": msg}
	if reqID != "" {
		f["reqId"] = reqID
	}
	return f
}
