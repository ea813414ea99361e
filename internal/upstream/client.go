// Package upstream implements the outbound duplex connection to an upstream
// message gateway: a signed-challenge EdDSA handshake followed by a
// long-lived event stream used for chat delivery.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeebsjenkins/agentcore/pkg/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	pingInterval     = 30 * time.Second
	pongWait         = pingInterval + 10*time.Second

	reconnectInitialBackoff = 2 * time.Second
	reconnectMaxBackoff     = 60 * time.Second
)

// Client dials one upstream gateway, completes the signed-challenge
// handshake, and exchanges EventFrames over the resulting connection.
type Client struct {
	url               string
	identity          *Identity
	clientID          string
	mode              string
	role              string
	scopes            []string
	registrationToken string
	dialer            *websocket.Dialer
}

// Option configures a Client at construction time.
type Option func(*Client)

func WithRole(role string) Option       { return func(c *Client) { c.role = role } }
func WithMode(mode string) Option       { return func(c *Client) { c.mode = mode } }
func WithScopes(scopes []string) Option { return func(c *Client) { c.scopes = scopes } }
func WithToken(token string) Option     { return func(c *Client) { c.registrationToken = token } }

// NewClient builds a Client for the given gateway URL, client ID, and
// identity. url must be a ws:// or wss:// endpoint.
func NewClient(url, clientID string, identity *Identity, opts ...Option) *Client {
	c := &Client{
		url:      url,
		identity: identity,
		clientID: clientID,
		mode:     "agent",
		role:     "node",
		dialer:   websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Conn is an authenticated upstream connection: the handshake has already
// completed and Send/Recv exchange ordinary EventFrames.
type Conn struct {
	ws       *websocket.Conn
	stopPing func()
}

// Connect dials the gateway and blocks until the signed-challenge handshake
// either succeeds or fails. Callers that require the upstream link at boot
// (per the non-goal that this is the system's only outbound trust boundary)
// should treat a non-nil error here as fatal.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	ws, _, err := c.dialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: dial: %w", err)
	}

	if err := c.handshake(dialCtx, ws); err != nil {
		ws.Close()
		return nil, err
	}

	conn := &Conn{ws: ws}
	conn.stopPing = conn.startLiveness()
	return conn, nil
}

func (c *Client) handshake(ctx context.Context, ws *websocket.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		ws.SetReadDeadline(deadline)
	}

	var challenge protocol.EventFrame
	if err := ws.ReadJSON(&challenge); err != nil {
		return fmt.Errorf("upstream: read challenge: %w", err)
	}
	if !isChallengeFrame(&challenge) {
		return fmt.Errorf("upstream: expected %s frame, got %q", protocol.EventConnectChallenge, challenge.Type)
	}
	var data challengeData
	if err := remarshal(challenge.Data, &data); err != nil {
		return fmt.Errorf("upstream: decode challenge: %w", err)
	}
	if data.Nonce == "" {
		return fmt.Errorf("upstream: challenge carried no nonce")
	}

	token := c.sign(data.Nonce, time.Now().Unix())
	if err := ws.WriteJSON(authFrame(token)); err != nil {
		return fmt.Errorf("upstream: send signed token: %w", err)
	}

	var reply protocol.EventFrame
	if err := ws.ReadJSON(&reply); err != nil {
		return fmt.Errorf("upstream: read handshake result: %w", err)
	}
	if !isPairResultFrame(&reply) {
		return fmt.Errorf("upstream: expected %s frame, got %q", protocol.EventDevicePairRes, reply.Type)
	}
	var result pairResult
	if err := remarshal(reply.Data, &result); err != nil {
		return fmt.Errorf("upstream: decode handshake result: %w", err)
	}
	if !result.OK {
		return fmtTokenError(result)
	}

	ws.SetReadDeadline(time.Time{})
	return nil
}

// remarshal round-trips v (already decoded once into an interface{} by
// encoding/json) into dst, since protocol.EventFrame.Data is typed
// interface{} and arrives as a map[string]interface{}.
func remarshal(v interface{}, dst interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// Send writes an EventFrame to the gateway.
func (conn *Conn) Send(ev *protocol.EventFrame) error {
	return conn.ws.WriteJSON(ev)
}

// Recv blocks for the next EventFrame from the gateway.
func (conn *Conn) Recv() (*protocol.EventFrame, error) {
	var ev protocol.EventFrame
	if err := conn.ws.ReadJSON(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Close tears down the connection and its liveness goroutine.
func (conn *Conn) Close() error {
	if conn.stopPing != nil {
		conn.stopPing()
	}
	return conn.ws.Close()
}

func (conn *Conn) startLiveness() func() {
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))

	done := make(chan struct{})
	ticker := time.NewTicker(pingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// Run maintains a connection to the gateway for as long as ctx is live,
// handing every received event to onEvent and reconnecting with exponential
// backoff (mirroring the MCP tool tier's reconnect loop) whenever the link
// drops after the initial handshake. The first connection attempt's error,
// if any, is returned immediately without retrying — callers at boot should
// treat that as fatal; drops after that are transient and retried here.
func (c *Client) Run(ctx context.Context, onEvent func(*protocol.EventFrame)) error {
	conn, err := c.Connect(ctx)
	if err != nil {
		return err
	}

	backoff := reconnectInitialBackoff
	for {
		if err := c.drain(ctx, conn, onEvent); err != nil {
			slog.Warn("upstream: connection lost", "error", err)
		}
		conn.Close()

		if ctx.Err() != nil {
			return nil
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}

			conn, err = c.Connect(ctx)
			if err == nil {
				backoff = reconnectInitialBackoff
				break
			}
			slog.Warn("upstream: reconnect failed", "error", err)
			backoff *= 2
			if backoff > reconnectMaxBackoff {
				backoff = reconnectMaxBackoff
			}
		}
	}
}

func (c *Client) drain(ctx context.Context, conn *Conn, onEvent func(*protocol.EventFrame)) error {
	for {
		ev, err := conn.Recv()
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		onEvent(ev)
	}
}
