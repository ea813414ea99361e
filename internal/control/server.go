package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jeebsjenkins/agentcore/internal/broker"
	"github.com/jeebsjenkins/agentcore/internal/llmcli"
	"github.com/jeebsjenkins/agentcore/internal/observability"
	"github.com/jeebsjenkins/agentcore/pkg/protocol"
)

// Options configures a Server.
type Options struct {
	Addr           string
	Token          string
	AllowedOrigins []string
	RateLimitRPM   int
	Root           string // project root, for the ask-user index file
	Tracer         *observability.Tracer
	Stats          StatsProvider // optional; when nil, `status` replies with null counters
}

// Server is the control surface: a token-authenticated WebSocket endpoint
// exposing agent/session/message/tool operations.
type Server struct {
	opts Options

	store  ConfigStore
	broker MessageBroker
	tools  ToolExecutor
	titler Titler
	run    Runner

	token       string
	rateLimiter *clientRateLimiter
	upgrader    websocket.Upgrader
	askUser     *askUserBroker

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	tracer     *observability.Tracer
	stats      StatsProvider
}

// NewServer builds a Server. tools and titler may be nil (tool/title
// features degrade gracefully: tool calls return an error, title generation
// is skipped in favor of the prompt-prefix fallback).
func NewServer(opts Options, cs ConfigStore, br MessageBroker, tools ToolExecutor, titler Titler, run Runner) *Server {
	if run == nil {
		run = llmcli.Run
	}
	s := &Server{
		opts:        opts,
		store:       cs,
		broker:      br,
		tools:       tools,
		titler:      titler,
		run:         run,
		token:       opts.Token,
		rateLimiter: newClientRateLimiter(opts.RateLimitRPM, 5),
		clients:     make(map[string]*Client),
		tracer:      opts.Tracer,
		stats:       opts.Stats,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.askUser = newAskUserBroker(opts.Root, cs.GetSessionDir, s.broadcastAskUser)
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range s.opts.AllowedOrigins {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("control: origin rejected", "origin", origin)
	return false
}

// Start listens on opts.Addr until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{Addr: s.opts.Addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("control surface starting", "addr", s.opts.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("control: listen: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("control: upgrade failed", "error", err)
		return
	}
	client := newClient(uuid.NewString(), conn, s)
	s.register(client)
	defer func() {
		s.unregister(client)
		client.abortAll()
		conn.Close()
	}()
	client.Run(r.Context())
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	s.rateLimiter.forget(c.id)
}

// broadcastToAuthenticated pushes ev to every authenticated client.
func (s *Server) broadcastToAuthenticated(ev protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.isAuthenticated() {
			c.SendEvent(ev)
		}
	}
}

func (s *Server) broadcastAskUser(q *question) {
	s.broadcastToAuthenticated(*protocol.NewEvent(protocol.TypeAskUser, map[string]interface{}{
		"questionId": q.ID,
		"agentId":    q.AgentID,
		"sessionId":  q.SessionID,
		"question":   q.Question,
		"options":    q.Options,
		"context":    q.Context,
	}))
}

// routeSourceControl marks messages originated via msg.* RPCs.
const routeSourceControl = broker.SourceInternal
