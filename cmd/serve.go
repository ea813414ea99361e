package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeebsjenkins/agentcore/internal/broker"
	"github.com/jeebsjenkins/agentcore/internal/control"
	"github.com/jeebsjenkins/agentcore/internal/mcp"
	"github.com/jeebsjenkins/agentcore/internal/observability"
	"github.com/jeebsjenkins/agentcore/internal/serverconfig"
	"github.com/jeebsjenkins/agentcore/internal/services"
	"github.com/jeebsjenkins/agentcore/internal/store"
	"github.com/jeebsjenkins/agentcore/internal/tools"
	"github.com/jeebsjenkins/agentcore/internal/triage"
	"github.com/jeebsjenkins/agentcore/internal/turns"
	"github.com/jeebsjenkins/agentcore/internal/upstream"
	"github.com/jeebsjenkins/agentcore/pkg/protocol"
)

var serveRoot string

func serveCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Start the coordination core (broker, turn manager, control surface)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
	c.Flags().StringVar(&serveRoot, "root", ".", "project root directory")
	return c
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	root := serveRoot
	if root == "" {
		root = "."
	}

	cfg, err := serverconfig.Load(resolveConfigPath(root), root)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	st, err := store.New(cfg.ProjectRoot)
	if err != nil {
		slog.Error("failed to open agent store", "error", err)
		os.Exit(1)
	}

	br, err := broker.New(st, cfg.ProjectRoot)
	if err != nil {
		slog.Error("failed to open message broker", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := observability.New(ctx, cfg.Tracing.Enabled, cfg.Tracing.ServiceName)
	if err != nil {
		slog.Warn("tracing disabled: failed to initialize", "error", err)
	}
	defer tracer.Shutdown(context.Background())

	var triageClient *triage.Client
	if cfg.Triage.APIKey != "" {
		var opts []triage.Option
		if cfg.Triage.BaseURL != "" {
			opts = append(opts, triage.WithBaseURL(cfg.Triage.BaseURL))
		}
		if cfg.Triage.Model != "" {
			opts = append(opts, triage.WithModel(cfg.Triage.Model))
		}
		triageClient = triage.New(cfg.Triage.APIKey, opts...)
	}

	var turnMgr *turns.Manager
	if triageClient != nil {
		turnMgr = turns.New(st, br, triageClient, nil, nil)
	} else {
		turnMgr = turns.New(st, br, nil, nil, nil)
	}
	turnMgr.SetTracer(tracer)

	toolsReg := tools.NewRegistry(st)
	turnMgr.SetToolLister(turnToolListerAdapter{toolsReg})

	mcpMgr := mcp.NewManager()
	toolsReg.SetMCPProvider(mcpMgr)

	svcCtors := map[string]services.Constructor{}
	supervisor := services.New(cfg.ProjectRoot, svcCtors)
	toolsReg.SetServiceHandle(supervisor)

	var titler control.Titler
	if triageClient != nil {
		titler = triageClient
	}

	ctrl := control.NewServer(control.Options{
		Addr:           cfg.Control.Addr,
		Token:          cfg.Control.Token,
		AllowedOrigins: cfg.Control.AllowedOrigins,
		RateLimitRPM:   cfg.Control.RateLimitRPM,
		Root:           cfg.ProjectRoot,
		Tracer:         tracer,
		Stats:          turnStatsAdapter{turnMgr},
	}, st, br, toolsReg, titler, nil)

	supervisor.StartAll(ctx)
	if err := toolsReg.Watch(ctx); err != nil {
		slog.Warn("tool registry hot-reload watcher failed to start", "error", err)
	}
	if err := supervisor.Watch(ctx); err != nil {
		slog.Warn("service supervisor hot-reload watcher failed to start", "error", err)
	}

	if err := turnMgr.StartHeartbeats(ctx); err != nil {
		slog.Warn("heartbeat scheduler failed to start", "error", err)
	}

	if cfg.Upstream.Enabled {
		go runUpstream(ctx, cfg)
	}

	slog.Info("agentcored starting", "addr", cfg.Control.Addr, "root", cfg.ProjectRoot)

	go func() {
		if err := ctrl.Start(ctx); err != nil {
			slog.Error("control surface exited", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	turnMgr.StopHeartbeats()
	supervisor.StopAll()
	mcpMgr.Stop()
}

// turnStatsAdapter satisfies control.StatsProvider over *turns.Manager
// without widening the turn manager's own Stats() (*turns.Stats) method.
type turnStatsAdapter struct{ m *turns.Manager }

func (a turnStatsAdapter) Stats() map[string]int64 {
	s := a.m.Stats()
	return map[string]int64{
		"triageCount":     s.TriageCount,
		"triageAccepted":  s.TriageAccepted,
		"triageRejected":  s.TriageRejected,
		"triageErrors":    s.TriageErrors,
		"executionCount":  s.ExecutionCount,
		"executionErrors": s.ExecutionErrors,
	}
}

// turnToolListerAdapter satisfies turns.ToolLister over *tools.Registry,
// converting control.ToolInfo to turns.ToolInfo so the turns package never
// needs to import control.
type turnToolListerAdapter struct{ r *tools.Registry }

func (a turnToolListerAdapter) ListAgentTools(agentID string) ([]turns.ToolInfo, error) {
	list, err := a.r.ListAgentTools(agentID)
	if err != nil {
		return nil, err
	}
	out := make([]turns.ToolInfo, len(list))
	for i, t := range list {
		out[i] = turns.ToolInfo{Name: t.Name, Description: t.Description}
	}
	return out, nil
}

func runUpstream(ctx context.Context, cfg *serverconfig.Config) {
	identity, err := upstream.LoadOrCreateIdentity(cfg.ProjectRoot)
	if err != nil {
		slog.Error("upstream identity load failed", "error", err)
		return
	}
	opts := []upstream.Option{}
	if cfg.Upstream.Mode != "" {
		opts = append(opts, upstream.WithMode(cfg.Upstream.Mode))
	}
	if cfg.Upstream.Role != "" {
		opts = append(opts, upstream.WithRole(cfg.Upstream.Role))
	}
	if len(cfg.Upstream.Scopes) > 0 {
		opts = append(opts, upstream.WithScopes(cfg.Upstream.Scopes))
	}
	if cfg.Upstream.Token != "" {
		opts = append(opts, upstream.WithToken(cfg.Upstream.Token))
	}
	client := upstream.NewClient(cfg.Upstream.URL, cfg.Upstream.ClientID, identity, opts...)
	if _, err := client.Connect(ctx); err != nil {
		slog.Error("upstream gateway handshake failed at boot", "error", err)
		os.Exit(1)
	}
	if err := client.Run(ctx, func(ev *protocol.EventFrame) {}); err != nil && ctx.Err() == nil {
		slog.Error("upstream gateway connection lost", "error", err)
	}
}
