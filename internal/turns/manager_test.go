package turns

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeebsjenkins/agentcore/internal/broker"
	"github.com/jeebsjenkins/agentcore/internal/llmcli"
	"github.com/jeebsjenkins/agentcore/internal/store"
)

func newTestManager(t *testing.T, run Runner, query QueryRunner) (*Manager, *store.Store, *broker.Broker) {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b, err := broker.New(s, s.Root)
	if err != nil {
		t.Fatal(err)
	}
	m := New(s, b, nil, run, query)
	return m, s, b
}

func TestDebounceBatchesRapidRoutes(t *testing.T) {
	var runCalls int32
	var lastPrompt string
	var mu sync.Mutex

	run := func(ctx context.Context, opts llmcli.Options, onEvent llmcli.OnEvent) (llmcli.RunResult, error) {
		atomic.AddInt32(&runCalls, 1)
		mu.Lock()
		lastPrompt = opts.Prompt
		mu.Unlock()
		return llmcli.RunResult{}, nil
	}
	var queryCalls int32
	query := func(ctx context.Context, opts llmcli.Options) (string, error) {
		atomic.AddInt32(&queryCalls, 1)
		return "YES", nil
	}

	m, s, b := newTestManager(t, run, query)
	if _, err := s.CreateAgent("researcher", store.AgentCreateOpts{
		Subscriptions: []string{"slack/**"},
		AutoRun:       &store.AutoRun{Enabled: true, DebounceMs: 50},
	}); err != nil {
		t.Fatal(err)
	}

	for _, cmd := range []string{"m1", "m2", "m3"} {
		if _, err := b.Broadcast("sys", "slack/team/#g", cmd, nil, broker.SourceSlack); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&runCalls) == 1 })

	if atomic.LoadInt32(&queryCalls) != 1 {
		t.Fatalf("expected exactly 1 triage call, got %d", queryCalls)
	}
	mu.Lock()
	prompt := lastPrompt
	mu.Unlock()
	for _, cmd := range []string{"m1", "m2", "m3"} {
		if !strings.Contains(prompt, cmd) {
			t.Errorf("execution prompt missing command %q: %q", cmd, prompt)
		}
	}
	_ = m
}

func TestTriageRejectionSkipsExecution(t *testing.T) {
	var runCalls int32
	run := func(ctx context.Context, opts llmcli.Options, onEvent llmcli.OnEvent) (llmcli.RunResult, error) {
		atomic.AddInt32(&runCalls, 1)
		return llmcli.RunResult{}, nil
	}
	query := func(ctx context.Context, opts llmcli.Options) (string, error) {
		return "NO - nothing actionable", nil
	}

	m, s, b := newTestManager(t, run, query)
	if _, err := s.CreateAgent("a", store.AgentCreateOpts{
		Subscriptions: []string{"slack/**"},
		AutoRun:       &store.AutoRun{Enabled: true, DebounceMs: 30},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Broadcast("sys", "slack/x", "ping", nil, broker.SourceSlack); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	if atomic.LoadInt32(&runCalls) != 0 {
		t.Fatalf("expected zero execution calls after NO triage, got %d", runCalls)
	}
	stats := m.Stats()
	if stats.TriageRejected != 1 {
		t.Fatalf("expected triageRejected=1, got %d", stats.TriageRejected)
	}
}

func TestSerializationCoalescesArrivalsDuringActiveTurn(t *testing.T) {
	var runCalls int32
	release := make(chan struct{})
	started := make(chan struct{}, 4)

	run := func(ctx context.Context, opts llmcli.Options, onEvent llmcli.OnEvent) (llmcli.RunResult, error) {
		n := atomic.AddInt32(&runCalls, 1)
		started <- struct{}{}
		if n == 1 {
			<-release // block the first turn open so we can route more messages mid-flight
		}
		return llmcli.RunResult{}, nil
	}
	query := func(ctx context.Context, opts llmcli.Options) (string, error) { return "YES", nil }

	m, s, b := newTestManager(t, run, query)
	if _, err := s.CreateAgent("a", store.AgentCreateOpts{
		Subscriptions: []string{"slack/**"},
		AutoRun:       &store.AutoRun{Enabled: true, DebounceMs: 10},
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Broadcast("sys", "slack/x", "first", nil, broker.SourceSlack); err != nil {
		t.Fatal(err)
	}
	<-started // first turn is now active and blocked on release

	for _, cmd := range []string{"second", "third"} {
		if _, err := b.Broadcast("sys", "slack/x", cmd, nil, broker.SourceSlack); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(100 * time.Millisecond) // these arrive while the turn is active

	if atomic.LoadInt32(&runCalls) != 1 {
		t.Fatalf("expected still only 1 execution in flight, got %d", runCalls)
	}
	close(release)

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&runCalls) == 2 })
	_ = m
}

func TestExecutionRecordsUsageOnSession(t *testing.T) {
	run := func(ctx context.Context, opts llmcli.Options, onEvent llmcli.OnEvent) (llmcli.RunResult, error) {
		return llmcli.RunResult{PromptTokens: 512, CompletionTokens: 64}, nil
	}
	query := func(ctx context.Context, opts llmcli.Options) (string, error) { return "YES", nil }

	m, s, b := newTestManager(t, run, query)
	if _, err := s.CreateAgent("a", store.AgentCreateOpts{
		DefaultModel:  "claude-sonnet",
		Subscriptions: []string{"slack/**"},
		AutoRun:       &store.AutoRun{Enabled: true, DebounceMs: 10},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSession("a", "main"); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Broadcast("sys", "slack/x", "ping", nil, broker.SourceSlack); err != nil {
		t.Fatal(err)
	}

	var meta *store.SessionMeta
	waitFor(t, 2*time.Second, func() bool {
		var err error
		meta, err = s.GetSession("a", "main")
		return err == nil && meta.LastPromptTokens != 0
	})
	if meta.Model != "claude-sonnet" || meta.Provider != "claude-cli" {
		t.Fatalf("expected model/provider recorded, got %+v", meta)
	}
	if meta.LastPromptTokens != 512 {
		t.Fatalf("expected lastPromptTokens=512, got %d", meta.LastPromptTokens)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
