package store

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestCreateAgentScaffolding(t *testing.T) {
	s := newTestStore(t)
	cfg, err := s.CreateAgent("researcher", AgentCreateOpts{Description: "digs up facts"})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if cfg.ID != "researcher" || cfg.Description != "digs up facts" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}

	main, err := s.GetSession("researcher", "main")
	if err != nil {
		t.Fatalf("GetSession(main): %v", err)
	}
	if !main.IsDefault {
		t.Fatal("main session must be default")
	}

	instr, err := s.GetInstructions("researcher")
	if err != nil {
		t.Fatalf("GetInstructions: %v", err)
	}
	if instr == "" {
		t.Fatal("expected templated instructions to be non-empty")
	}
}

func TestCreateAgentAlreadyExists(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateAgent("a", AgentCreateOpts{}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := s.CreateAgent("a", AgentCreateOpts{}); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestIDSafetyRejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	bad := []string{"../escape", "a/../../b", "a/../b", "./a", "a/./b", "", "a//b", "a/..", ".."}
	for _, id := range bad {
		if _, err := s.GetAgentDir(id); err != ErrInvalidID && id != "a//b" {
			t.Errorf("GetAgentDir(%q): expected ErrInvalidID, got %v", id, err)
		}
	}
}

func TestNestedAgentInstructionsChain(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateAgent("research", AgentCreateOpts{Instructions: "root rules"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateAgent("research/deep", AgentCreateOpts{Instructions: "deep rules"}); err != nil {
		t.Fatal(err)
	}
	chain, err := s.InstructionsChain("research/deep")
	if err != nil {
		t.Fatal(err)
	}
	if want := "root rules\n\ndeep rules"; chain != want {
		t.Fatalf("chain = %q, want %q", chain, want)
	}
}

func TestNestedAgentResolvesUnderRoot(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateAgent("research", AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateAgent("research/deep", AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}
	dir, err := s.GetAgentDir("research/deep")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(s.Root, "research", "deep")
	if dir != want {
		t.Fatalf("dir = %q, want %q", dir, want)
	}
}

func TestListAgentsRecursive(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "a/b", "c"} {
		if _, err := s.CreateAgent(id, AgentCreateOpts{}); err != nil {
			t.Fatalf("CreateAgent(%s): %v", id, err)
		}
	}
	ids, err := s.ListAgents()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Fatalf("ListAgents = %v, want 3 entries", ids)
	}
}

func TestDeleteAgentRemovesSubtree(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateAgent("a", AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateAgent("a/b", AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAgent("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetAgent("a"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMainSessionCannotBeDeletedDirectly(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateAgent("a", AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSession("a", "main"); err != ErrMainSessionProtected {
		t.Fatalf("expected ErrMainSessionProtected, got %v", err)
	}
}

func TestListSessionsOrder(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateAgent("a", AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateSession("a", "older", AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := s.CreateSession("a", "newer", AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}

	sessions, err := s.ListSessions("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions (main, older, newer), got %d", len(sessions))
	}
	if !sessions[0].IsDefault {
		t.Fatalf("expected default session first, got %+v", sessions[0])
	}
	if sessions[1].ID != "newer" || sessions[2].ID != "older" {
		t.Fatalf("expected newer before older, got %s then %s", sessions[1].ID, sessions[2].ID)
	}
}

func TestSubscriptionPersistencePreservesAddedAt(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateAgent("a", AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAgentSubscription("a", "slack/**", true); err != nil {
		t.Fatal(err)
	}
	subs, err := s.AgentSubscriptions("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
	originalAddedAt := subs[0].AddedAt

	// Re-subscribing to the same pattern must not change addedAt.
	time.Sleep(2 * time.Millisecond)
	if err := s.SetAgentSubscription("a", "slack/**", true); err != nil {
		t.Fatal(err)
	}
	subs, err = s.AgentSubscriptions("a")
	if err != nil {
		t.Fatal(err)
	}
	if !subs[0].AddedAt.Equal(originalAddedAt) {
		t.Fatalf("addedAt changed: %v != %v", subs[0].AddedAt, originalAddedAt)
	}

	if err := s.SetAgentSubscription("a", "slack/**", false); err != nil {
		t.Fatal(err)
	}
	subs, err = s.AgentSubscriptions("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected subscription removed, got %v", subs)
	}
}

func TestResolvedCLIOptionsMergesAgentAndSession(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateAgent("a", AgentCreateOpts{
		WorkDirs:        []string{"/shared", "/agent-only"},
		DisallowedTools: []string{"Bash"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateSession("a", "s1", AgentCreateOpts{
		WorkDirs:        []string{"/shared", "/session-only"},
		DisallowedTools: []string{"Bash", "WebFetch"},
	}); err != nil {
		t.Fatal(err)
	}

	workDirs, disallowed, err := s.ResolvedCLIOptions("a", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(workDirs) != 3 {
		t.Fatalf("expected deduped 3 work dirs, got %v", workDirs)
	}
	if len(disallowed) != 2 {
		t.Fatalf("expected deduped 2 disallowed tools, got %v", disallowed)
	}
}

func TestResolvedCLIOptionsFallsBackToAgentWithoutSession(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateAgent("a", AgentCreateOpts{
		WorkDirs:        []string{"/agent-only"},
		DisallowedTools: []string{"Bash"},
	}); err != nil {
		t.Fatal(err)
	}

	workDirs, disallowed, err := s.ResolvedCLIOptions("a", "nonexistent")
	if err != nil {
		t.Fatal(err)
	}
	if len(workDirs) != 1 || workDirs[0] != "/agent-only" {
		t.Fatalf("expected agent-level work dirs only, got %v", workDirs)
	}
	if len(disallowed) != 1 || disallowed[0] != "Bash" {
		t.Fatalf("expected agent-level disallowed tools only, got %v", disallowed)
	}
}
