package control

import (
	"context"
	"testing"
	"time"

	"github.com/jeebsjenkins/agentcore/internal/store"
)

func newTestAskUser(t *testing.T) (*askUserBroker, *store.Store) {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateAgent("a", store.AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}
	var broadcasts []*question
	a := newAskUserBroker(s.Root, s.GetSessionDir, func(q *question) { broadcasts = append(broadcasts, q) })
	return a, s
}

func TestAskUserRoundTrip(t *testing.T) {
	a, _ := newTestAskUser(t)

	var answer string
	var askErr error
	done := make(chan struct{})
	go func() {
		answer, askErr = a.Ask(context.Background(), "a", "main", "proceed?", []string{"yes", "no"}, nil)
		close(done)
	}()

	// Give the Ask goroutine a moment to register itself before resolving.
	time.Sleep(20 * time.Millisecond)
	a.mu.Lock()
	var qid string
	for id := range a.pending {
		qid = id
	}
	a.mu.Unlock()
	if qid == "" {
		t.Fatal("expected a pending question to be registered")
	}

	if err := a.Respond(qid, "yes"); err != nil {
		t.Fatal(err)
	}
	<-done
	if askErr != nil {
		t.Fatal(askErr)
	}
	if answer != "yes" {
		t.Fatalf("answer = %q", answer)
	}
}

func TestAskUserLateAnswerSalvage(t *testing.T) {
	a, s := newTestAskUser(t)

	// A parent context that expires almost immediately stands in for the
	// 5-minute ask-user timeout so the test doesn't actually wait 5 minutes:
	// context.WithTimeout inside Ask takes the earlier of the two deadlines.
	shortCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := a.Ask(shortCtx, "a", "main", "proceed?", nil, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}

	a.mu.Lock()
	var qid string
	for id, q := range a.index {
		qid = id
		if q.Status != questionTimedOut {
			t.Fatalf("expected question timed_out, got %s", q.Status)
		}
	}
	a.mu.Unlock()

	if err := a.Respond(qid, "yes, go ahead"); err != nil {
		t.Fatal(err)
	}

	a.mu.Lock()
	if a.index[qid].Status != questionAnsweredLate {
		t.Fatalf("expected answered_late, got %s", a.index[qid].Status)
	}
	a.mu.Unlock()

	sessionDir, err := s.GetSessionDir("a", "main")
	if err != nil {
		t.Fatal(err)
	}
	recovered := drainLateAnswers(sessionDir)
	if recovered == "" {
		t.Fatal("expected a recovered ask-user answers block")
	}
	// The file is removed by drainLateAnswers; a second call finds nothing.
	if again := drainLateAnswers(sessionDir); again != "" {
		t.Fatalf("expected late-answers file consumed, got %q", again)
	}
}
