package broker

import (
	"testing"
	"time"

	"github.com/jeebsjenkins/agentcore/internal/store"
)

func newTestBroker(t *testing.T) (*Broker, *store.Store) {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	b, err := New(s, s.Root)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	return b, s
}

func TestRouteExactAgentDelivers(t *testing.T) {
	b, s := newTestBroker(t)
	if _, err := s.CreateAgent("researcher", store.AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}

	res, err := b.Send("slack", "researcher", "ping", nil, SourceSlack)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Delivered || res.Unmatched {
		t.Fatalf("expected delivered, got %+v", res)
	}

	msgs, err := b.Receive("researcher")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Command != "ping" {
		t.Fatalf("unexpected receive: %+v", msgs)
	}

	// Second receive should be empty: already flipped to delivered.
	msgs, err = b.Receive("researcher")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no pending messages on second receive, got %v", msgs)
	}
}

func TestRouteUnmatchedGoesToDeadLetter(t *testing.T) {
	b, s := newTestBroker(t)
	if _, err := s.CreateAgent("a", store.AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}

	res, err := b.Send("x", "nonexistent", "ping", nil, SourceInternal)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Unmatched {
		t.Fatalf("expected unmatched, got %+v", res)
	}

	dead, err := b.GetUnmatched()
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}

	if err := b.ClearUnmatched(); err != nil {
		t.Fatal(err)
	}
	dead, err = b.GetUnmatched()
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 0 {
		t.Fatalf("expected dead-letter sink cleared, got %v", dead)
	}
}

func TestRouteNormalizesPathBeforeStorage(t *testing.T) {
	b, s := newTestBroker(t)
	if _, err := s.CreateAgent("researcher", store.AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}

	res, err := b.Route("slack", RouteInput{Path: "/agent//researcher/", Command: "ping", Source: SourceSlack})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Delivered {
		t.Fatalf("expected delivered, got %+v", res)
	}
	if res.Message.Path != "agent/researcher" {
		t.Fatalf("expected normalized path stored, got %q", res.Message.Path)
	}

	msgs, err := b.Receive("researcher")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Path != "agent/researcher" {
		t.Fatalf("expected persisted copy to carry normalized path, got %+v", msgs)
	}
}

func TestRouteRejectsEmptyPath(t *testing.T) {
	b, _ := newTestBroker(t)
	if _, err := b.Route("slack", RouteInput{Path: "   /// ", Command: "ping", Source: SourceSlack}); err != ErrEmptyPath {
		t.Fatalf("expected ErrEmptyPath, got %v", err)
	}
}

func TestRouteBroadcastExcludesSender(t *testing.T) {
	b, s := newTestBroker(t)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.CreateAgent(id, store.AgentCreateOpts{}); err != nil {
			t.Fatal(err)
		}
	}

	res, err := b.Broadcast("a", "agent/**", "announce", nil, SourceInternal)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.DeliveredTo) != 2 {
		t.Fatalf("expected broadcast to exclude sender, got %v", res.DeliveredTo)
	}
	for _, id := range res.DeliveredTo {
		if id == "a" {
			t.Fatalf("sender must not receive its own broadcast")
		}
	}
}

func TestRouteCustomSubscriptionMarksAgentHandled(t *testing.T) {
	b, s := newTestBroker(t)
	if _, err := s.CreateAgent("watcher", store.AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := b.Subscribe("watcher", "alerts/**"); err != nil {
		t.Fatal(err)
	}
	if err := b.SubscribeSession("watcher", "main", "alerts/**"); err != nil {
		t.Fatal(err)
	}

	res, err := b.Broadcast("ext", "alerts/disk-full", "alert", nil, SourceWebhook)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.DeliveredToSessions) != 1 {
		t.Fatalf("expected one session recipient, got %v", res.DeliveredToSessions)
	}

	agentMsgs, err := b.Receive("watcher")
	if err != nil {
		t.Fatal(err)
	}
	if len(agentMsgs) != 1 || !agentMsgs[0].Handled {
		t.Fatalf("expected agent-level copy marked handled, got %+v", agentMsgs)
	}

	sessMsgs, err := b.ReceiveSession("watcher", "main")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessMsgs) != 1 {
		t.Fatalf("expected session-level copy delivered, got %v", sessMsgs)
	}
}

func TestListenReceivesRealtimeFanout(t *testing.T) {
	b, s := newTestBroker(t)
	if _, err := s.CreateAgent("a", store.AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}

	got := make(chan Message, 1)
	cancel := b.Listen("a", func(m Message) { got <- m })
	defer cancel()

	if _, err := b.Send("x", "a", "ping", nil, SourceInternal); err != nil {
		t.Fatal(err)
	}

	select {
	case m := <-got:
		if m.Command != "ping" {
			t.Fatalf("unexpected fanout message: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for real-time fanout")
	}
}

func TestHistoryRespectsLimit(t *testing.T) {
	b, s := newTestBroker(t)
	if _, err := s.CreateAgent("a", store.AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := b.Send("x", "a", "ping", nil, SourceInternal); err != nil {
			t.Fatal(err)
		}
	}
	hist, err := b.History("a", HistoryOpts{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(hist))
	}
}

func TestOnRouteObserverFiresAfterPersistence(t *testing.T) {
	b, s := newTestBroker(t)
	if _, err := s.CreateAgent("a", store.AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}

	var observed RouteResult
	b.OnRoute(func(r RouteResult) { observed = r })

	if _, err := b.Send("x", "a", "ping", nil, SourceInternal); err != nil {
		t.Fatal(err)
	}
	if !observed.Delivered {
		t.Fatalf("expected onRoute to observe delivered result, got %+v", observed)
	}

	msgs, err := b.Receive("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected durable copy already present when onRoute fired, got %v", msgs)
	}
}
