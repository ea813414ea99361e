package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeebsjenkins/agentcore/internal/broker"
	"github.com/jeebsjenkins/agentcore/internal/llmcli"
	"github.com/jeebsjenkins/agentcore/internal/store"
)

const testToken = "s3cr3t"

func newTestServer(t *testing.T, run Runner) (*Server, *store.Store, *broker.Broker) {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b, err := broker.New(s, s.Root)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(Options{Token: testToken, Root: s.Root}, s, b, nil, nil, run)
	return srv, s, b
}

func dialAndAuth(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "auth", "token": token, "reqId": "1"}); err != nil {
		t.Fatal(err)
	}
	var resp map[string]interface{}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["type"] != "auth.ok" {
		t.Fatalf("expected auth.ok, got %v", resp)
	}
	return conn
}

func TestAuthHandshakeOK(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ts := httptest.NewServer(http.HandlerFunc(srv.handleWebSocket))
	defer ts.Close()

	conn := dialAndAuth(t, ts, testToken)
	defer conn.Close()
}

func TestAuthHandshakeWrongTokenCloses(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ts := httptest.NewServer(http.HandlerFunc(srv.handleWebSocket))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "auth", "token": "wrong", "reqId": "1"}); err != nil {
		t.Fatal(err)
	}
	var resp map[string]interface{}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["type"] != "auth.error" {
		t.Fatalf("expected auth.error, got %v", resp)
	}

	// The server closes the connection after a failed auth attempt.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed after failed auth")
	}
}

func TestUnknownMessageType(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ts := httptest.NewServer(http.HandlerFunc(srv.handleWebSocket))
	defer ts.Close()

	conn := dialAndAuth(t, ts, testToken)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "not.a.thing", "reqId": "2"}); err != nil {
		t.Fatal(err)
	}
	var resp map[string]interface{}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["type"] != "error" {
		t.Fatalf("expected error frame, got %v", resp)
	}
	if !strings.Contains(resp["error"].(string), "Unknown message type") {
		t.Fatalf("unexpected error text: %v", resp["error"])
	}
}

func TestAgentCreateThenList(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ts := httptest.NewServer(http.HandlerFunc(srv.handleWebSocket))
	defer ts.Close()

	conn := dialAndAuth(t, ts, testToken)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]interface{}{"type": "agent.create", "reqId": "2", "id": "researcher"}); err != nil {
		t.Fatal(err)
	}
	var created map[string]interface{}
	if err := conn.ReadJSON(&created); err != nil {
		t.Fatal(err)
	}
	if created["type"] != "agent.create.ok" {
		t.Fatalf("expected agent.create.ok, got %v", created)
	}

	if err := conn.WriteJSON(map[string]interface{}{"type": "agent.list", "reqId": "3"}); err != nil {
		t.Fatal(err)
	}
	var listed map[string]interface{}
	if err := conn.ReadJSON(&listed); err != nil {
		t.Fatal(err)
	}
	if listed["type"] != "agent.list.result" {
		t.Fatalf("expected agent.list.result, got %v", listed)
	}
	agents, _ := listed["agents"].([]interface{})
	if len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %+v", listed["agents"])
	}
}

func TestMsgSendThenReceive(t *testing.T) {
	srv, s, _ := newTestServer(t, nil)
	if _, err := s.CreateAgent("researcher", store.AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(http.HandlerFunc(srv.handleWebSocket))
	defer ts.Close()

	conn := dialAndAuth(t, ts, testToken)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]interface{}{
		"type": "msg.send", "reqId": "2", "from": "slack", "agentId": "researcher", "command": "ping",
	}); err != nil {
		t.Fatal(err)
	}
	var sent map[string]interface{}
	if err := conn.ReadJSON(&sent); err != nil {
		t.Fatal(err)
	}
	if sent["type"] != "msg.route.ok" {
		t.Fatalf("expected msg.route.ok, got %v", sent)
	}
	if delivered, _ := sent["delivered"].(bool); !delivered {
		t.Fatalf("expected delivered=true, got %v", sent)
	}

	if err := conn.WriteJSON(map[string]interface{}{"type": "msg.receive", "reqId": "3", "agentId": "researcher"}); err != nil {
		t.Fatal(err)
	}
	var received map[string]interface{}
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatal(err)
	}
	if received["type"] != "msg.receive.result" {
		t.Fatalf("expected msg.receive.result, got %v", received)
	}
	msgs, _ := received["messages"].([]interface{})
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %+v", received["messages"])
	}
}

func TestSessionStartStreamsAndDone(t *testing.T) {
	run := func(ctx context.Context, opts llmcli.Options, onEvent llmcli.OnEvent) (llmcli.RunResult, error) {
		onEvent(llmcli.Event{Kind: llmcli.EventText, Text: "hello"})
		return llmcli.RunResult{DurationMs: 1}, nil
	}
	srv, s, _ := newTestServer(t, run)
	if _, err := s.CreateAgent("researcher", store.AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(http.HandlerFunc(srv.handleWebSocket))
	defer ts.Close()

	conn := dialAndAuth(t, ts, testToken)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]interface{}{
		"type": "session.start", "reqId": "2", "agentId": "researcher", "id": "main", "prompt": "hi",
	}); err != nil {
		t.Fatal(err)
	}

	var started map[string]interface{}
	if err := conn.ReadJSON(&started); err != nil {
		t.Fatal(err)
	}
	if started["type"] != "session.started" {
		t.Fatalf("expected session.started, got %v", started)
	}

	sawText, sawDone := false, false
	for i := 0; i < 10 && !sawDone; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev map[string]interface{}
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatal(err)
		}
		switch ev["type"] {
		case "session.text":
			sawText = true
		case "session.done":
			sawDone = true
		}
	}
	if !sawText || !sawDone {
		t.Fatalf("expected session.text and session.done, got text=%v done=%v", sawText, sawDone)
	}
}

type fakeStats struct{ counters map[string]int64 }

func (f fakeStats) Stats() map[string]int64 { return f.counters }

func TestStatusReportsStats(t *testing.T) {
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b, err := broker.New(s, s.Root)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(Options{Token: testToken, Root: s.Root, Stats: fakeStats{map[string]int64{"triageCount": 3}}}, s, b, nil, nil, nil)
	ts := httptest.NewServer(http.HandlerFunc(srv.handleWebSocket))
	defer ts.Close()

	conn := dialAndAuth(t, ts, testToken)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]interface{}{"type": "status", "reqId": "2"}); err != nil {
		t.Fatal(err)
	}
	var resp map[string]interface{}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["type"] != "status.result" {
		t.Fatalf("expected status.result, got %v", resp)
	}
	counters, _ := resp["counters"].(map[string]interface{})
	if counters["triageCount"].(float64) != 3 {
		t.Fatalf("expected triageCount=3, got %+v", counters)
	}
}

func TestLogsTailEmptyLogIsEmpty(t *testing.T) {
	srv, s, _ := newTestServer(t, nil)
	if _, err := s.CreateAgent("researcher", store.AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSession("researcher", "main"); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(http.HandlerFunc(srv.handleWebSocket))
	defer ts.Close()

	conn := dialAndAuth(t, ts, testToken)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]interface{}{
		"type": "logs.tail", "reqId": "2", "agentId": "researcher", "sessionId": "main",
	}); err != nil {
		t.Fatal(err)
	}
	var resp map[string]interface{}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["type"] != "logs.tail.result" {
		t.Fatalf("expected logs.tail.result, got %v", resp)
	}
	if resp["lines"] != nil {
		t.Fatalf("expected no lines for a session with no conversation yet, got %v", resp["lines"])
	}
}
