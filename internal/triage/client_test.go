package triage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T, text string) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"content": []map[string]string{{"type": "text", "text": text}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	c := New("test-key", WithBaseURL(srv.URL))
	return c, srv.Close
}

func TestTriageAcceptsYES(t *testing.T) {
	c, closeFn := newTestServer(t, "YES\nlooks actionable")
	defer closeFn()

	d, err := c.Triage(context.Background(), "a researcher bot", "3 new slack messages")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Accept {
		t.Fatalf("expected accept, got %+v", d)
	}
	if d.Reason != "looks actionable" {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestTriageRejectsNO(t *testing.T) {
	c, closeFn := newTestServer(t, "NO\nnothing to do")
	defer closeFn()

	d, err := c.Triage(context.Background(), "a researcher bot", "heartbeat, no activity")
	if err != nil {
		t.Fatal(err)
	}
	if d.Accept {
		t.Fatalf("expected reject, got %+v", d)
	}
}

func TestTitleFallsBackOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := New("test-key", WithBaseURL(srv.URL))

	prompt := strings.Repeat("x", 150)
	title := c.Title(context.Background(), prompt)
	if len(title) != 100 {
		t.Fatalf("expected fallback truncation to 100 chars, got %d", len(title))
	}
}
