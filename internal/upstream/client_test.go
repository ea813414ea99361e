package upstream

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeebsjenkins/agentcore/pkg/protocol"
)

var upgrader = websocket.Upgrader{}

// stubGateway is a minimal upstream counterpart for handshake tests: it
// sends a challenge with a fixed nonce, verifies the signed reply, and
// answers ok or rejects per verify.
func stubGateway(t *testing.T, nonce string, verify func(signedToken) bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(protocol.NewEvent(protocol.EventConnectChallenge, challengeData{Nonce: nonce})); err != nil {
			return
		}

		var frame protocol.EventFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		var token signedToken
		if err := remarshal(frame.Data, &token); err != nil {
			return
		}

		ok := verify(token)
		conn.WriteJSON(protocol.NewEvent(protocol.EventDevicePairRes, pairResult{OK: ok, Error: errIf(!ok, "signature mismatch")}))

		if !ok {
			return
		}
		// Keep the connection open briefly so liveness ping/Run tests can exercise it.
		conn.SetReadDeadline(time.Now().Add(time.Second))
		conn.ReadMessage()
	}))
}

func errIf(cond bool, msg string) string {
	if cond {
		return msg
	}
	return ""
}

func verifySignature(token signedToken) bool {
	pub, err := base64.StdEncoding.DecodeString(token.PublicKey)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(token.Signature)
	if err != nil {
		return false
	}
	msg := canonicalize(token.DeviceID, token.ClientID, token.Mode, token.Role, token.Scopes, token.SignedAt, token.Token, token.Nonce)
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
}

func TestConnectCompletesSignedHandshake(t *testing.T) {
	identity, err := LoadOrCreateIdentity(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	ts := stubGateway(t, "nonce-123", verifySignature)
	defer ts.Close()

	c := NewClient(wsURL(ts), "client-1", identity, WithRole("node"), WithScopes([]string{"chat:deliver"}))
	conn, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("expected handshake to succeed, got %v", err)
	}
	defer conn.Close()
}

func TestConnectRejectsBadSignature(t *testing.T) {
	identity, err := LoadOrCreateIdentity(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	// Always reject, simulating a gateway that can't verify the signature
	// (e.g. a device ID reused with a different keypair).
	ts := stubGateway(t, "nonce-456", func(signedToken) bool { return false })
	defer ts.Close()

	c := NewClient(wsURL(ts), "client-1", identity)
	if _, err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected handshake rejection to surface as an error")
	}
}

func TestSignIncludesDeclaredFields(t *testing.T) {
	identity, err := LoadOrCreateIdentity(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c := NewClient("ws://unused", "client-9", identity, WithMode("operator"), WithRole("admin"), WithScopes([]string{"a", "b"}), WithToken("reg-tok"))

	token := c.sign("nonce-xyz", 1700000000)
	if token.DeviceID != identity.DeviceID || token.ClientID != "client-9" || token.Mode != "operator" ||
		token.Role != "admin" || token.Token != "reg-tok" || token.Nonce != "nonce-xyz" {
		t.Fatalf("signed token missing declared fields: %+v", token)
	}
	if !verifySignature(token) {
		t.Fatal("expected self-signed token to verify")
	}
}
