package upstream

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/jeebsjenkins/agentcore/pkg/protocol"
)

// challengeData is the payload of the protocol.EventConnectChallenge frame
// the upstream gateway sends immediately after the WebSocket upgrade.
type challengeData struct {
	Nonce string `json:"nonce"`
}

// signedToken is the reply carried on a protocol.EventDevicePairReq frame —
// a structured, EdDSA-signed credential rather than a bearer secret. The
// field order here is also the order canonicalized for signing.
type signedToken struct {
	DeviceID  string   `json:"deviceId"`
	ClientID  string   `json:"clientId"`
	Mode      string   `json:"mode"`
	Role      string   `json:"role"`
	Scopes    []string `json:"scopes"`
	SignedAt  int64    `json:"signedAt"`
	Token     string   `json:"token"`
	Nonce     string   `json:"nonce"`
	Signature string   `json:"signature"`
	PublicKey string   `json:"publicKey"`
}

// pairResult is the payload of the protocol.EventDevicePairRes frame the
// gateway replies with once it has verified the signed token.
type pairResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// canonicalize produces the exact byte sequence signed and verified for a
// signedToken, excluding Signature and PublicKey themselves. Newline-joined
// rather than JSON-marshaled so signer and verifier never disagree over key
// ordering or whitespace.
func canonicalize(deviceID, clientID, mode, role string, scopes []string, signedAt int64, token, nonce string) []byte {
	fields := []string{
		deviceID,
		clientID,
		mode,
		role,
		strings.Join(scopes, ","),
		strconv.FormatInt(signedAt, 10),
		token,
		nonce,
	}
	return []byte(strings.Join(fields, "\n"))
}

func (c *Client) sign(nonce string, signedAt int64) signedToken {
	msg := canonicalize(c.identity.DeviceID, c.clientID, c.mode, c.role, c.scopes, signedAt, c.registrationToken, nonce)
	sig := ed25519.Sign(c.identity.PrivateKey, msg)
	return signedToken{
		DeviceID:  c.identity.DeviceID,
		ClientID:  c.clientID,
		Mode:      c.mode,
		Role:      c.role,
		Scopes:    c.scopes,
		SignedAt:  signedAt,
		Token:     c.registrationToken,
		Nonce:     nonce,
		Signature: base64.StdEncoding.EncodeToString(sig),
		PublicKey: base64.StdEncoding.EncodeToString(c.identity.PublicKey),
	}
}

func authFrame(token signedToken) *protocol.EventFrame {
	return protocol.NewEvent(protocol.EventDevicePairReq, token)
}

func isChallengeFrame(f *protocol.EventFrame) bool {
	return f.Type == protocol.EventConnectChallenge
}

func isPairResultFrame(f *protocol.EventFrame) bool {
	return f.Type == protocol.EventDevicePairRes
}

func fmtTokenError(r pairResult) error {
	if r.Error != "" {
		return fmt.Errorf("upstream: handshake rejected: %s", r.Error)
	}
	return fmt.Errorf("upstream: handshake rejected")
}
