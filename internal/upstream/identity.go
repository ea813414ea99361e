package upstream

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// identityDir is where the signing identity is persisted, relative to the
// project root.
const (
	identityDir  = ".upstream"
	identityFile = "identity.json"
)

// Identity is the EdDSA keypair this node presents to the upstream gateway
// during the connect handshake. It is generated once and persisted; every
// later boot loads the same keypair so the gateway recognizes the device
// across restarts instead of re-pairing it.
type Identity struct {
	DeviceID   string            `json:"deviceId"`
	PublicKey  ed25519.PublicKey `json:"-"`
	PrivateKey ed25519.PrivateKey `json:"-"`
}

// identityDoc is the on-disk encoding of Identity. Keys are base64 rather
// than the raw binary ed25519 exposes, so the file stays a plain JSON
// document an operator can inspect.
type identityDoc struct {
	DeviceID   string `json:"deviceId"`
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// LoadOrCreateIdentity reads <projectRoot>/.upstream/identity.json, creating
// a fresh ed25519 keypair and device ID on first use. The private key never
// leaves this file and is never sent anywhere; only signatures and the
// public key cross the wire.
func LoadOrCreateIdentity(projectRoot string) (*Identity, error) {
	dir := filepath.Join(projectRoot, identityDir)
	path := filepath.Join(dir, identityFile)

	if data, err := os.ReadFile(path); err == nil {
		return decodeIdentity(data)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("upstream: read identity: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("upstream: generate identity: %w", err)
	}
	id := &Identity{DeviceID: newDeviceID(), PublicKey: pub, PrivateKey: priv}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("upstream: create identity dir: %w", err)
	}
	doc := identityDoc{
		DeviceID:   id.DeviceID,
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("upstream: encode identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("upstream: write identity: %w", err)
	}
	return id, nil
}

func decodeIdentity(data []byte) (*Identity, error) {
	var doc identityDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("upstream: parse identity: %w", err)
	}
	pub, err := base64.StdEncoding.DecodeString(doc.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("upstream: decode public key: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(doc.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("upstream: decode private key: %w", err)
	}
	return &Identity{DeviceID: doc.DeviceID, PublicKey: ed25519.PublicKey(pub), PrivateKey: ed25519.PrivateKey(priv)}, nil
}

func newDeviceID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return "dev_" + hex.EncodeToString(b)
}
