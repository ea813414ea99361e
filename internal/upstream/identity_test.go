package upstream

import "testing"

func TestLoadOrCreateIdentityPersists(t *testing.T) {
	root := t.TempDir()

	first, err := LoadOrCreateIdentity(root)
	if err != nil {
		t.Fatal(err)
	}
	if first.DeviceID == "" {
		t.Fatal("expected a generated device ID")
	}

	second, err := LoadOrCreateIdentity(root)
	if err != nil {
		t.Fatal(err)
	}
	if second.DeviceID != first.DeviceID {
		t.Fatalf("device ID changed across loads: %q vs %q", first.DeviceID, second.DeviceID)
	}
	if string(second.PrivateKey) != string(first.PrivateKey) {
		t.Fatal("private key changed across loads")
	}
}

func TestLoadOrCreateIdentityDistinctRoots(t *testing.T) {
	a, err := LoadOrCreateIdentity(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b, err := LoadOrCreateIdentity(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if a.DeviceID == b.DeviceID {
		t.Fatal("expected distinct device IDs for distinct roots")
	}
}
