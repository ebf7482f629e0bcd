package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/a2amesh/a2amesh/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	store, err := NewStore(t.TempDir(), log)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestCreateIdentity(t *testing.T) {
	store := newTestStore(t)

	ident, err := store.CreateIdentity("bank", []string{"banking"}, nil, 365)
	if err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}

	if ident.AgentID != "bank" {
		t.Errorf("expected agent_id bank, got %q", ident.AgentID)
	}
	if ident.DID != "did:a2a:bank" {
		t.Errorf("expected did:a2a:bank, got %q", ident.DID)
	}
	if !strings.Contains(ident.PublicKey, "BEGIN PUBLIC KEY") {
		t.Error("expected a PEM public key")
	}
	if !ident.HasCapability("banking") {
		t.Error("expected banking capability")
	}
}

func TestCreateIdentityGeneratesID(t *testing.T) {
	store := newTestStore(t)

	ident, err := store.CreateIdentity("", nil, nil, 30)
	if err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}
	if ident.AgentID == "" {
		t.Fatal("expected a generated agent id")
	}
	if ident.DID != DIDFor(ident.AgentID) {
		t.Errorf("did %q does not match agent id %q", ident.DID, ident.AgentID)
	}
}

func TestLoadIdentityRoundTrip(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	dir := t.TempDir()

	first, err := NewStore(dir, log)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	created, err := first.CreateIdentity("crypto", []string{"crypto_exchange"}, nil, 365)
	if err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}

	// Fresh store over the same directory must load from disk.
	second, err := NewStore(dir, log)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	loaded, err := second.LoadIdentity("crypto")
	if err != nil {
		t.Fatalf("LoadIdentity failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected identity to load from disk")
	}
	if loaded.DID != created.DID || loaded.PublicKey != created.PublicKey {
		t.Error("loaded identity does not match created identity")
	}
}

func TestLoadIdentityMissing(t *testing.T) {
	store := newTestStore(t)

	ident, err := store.LoadIdentity("nobody")
	if err != nil {
		t.Fatalf("missing identity should not be an error, got %v", err)
	}
	if ident != nil {
		t.Error("expected nil for missing identity")
	}
}

func TestLoadIdentityCorrupt(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	dir := t.TempDir()
	store, err := NewStore(dir, log)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "broken_identity.json"), []byte("{not json"), 0600); err != nil {
		t.Fatalf("failed to plant corrupt file: %v", err)
	}

	if _, err := store.LoadIdentity("broken"); err == nil {
		t.Error("expected an error for a corrupt identity document")
	}
}

func TestSignAndVerify(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.CreateIdentity("signer", nil, nil, 30); err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}

	data := []byte("canonical bytes")
	sig, err := store.SignData("signer", data)
	if err != nil {
		t.Fatalf("SignData failed: %v", err)
	}

	if !store.VerifySignature("signer", data, sig) {
		t.Error("signature should verify against the same data")
	}
	if store.VerifySignature("signer", []byte("tampered"), sig) {
		t.Error("signature must not verify against different data")
	}
	if store.VerifySignature("signer", data, "zz-not-hex") {
		t.Error("malformed signature must not verify")
	}
}

func TestSignDataUnknownAgent(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.SignData("ghost", []byte("data")); err == nil {
		t.Error("expected an error signing for an unknown agent")
	}
}

func TestRegisterPublicKey(t *testing.T) {
	remote := newTestStore(t)
	if _, err := remote.CreateIdentity("peer", nil, nil, 30); err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}
	sig, err := remote.SignData("peer", []byte("hello"))
	if err != nil {
		t.Fatalf("SignData failed: %v", err)
	}
	ident, err := remote.LoadIdentity("peer")
	if err != nil || ident == nil {
		t.Fatalf("LoadIdentity failed: %v", err)
	}

	local := newTestStore(t)
	if local.VerifySignature("peer", []byte("hello"), sig) {
		t.Fatal("verification should fail before the key is registered")
	}
	if err := local.RegisterPublicKey("peer", ident.PublicKey); err != nil {
		t.Fatalf("RegisterPublicKey failed: %v", err)
	}
	if !local.VerifySignature("peer", []byte("hello"), sig) {
		t.Error("verification should succeed with the registered key")
	}
}

func TestUpdateCapabilities(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.CreateIdentity("worker", []string{"a"}, nil, 30); err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}

	updated, err := store.UpdateCapabilities("worker", []string{"a", "b"})
	if err != nil {
		t.Fatalf("UpdateCapabilities failed: %v", err)
	}
	if !updated.HasCapability("b") {
		t.Error("expected updated capability set")
	}

	if _, err := store.UpdateCapabilities("ghost", []string{"a"}); err == nil {
		t.Error("expected an error for an unknown agent")
	}
}

func TestLoadOrCreateSecret(t *testing.T) {
	store := newTestStore(t)

	first, err := store.LoadOrCreateSecret()
	if err != nil {
		t.Fatalf("LoadOrCreateSecret failed: %v", err)
	}
	if len(first) != secretKeyBytes {
		t.Errorf("expected %d-byte secret, got %d", secretKeyBytes, len(first))
	}

	second, err := store.LoadOrCreateSecret()
	if err != nil {
		t.Fatalf("LoadOrCreateSecret failed: %v", err)
	}
	if string(first) != string(second) {
		t.Error("secret should be stable across calls")
	}
}
