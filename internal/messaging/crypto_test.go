package messaging

import (
	"bytes"
	"encoding/base64"
	"testing"
	"time"

	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

func TestDeriveSessionKeySymmetric(t *testing.T) {
	ab := DeriveSessionKey("alice", "bob", 100)
	ba := DeriveSessionKey("bob", "alice", 100)

	if !bytes.Equal(ab, ba) {
		t.Error("both peers must derive the same session key")
	}
	if len(ab) != 32 {
		t.Errorf("expected a 32-byte key, got %d", len(ab))
	}
}

func TestDeriveSessionKeyVariesByBucket(t *testing.T) {
	k1 := DeriveSessionKey("alice", "bob", 100)
	k2 := DeriveSessionKey("alice", "bob", 101)

	if bytes.Equal(k1, k2) {
		t.Error("keys must differ across time buckets")
	}
}

func TestSessionTableCaches(t *testing.T) {
	table := NewSessionTable()

	first := table.GetOrCreate("alice", "bob")
	second := table.GetOrCreate("bob", "alice")

	if !bytes.Equal(first, second) {
		t.Error("pair order must not change the cached key")
	}
	if table.Len() != 1 {
		t.Errorf("expected one session, got %d", table.Len())
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc := NewEncryptor(NewSessionTable())
	msg := v1.NewMessage("alice", "bob", v1.MessageTypeRequest, map[string]interface{}{"amount": float64(100)})

	env, err := enc.Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if env.Algorithm != v1.EncryptionAlgorithm {
		t.Errorf("expected %s, got %s", v1.EncryptionAlgorithm, env.Algorithm)
	}
	if env.SenderID != "alice" || env.ReceiverID != "bob" {
		t.Error("envelope ids must mirror the message")
	}

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != gcmIVSize {
		t.Errorf("expected a %d-byte IV", gcmIVSize)
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil || len(tag) != gcmTagSize {
		t.Errorf("expected a %d-byte auth tag", gcmTagSize)
	}

	opened, err := enc.Decrypt(env)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if opened.MessageID != msg.MessageID {
		t.Error("decrypted message does not match original")
	}
	if opened.Payload["amount"] != float64(100) {
		t.Errorf("payload lost: %v", opened.Payload)
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	enc := NewEncryptor(NewSessionTable())
	msg := v1.NewMessage("alice", "bob", v1.MessageTypeRequest, map[string]interface{}{"k": "v"})

	env, err := enc.Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	ciphertext, _ := base64.StdEncoding.DecodeString(env.EncryptedData)
	ciphertext[0] ^= 0xff
	env.EncryptedData = base64.StdEncoding.EncodeToString(ciphertext)

	if _, err := enc.Decrypt(env); err == nil {
		t.Error("tampered ciphertext must not decrypt")
	}
}

func TestDecryptRejectsSwappedIDs(t *testing.T) {
	enc := NewEncryptor(NewSessionTable())
	msg := v1.NewMessage("alice", "bob", v1.MessageTypeRequest, nil)

	env, err := enc.Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// AAD binds the envelope to the id pair ordering.
	env.SenderID, env.ReceiverID = env.ReceiverID, env.SenderID
	if _, err := enc.Decrypt(env); err == nil {
		t.Error("envelope with swapped ids must not decrypt")
	}
}

func TestDecryptAcrossBucketBoundary(t *testing.T) {
	// The sender first contacted the peer in the previous hour bucket
	// and still holds that key.
	previous := CurrentBucket(time.Now()) - 1
	senderTable := NewSessionTable()
	senderTable.Store("alice", "bob", DeriveSessionKey("alice", "bob", previous))
	sender := NewEncryptor(senderTable)

	msg := v1.NewMessage("alice", "bob", v1.MessageTypeRequest, map[string]interface{}{"k": "v"})
	env, err := sender.Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// The receiver has never spoken to alice; its current-bucket key
	// does not match, so Decrypt must fall back to the neighbor bucket.
	receiver := NewEncryptor(NewSessionTable())
	opened, err := receiver.Decrypt(env)
	if err != nil {
		t.Fatalf("Decrypt failed across the bucket boundary: %v", err)
	}
	if opened.MessageID != msg.MessageID {
		t.Error("decrypted message does not match original")
	}

	// The working key is pinned for the pair afterwards.
	second, err := sender.Encrypt(v1.NewMessage("alice", "bob", v1.MessageTypeRequest, nil))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := receiver.Decrypt(second); err != nil {
		t.Fatalf("Decrypt failed after key pinning: %v", err)
	}
}

func TestSessionCandidatesPreferCachedKey(t *testing.T) {
	table := NewSessionTable()
	pinned := DeriveSessionKey("alice", "bob", 42)
	table.Store("alice", "bob", pinned)

	keys := table.Candidates("alice", "bob", time.Now())
	if len(keys) == 0 || !bytes.Equal(keys[0], pinned) {
		t.Error("the cached key must be tried first")
	}
	if len(keys) != 4 {
		t.Errorf("expected cached plus three bucket keys, got %d", len(keys))
	}
}

func TestDecryptRejectsWrongAlgorithm(t *testing.T) {
	enc := NewEncryptor(NewSessionTable())
	msg := v1.NewMessage("alice", "bob", v1.MessageTypeRequest, nil)

	env, err := enc.Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	env.Algorithm = "AES-128-CBC"

	if _, err := enc.Decrypt(env); err == nil {
		t.Error("unsupported algorithm must be rejected")
	}
}
