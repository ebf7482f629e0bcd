// Package messaging builds, signs, encrypts, queues, and routes A2A messages.
package messaging

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

const (
	gcmIVSize  = 12
	gcmTagSize = 16

	// sessionBucketSeconds sizes the time bucket in the session key
	// derivation. Keys are not rotated within a bucket and provide no
	// forward secrecy across sessions.
	sessionBucketSeconds = 3600
)

// DeriveSessionKey is the single place session keys come from, so the
// derivation can be swapped for a real KDF or handshake without touching
// callers. The pair is ordered lexicographically so both peers derive the
// same key.
func DeriveSessionKey(agentA, agentB string, bucket int64) []byte {
	if agentA > agentB {
		agentA, agentB = agentB, agentA
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", agentA, agentB, bucket)))
	return sum[:]
}

// CurrentBucket returns the session time bucket for now.
func CurrentBucket(now time.Time) int64 {
	return now.Unix() / sessionBucketSeconds
}

// SessionTable caches per-pair session keys, created lazily on first
// encrypted send.
type SessionTable struct {
	mu       sync.Mutex
	sessions map[string][]byte
}

// NewSessionTable creates an empty session table.
func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[string][]byte)}
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// GetOrCreate returns the session key for the pair, deriving one if absent.
func (t *SessionTable) GetOrCreate(sender, receiver string) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := pairKey(sender, receiver)
	if existing, ok := t.sessions[key]; ok {
		return existing
	}
	derived := DeriveSessionKey(sender, receiver, CurrentBucket(time.Now()))
	t.sessions[key] = derived
	return derived
}

// Store pins the session key for a pair. Decrypt calls this once it
// learns which bucket's key the peer is actually using.
func (t *SessionTable) Store(sender, receiver string, key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[pairKey(sender, receiver)] = key
}

// Candidates returns the cached key for the pair, if any, followed by
// derivations for the envelope's bucket and its neighbors. A pair whose
// first send and first receive straddle a bucket boundary would
// otherwise cache mismatched keys on the two sides.
func (t *SessionTable) Candidates(sender, receiver string, at time.Time) [][]byte {
	t.mu.Lock()
	cached, ok := t.sessions[pairKey(sender, receiver)]
	t.mu.Unlock()

	bucket := CurrentBucket(at)
	keys := make([][]byte, 0, 4)
	seen := make(map[string]bool)
	if ok {
		keys = append(keys, cached)
		seen[string(cached)] = true
	}
	for _, b := range []int64{bucket, bucket - 1, bucket + 1} {
		key := DeriveSessionKey(sender, receiver, b)
		if !seen[string(key)] {
			keys = append(keys, key)
			seen[string(key)] = true
		}
	}
	return keys
}

// Len returns the number of active sessions.
func (t *SessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Encryptor seals and opens messages with AES-256-GCM.
type Encryptor struct {
	sessions *SessionTable
}

// NewEncryptor creates an encryptor backed by the given session table.
func NewEncryptor(sessions *SessionTable) *Encryptor {
	return &Encryptor{sessions: sessions}
}

// Encrypt seals a message into an envelope under the pair's session key.
// Associated data binds the envelope to the sender and receiver ids.
func (e *Encryptor) Encrypt(msg *v1.Message) (*v1.EncryptedMessage, error) {
	plaintext, err := msg.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}

	key := e.sessions.GetOrCreate(msg.SenderID, msg.ReceiverID)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, gcmIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	aad := []byte(msg.SenderID + ":" + msg.ReceiverID)
	sealed := gcm.Seal(nil, iv, plaintext, aad)

	// Seal appends the 16-byte tag to the ciphertext; the wire format
	// carries them separately.
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return &v1.EncryptedMessage{
		EncryptedData: base64.StdEncoding.EncodeToString(ciphertext),
		IV:            base64.StdEncoding.EncodeToString(iv),
		AuthTag:       base64.StdEncoding.EncodeToString(tag),
		SenderID:      msg.SenderID,
		ReceiverID:    msg.ReceiverID,
		Timestamp:     time.Now().UTC(),
		Algorithm:     v1.EncryptionAlgorithm,
	}, nil
}

// Decrypt opens an envelope. Any tampering or key mismatch yields an error
// and no partial plaintext.
func (e *Encryptor) Decrypt(env *v1.EncryptedMessage) (*v1.Message, error) {
	if env.Algorithm != v1.EncryptionAlgorithm {
		return nil, fmt.Errorf("unsupported algorithm %q", env.Algorithm)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext encoding: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != gcmIVSize {
		return nil, fmt.Errorf("invalid IV")
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil || len(tag) != gcmTagSize {
		return nil, fmt.Errorf("invalid auth tag")
	}

	at := env.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	aad := []byte(env.SenderID + ":" + env.ReceiverID)
	sealed := append(ciphertext, tag...)

	var plaintext []byte
	var lastErr error
	for _, key := range e.sessions.Candidates(env.SenderID, env.ReceiverID, at) {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		plaintext, lastErr = gcm.Open(nil, iv, sealed, aad)
		if lastErr == nil {
			e.sessions.Store(env.SenderID, env.ReceiverID, key)
			break
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("decryption failed: %w", lastErr)
	}

	msg, err := v1.MessageFromJSON(plaintext)
	if err != nil {
		return nil, fmt.Errorf("decrypted payload is not a message: %w", err)
	}
	return msg, nil
}
