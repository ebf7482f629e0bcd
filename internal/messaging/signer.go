package messaging

import (
	"fmt"

	"github.com/a2amesh/a2amesh/internal/identity"
	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

// Signer canonicalizes messages and signs or verifies them through the
// identity store.
type Signer struct {
	store *identity.Store
}

// NewSigner creates a signer backed by the identity store.
func NewSigner(store *identity.Store) *Signer {
	return &Signer{store: store}
}

// Sign canonicalizes the message and attaches a hex signature under
// metadata.signature.
func (s *Signer) Sign(msg *v1.Message) error {
	canonical, err := msg.CanonicalBytes()
	if err != nil {
		return fmt.Errorf("failed to canonicalize message: %w", err)
	}
	sig, err := s.store.SignData(msg.SenderID, canonical)
	if err != nil {
		return fmt.Errorf("failed to sign message: %w", err)
	}
	msg.SetSignature(sig)
	return nil
}

// Verify checks the message's in-flight signature against the sender's
// public key. A message without a signature never verifies.
func (s *Signer) Verify(msg *v1.Message) bool {
	sig := msg.Signature()
	if sig == "" {
		return false
	}
	canonical, err := msg.CanonicalBytes()
	if err != nil {
		return false
	}
	return s.store.VerifySignature(msg.SenderID, canonical, sig)
}
