// Package identity manages per-agent keypairs, self-signed certificates, and DIDs.
package identity

import (
	"fmt"
	"time"
)

// DIDPrefix is the method prefix for agent DIDs.
const DIDPrefix = "did:a2a:"

// DIDFor returns the deterministic DID for an agent id.
func DIDFor(agentID string) string {
	return DIDPrefix + agentID
}

// AgentIdentity represents a cryptographic identity.
// The private key and certificate are stored alongside but never leave the process.
type AgentIdentity struct {
	AgentID      string                 `json:"agent_id"`
	DID          string                 `json:"did"`
	PublicKey    string                 `json:"public_key"` // PEM
	Capabilities []string               `json:"capabilities"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	ExpiresAt    time.Time              `json:"expires_at"`
}

// IsValid reports whether the identity has not yet expired.
func (i *AgentIdentity) IsValid(now time.Time) bool {
	if i.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(i.ExpiresAt)
}

// HasCapability reports whether the identity advertises the given capability.
func (i *AgentIdentity) HasCapability(cap string) bool {
	for _, c := range i.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Validate checks the identity's internal invariants.
func (i *AgentIdentity) Validate() error {
	if i.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if i.DID != DIDFor(i.AgentID) {
		return fmt.Errorf("did %q does not match agent_id %q", i.DID, i.AgentID)
	}
	if !i.ExpiresAt.IsZero() && !i.ExpiresAt.After(i.CreatedAt) {
		return fmt.Errorf("expires_at must be after created_at")
	}
	return nil
}
