package v1

import (
	"encoding/json"
	"time"
)

// AgentStatus is the lifecycle status of a registered agent.
type AgentStatus string

const (
	AgentStatusInitializing AgentStatus = "initializing"
	AgentStatusActive       AgentStatus = "active"
	AgentStatusInactive     AgentStatus = "inactive"
	AgentStatusSuspended    AgentStatus = "suspended"
)

// DefaultRecordTTL is the registry record TTL applied when none is set.
const DefaultRecordTTL = 300

// AgentRecord is a discovery registry entry.
type AgentRecord struct {
	AgentID      string                 `json:"agent_id"`
	AgentDID     string                 `json:"agent_did"`
	Capabilities []string               `json:"capabilities"`
	Endpoints    []string               `json:"endpoints"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	RegisteredAt time.Time              `json:"registered_at"`
	LastSeen     time.Time              `json:"last_seen"`
	Status       AgentStatus            `json:"status"`
	TTL          int                    `json:"ttl"` // seconds
}

// IsExpired reports whether the record's heartbeat TTL has elapsed.
// A record at exactly last_seen + ttl is not yet expired.
func (r *AgentRecord) IsExpired(now time.Time) bool {
	ttl := r.TTL
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	return now.Sub(r.LastSeen) > time.Duration(ttl)*time.Second
}

// HasCapability reports whether the record advertises the given capability.
// Matching is exact; capability strings are opaque.
func (r *AgentRecord) HasCapability(cap string) bool {
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the record.
func (r *AgentRecord) Clone() *AgentRecord {
	out := *r
	out.Capabilities = append([]string(nil), r.Capabilities...)
	out.Endpoints = append([]string(nil), r.Endpoints...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// ToJSON serializes the record.
func (r *AgentRecord) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// AgentRecordFromJSON parses a serialized record.
func AgentRecordFromJSON(data []byte) (*AgentRecord, error) {
	var r AgentRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ServiceQuery filters a discovery lookup.
type ServiceQuery struct {
	AgentID         string      `json:"agent_id,omitempty"`
	Capabilities    []string    `json:"capabilities,omitempty"`
	Status          AgentStatus `json:"status,omitempty"` // defaults to active
	MaxResults      int         `json:"max_results,omitempty"`
	IncludeMetadata bool        `json:"include_metadata,omitempty"`
}

// RegistryStats summarizes the registry contents.
type RegistryStats struct {
	TotalAgents  int                 `json:"total_agents"`
	ActiveAgents int                 `json:"active_agents"`
	Capabilities []string            `json:"capabilities"`
	StatusCounts map[AgentStatus]int `json:"status_counts"`
}
