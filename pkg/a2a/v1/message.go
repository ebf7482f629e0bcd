// Package v1 defines the wire types shared by both ends of an A2A exchange.
package v1

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Well-known message types. The type space is open; these are the ones the
// core itself produces or handles.
const (
	MessageTypeRequest           = "request"
	MessageTypeResponse          = "response"
	MessageTypeEvent             = "event"
	MessageTypePing              = "ping"
	MessageTypeDiscoveryRequest  = "discovery_request"
	MessageTypeTaskAssignment    = "task_assignment"
	MessageTypeTaskResponse      = "task_response"
	MessageTypeTaskCancellation  = "task_cancellation"
	MessageTypeWorkflowStatusReq = "workflow_status_request"
	MessageTypeCapabilityUpdate  = "capability_update"
	MessageTypeAgentPresence     = "agent_presence"
)

// MetadataSignatureKey is the metadata key carrying the in-flight signature.
const MetadataSignatureKey = "signature"

// Message is a typed unit of communication between two agents.
type Message struct {
	MessageID     string                 `json:"message_id"`
	SenderID      string                 `json:"sender_id"`
	ReceiverID    string                 `json:"receiver_id"`
	MessageType   string                 `json:"message_type"`
	Payload       map[string]interface{} `json:"payload"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	TTL           int                    `json:"ttl,omitempty"` // seconds; 0 means no expiry
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// NewMessage creates a message with a fresh UUID and current timestamp.
func NewMessage(senderID, receiverID, messageType string, payload map[string]interface{}) *Message {
	return &Message{
		MessageID:   uuid.New().String(),
		SenderID:    senderID,
		ReceiverID:  receiverID,
		MessageType: messageType,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
}

// CreateResponse builds a reply to this message: sender and receiver are
// swapped, the correlation id points back at this message, and the
// response_to metadata key is set.
func (m *Message) CreateResponse(payload map[string]interface{}) *Message {
	resp := NewMessage(m.ReceiverID, m.SenderID, MessageTypeResponse, payload)
	resp.CorrelationID = m.MessageID
	resp.Metadata = map[string]interface{}{"response_to": m.MessageID}
	return resp
}

// IsExpired reports whether the message's TTL has elapsed.
func (m *Message) IsExpired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.After(m.Timestamp.Add(time.Duration(m.TTL) * time.Second))
}

// Signature returns the in-flight signature from metadata, if present.
func (m *Message) Signature() string {
	if m.Metadata == nil {
		return ""
	}
	sig, _ := m.Metadata[MetadataSignatureKey].(string)
	return sig
}

// SetSignature attaches a hex signature under metadata.signature.
func (m *Message) SetSignature(sig string) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]interface{})
	}
	m.Metadata[MetadataSignatureKey] = sig
}

// CanonicalBytes returns the deterministic serialized form used for signing.
// Keys are sorted (encoding/json sorts map keys), timestamps are rendered in
// UTC RFC3339Nano, and the signature metadata key is excluded so both sides
// reproduce the same bytes.
func (m *Message) CanonicalBytes() ([]byte, error) {
	doc := map[string]interface{}{
		"message_id":   m.MessageID,
		"sender_id":    m.SenderID,
		"receiver_id":  m.ReceiverID,
		"message_type": m.MessageType,
		"payload":      m.Payload,
		"timestamp":    m.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if m.CorrelationID != "" {
		doc["correlation_id"] = m.CorrelationID
	}
	if m.TTL > 0 {
		doc["ttl"] = m.TTL
	}
	if len(m.Metadata) > 0 {
		meta := make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			if k == MetadataSignatureKey {
				continue
			}
			meta[k] = v
		}
		if len(meta) > 0 {
			doc["metadata"] = meta
		}
	}
	return json.Marshal(doc)
}

// ToJSON serializes the message for transport.
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// MessageFromJSON parses a transport-serialized message.
func MessageFromJSON(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// EncryptionAlgorithm is the only AEAD scheme the core speaks.
const EncryptionAlgorithm = "AES-256-GCM"

// EncryptedMessage is a sealed envelope carrying an encrypted Message.
type EncryptedMessage struct {
	EncryptedData string                 `json:"encrypted_data"` // base64 ciphertext
	IV            string                 `json:"iv"`             // base64, 12 bytes
	AuthTag       string                 `json:"auth_tag"`       // base64, 16 bytes
	SenderID      string                 `json:"sender_id"`
	ReceiverID    string                 `json:"receiver_id"`
	Timestamp     time.Time              `json:"timestamp"`
	Algorithm     string                 `json:"algorithm"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON serializes the envelope for transport.
func (e *EncryptedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EncryptedMessageFromJSON parses a transport-serialized envelope.
func EncryptedMessageFromJSON(data []byte) (*EncryptedMessage, error) {
	var e EncryptedMessage
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
