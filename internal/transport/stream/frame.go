// Package stream implements the persistent framed transport. A client
// authenticates with its first frame, then exchanges message and
// broadcast frames over the same connection.
package stream

import (
	"encoding/json"

	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

// Frame types.
const (
	FrameAuth            = "auth"
	FrameAuthResponse    = "auth_response"
	FrameMessage         = "message"
	FrameMessageResponse = "message_response"
	FrameBroadcast       = "broadcast"
	FrameError           = "error"
)

// Frame statuses carried by message_response.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// Frame is one unit on the stream.
type Frame struct {
	Type          string          `json:"type"`
	Token         string          `json:"token,omitempty"`
	Authenticated bool            `json:"authenticated,omitempty"`
	AgentID       string          `json:"agent_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Status        string          `json:"status,omitempty"`
	MessageID     string          `json:"message_id,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// NewMessageFrame wraps a message in a frame of the given type.
func NewMessageFrame(frameType string, msg *v1.Message) (*Frame, error) {
	data, err := msg.ToJSON()
	if err != nil {
		return nil, err
	}
	return &Frame{Type: frameType, Data: data}, nil
}

// Message decodes the frame payload as a Message.
func (f *Frame) Message() (*v1.Message, error) {
	return v1.MessageFromJSON(f.Data)
}
