// Package bus provides the event bus the mesh uses for presence and
// registry change notifications. Nodes on the same process share the
// in-memory bus; multi-node deployments point it at NATS.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/a2amesh/a2amesh/internal/common/config"
	"github.com/a2amesh/a2amesh/internal/common/logger"
)

// Subjects used by the mesh. Presence events carry the agent id as the
// last token so subscribers can filter with NATS wildcards.
const (
	SubjectPresencePrefix = "a2a.presence."
	SubjectPresenceAll    = "a2a.presence.>"
	SubjectRegistry       = "a2a.registry"
)

// PresenceSubject returns the presence subject for one agent.
func PresenceSubject(agentID string) string {
	return SubjectPresencePrefix + agentID
}

// Event is a message on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // agent or node that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates an event with a fresh UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles one event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus abstracts the presence and registry fanout.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request sends a request and waits for a response.
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}

// Connect returns a NATS-backed bus when a URL is configured, the
// in-memory bus otherwise.
func Connect(cfg config.NATSConfig, log *logger.Logger) (EventBus, error) {
	if cfg.URL == "" {
		return NewMemoryEventBus(log), nil
	}
	return NewNATSEventBus(cfg, log)
}
