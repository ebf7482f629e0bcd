package messaging

import (
	"sync"

	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

// Router maps message types to the agents that handle them and tracks
// outstanding requests so responses can be correlated.
type Router struct {
	mu       sync.RWMutex
	handlers map[string][]string    // message_type -> handler agent ids
	pending  map[string]*v1.Message // message_id -> outstanding request
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string][]string),
		pending:  make(map[string]*v1.Message),
	}
}

// RegisterHandler records that agentID handles the given message type.
// Registration is idempotent.
func (r *Router) RegisterHandler(messageType, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.handlers[messageType] {
		if existing == agentID {
			return
		}
	}
	r.handlers[messageType] = append(r.handlers[messageType], agentID)
}

// UnregisterHandler removes agentID from the handler list for a type.
func (r *Router) UnregisterHandler(messageType, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handlers := r.handlers[messageType]
	for i, existing := range handlers {
		if existing == agentID {
			r.handlers[messageType] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	if len(r.handlers[messageType]) == 0 {
		delete(r.handlers, messageType)
	}
}

// HandlersFor returns the agent ids registered for a message type.
func (r *Router) HandlersFor(messageType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.handlers[messageType]...)
}

// TrackRequest records an outstanding request message by id.
func (r *Router) TrackRequest(msg *v1.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[msg.MessageID] = msg
}

// ResolveCorrelation matches an inbound message's correlation id against
// outstanding requests, removing and returning the original. Returns nil
// when the correlation id is unknown.
func (r *Router) ResolveCorrelation(correlationID string) *v1.Message {
	if correlationID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	original, ok := r.pending[correlationID]
	if !ok {
		return nil
	}
	delete(r.pending, correlationID)
	return original
}

// PendingCount returns the number of outstanding requests.
func (r *Router) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}
