package runtime

import (
	"context"
	"sync"

	"github.com/a2amesh/a2amesh/internal/auth"
	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

// HandlerFunc processes one inbound message. A non-nil response is
// transmitted back to the sender with the correlation id set.
type HandlerFunc func(ctx context.Context, msg *v1.Message, token *auth.Token) (*v1.Message, error)

// handlerTable maps message types to handlers.
type handlerTable struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func newHandlerTable() *handlerTable {
	return &handlerTable{handlers: make(map[string]HandlerFunc)}
}

func (t *handlerTable) set(messageType string, fn HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[messageType] = fn
}

func (t *handlerTable) get(messageType string) HandlerFunc {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handlers[messageType]
}

// installDefaultHandlers wires the handlers every agent carries: ping
// and discovery_request.
func (a *Agent) installDefaultHandlers() {
	a.RegisterMessageHandler(v1.MessageTypePing, a.handlePing)
	a.RegisterMessageHandler(v1.MessageTypeDiscoveryRequest, a.handleDiscoveryRequest)
}

func (a *Agent) handlePing(ctx context.Context, msg *v1.Message, _ *auth.Token) (*v1.Message, error) {
	return msg.CreateResponse(map[string]interface{}{"status": "pong"}), nil
}

// handleDiscoveryRequest answers with the registry entries matching the
// requested capabilities.
func (a *Agent) handleDiscoveryRequest(ctx context.Context, msg *v1.Message, _ *auth.Token) (*v1.Message, error) {
	var caps []string
	if raw, ok := msg.Payload["capabilities"].([]interface{}); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok {
				caps = append(caps, s)
			}
		}
	}
	maxResults := 0
	if n, ok := msg.Payload["max_results"].(float64); ok {
		maxResults = int(n)
	}

	records := a.registry.Discover(v1.ServiceQuery{
		Capabilities: caps,
		MaxResults:   maxResults,
	})
	agents := make([]interface{}, 0, len(records))
	for _, record := range records {
		agents = append(agents, map[string]interface{}{
			"agent_id":     record.AgentID,
			"agent_did":    record.AgentDID,
			"capabilities": record.Capabilities,
			"endpoints":    record.Endpoints,
			"status":       string(record.Status),
		})
	}
	return msg.CreateResponse(map[string]interface{}{"agents": agents}), nil
}
