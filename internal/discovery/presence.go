package discovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/a2amesh/a2amesh/internal/common/logger"
	"github.com/a2amesh/a2amesh/internal/events/bus"
	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

// PresenceBroadcaster is the optional peer-discovery overlay. It
// announces the local agent on the event bus at a fixed interval and
// folds announcements from other nodes into the registry as heartbeats
// or fresh registrations.
type PresenceBroadcaster struct {
	registry *Registry
	bus      bus.EventBus
	record   *v1.AgentRecord
	interval time.Duration
	logger   *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	sub     bus.Subscription
}

// NewPresenceBroadcaster creates a broadcaster announcing the given
// record. interval defaults to 30s when zero.
func NewPresenceBroadcaster(registry *Registry, eventBus bus.EventBus, record *v1.AgentRecord, interval time.Duration, log *logger.Logger) *PresenceBroadcaster {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PresenceBroadcaster{
		registry: registry,
		bus:      eventBus,
		record:   record,
		interval: interval,
		logger:   log.WithFields(zap.String("component", "presence")),
	}
}

// Start subscribes to peer announcements and begins broadcasting.
func (p *PresenceBroadcaster) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	sub, err := p.bus.Subscribe(bus.SubjectPresenceAll, p.handlePresence)
	if err != nil {
		return err
	}
	p.sub = sub
	p.running = true
	p.stopCh = make(chan struct{})

	p.wg.Add(1)
	go p.broadcastLoop()

	p.logger.Info("presence broadcaster started", zap.Duration("interval", p.interval))
	return nil
}

// Stop halts broadcasting and drops the peer subscription.
func (p *PresenceBroadcaster) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()

	p.wg.Wait()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	p.logger.Info("presence broadcaster stopped")
}

func (p *PresenceBroadcaster) broadcastLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Announce immediately so peers see new agents without waiting a
	// full interval.
	p.announce()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.announce()
		}
	}
}

// announce publishes the registry's live view of the local agent so
// status and capability changes propagate on the next tick. The record
// handed to the constructor is only a fallback for the window before
// the agent is registered.
func (p *PresenceBroadcaster) announce() {
	record := p.registry.Get(p.record.AgentID)
	if record == nil {
		record = p.record
	}
	event := bus.NewEvent(v1.MessageTypeAgentPresence, record.AgentID, map[string]interface{}{
		"agent_id":     record.AgentID,
		"agent_did":    record.AgentDID,
		"capabilities": record.Capabilities,
		"endpoints":    record.Endpoints,
		"status":       string(record.Status),
		"ttl":          record.TTL,
	})
	if err := p.bus.Publish(context.Background(), bus.PresenceSubject(record.AgentID), event); err != nil {
		p.logger.Warn("presence announce failed", zap.Error(err))
	}
}

// handlePresence upserts peers into the registry. Known peers get a
// heartbeat; unknown peers are registered from the announcement.
func (p *PresenceBroadcaster) handlePresence(ctx context.Context, event *bus.Event) error {
	agentID, _ := event.Data["agent_id"].(string)
	if agentID == "" || agentID == p.record.AgentID {
		return nil
	}

	if p.registry.Get(agentID) != nil {
		return p.registry.Heartbeat(ctx, agentID)
	}

	record := &v1.AgentRecord{
		AgentID:      agentID,
		Status:       v1.AgentStatusActive,
		Capabilities: stringSlice(event.Data["capabilities"]),
		Endpoints:    stringSlice(event.Data["endpoints"]),
	}
	if did, ok := event.Data["agent_did"].(string); ok {
		record.AgentDID = did
	}
	if status, ok := event.Data["status"].(string); ok && status != "" {
		record.Status = v1.AgentStatus(status)
	}
	if ttl, ok := event.Data["ttl"].(float64); ok {
		record.TTL = int(ttl)
	}

	p.logger.Debug("learned peer from presence", zap.String("agent_id", agentID))
	return p.registry.Register(ctx, record)
}

// stringSlice coerces event data that arrives as []interface{} after a
// JSON round trip.
func stringSlice(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
