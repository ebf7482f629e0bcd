package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/a2amesh/a2amesh/internal/common/logger"
)

// MemoryEventBus implements EventBus in-process. It supports NATS-style
// wildcards so single-node deployments behave like the NATS bus.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	queues        map[string]*queueGroup
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact-match subjects
	handler EventHandler
	queue   string // empty for regular subscriptions
	mu      sync.Mutex
	active  bool
}

// queueGroup round-robins deliveries across its subscribers.
type queueGroup struct {
	mu          sync.Mutex
	subscribers []*memorySubscription
	nextIndex   int
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		queues:        make(map[string]*queueGroup),
		logger:        log,
	}
}

// Unsubscribe deactivates the subscription and removes it from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}

	if s.queue != "" {
		if qg, ok := s.bus.queues[s.queue+":"+s.subject]; ok {
			qg.mu.Lock()
			for i, sub := range qg.subscribers {
				if sub == s {
					qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Publish delivers an event to every matching subscriber. Queue groups
// receive at most one delivery per publish.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	deliveredQueues := make(map[string]bool)

	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if !sub.IsValid() || !matchesSubject(subject, pattern, sub.pattern) {
				continue
			}

			if sub.queue != "" {
				queueKey := sub.queue + ":" + pattern
				if !deliveredQueues[queueKey] {
					deliveredQueues[queueKey] = true
					b.deliverToQueue(ctx, queueKey, subject, event)
				}
				continue
			}

			go func(s *memorySubscription, e *Event) {
				if err := s.handler(ctx, e); err != nil {
					b.logger.Error("event handler error",
						zap.String("subject", subject),
						zap.Error(err))
				}
			}(sub, event)
		}
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

// QueueSubscribe creates a queue subscription; each event reaches one
// subscriber in the group.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, queue, handler)
}

func (b *MemoryEventBus) subscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   queue,
		active:  true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	if queue != "" {
		queueKey := queue + ":" + subject
		if _, ok := b.queues[queueKey]; !ok {
			b.queues[queueKey] = &queueGroup{}
		}
		b.queues[queueKey].subscribers = append(b.queues[queueKey].subscribers, sub)
	}

	b.logger.Debug("subscribed to subject",
		zap.String("subject", subject),
		zap.String("queue", queue))
	return sub, nil
}

// Request publishes the event with a reply inbox in its data and waits
// for the first response.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	replySubject := fmt.Sprintf("_INBOX.%s", event.ID)
	responseChan := make(chan *Event, 1)

	sub, err := b.Subscribe(replySubject, func(ctx context.Context, e *Event) error {
		select {
		case responseChan <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reply subscription: %w", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if event.Data == nil {
		event.Data = make(map[string]interface{})
	}
	event.Data["_reply"] = replySubject

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case response := <-responseChan:
		return response, nil
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("request timeout after %v", timeout)
	}
}

// Close deactivates all subscriptions.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.queues = make(map[string]*queueGroup)

	b.logger.Info("memory event bus closed")
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryEventBus) deliverToQueue(ctx context.Context, queueKey, subject string, event *Event) {
	qg, ok := b.queues[queueKey]
	if !ok {
		return
	}

	qg.mu.Lock()
	defer qg.mu.Unlock()

	if len(qg.subscribers) == 0 {
		return
	}

	start := qg.nextIndex
	for i := 0; i < len(qg.subscribers); i++ {
		idx := (start + i) % len(qg.subscribers)
		sub := qg.subscribers[idx]
		if !sub.IsValid() {
			continue
		}
		qg.nextIndex = (idx + 1) % len(qg.subscribers)

		go func(s *memorySubscription, e *Event) {
			if err := s.handler(ctx, e); err != nil {
				b.logger.Error("queue event handler error",
					zap.String("subject", subject),
					zap.String("queue", queueKey),
					zap.Error(err))
			}
		}(sub, event)
		return
	}
}

// matchesSubject checks a subject against a pattern, supporting
// NATS-style wildcards: * for one token, > for the rest.
func matchesSubject(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to a regex, or nil for
// exact-match subjects.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return regex
}
