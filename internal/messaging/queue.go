package messaging

import (
	"sync"
	"time"

	"github.com/a2amesh/a2amesh/internal/common/errors"
	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

// DefaultQueueSize is the mailbox capacity applied when none is configured.
const DefaultQueueSize = 1000

// Queue is a bounded in-memory FIFO of messages awaiting delivery.
// Dequeue removes all messages addressed to one agent atomically;
// expired messages are swept on dequeue.
type Queue struct {
	mu      sync.Mutex
	items   []*v1.Message
	maxSize int
}

// NewQueue creates a queue with the given capacity. Zero or negative
// capacity falls back to DefaultQueueSize.
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultQueueSize
	}
	return &Queue{maxSize: maxSize}
}

// Enqueue appends a message. Returns QueueOverflow when at capacity.
func (q *Queue) Enqueue(msg *v1.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxSize {
		return errors.QueueOverflow(q.maxSize)
	}
	q.items = append(q.items, msg)
	return nil
}

// requeue pushes messages back onto the front of the queue, preserving
// their original order ahead of everything enqueued since.
func (q *Queue) requeue(msgs []*v1.Message) {
	if len(msgs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append([]*v1.Message{}, msgs...), q.items...)
}

// DequeueFor removes and returns all live messages addressed to agentID,
// in enqueue order. Expired messages anywhere in the queue are dropped.
func (q *Queue) DequeueFor(agentID string) []*v1.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var delivered []*v1.Message
	remaining := q.items[:0]
	for _, msg := range q.items {
		if msg.IsExpired(now) {
			continue
		}
		if msg.ReceiverID == agentID {
			delivered = append(delivered, msg)
			continue
		}
		remaining = append(remaining, msg)
	}
	// Zero the tail so dropped entries do not pin memory.
	for i := len(remaining); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = remaining
	return delivered
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the configured capacity.
func (q *Queue) Cap() int {
	return q.maxSize
}
