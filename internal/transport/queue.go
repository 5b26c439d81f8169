package transport

import (
	"time"

	"github.com/threadline/collab/internal/protocol"
)

// Priority governs whether a message bypasses batching and how it orders
// inside the outbound queue.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// QueuedMessage is owned exclusively by the outbound queue and dropped
// once sent or evicted.
type QueuedMessage struct {
	Message    protocol.Message
	Priority   Priority
	EnqueuedAt time.Time
}

// messageQueue holds pending outbound messages in three priority lanes,
// stable by arrival order within a lane. It is not safe for concurrent
// use; the Manager serializes access.
type messageQueue struct {
	capacity int
	lanes    [3][]*QueuedMessage
}

func newMessageQueue(capacity int) *messageQueue {
	return &messageQueue{capacity: capacity}
}

// push enqueues the message. When the queue is over capacity the oldest
// entry from the lowest-priority non-empty lane is evicted; the new
// message is always admitted first.
func (q *messageQueue) push(msg *QueuedMessage) {
	q.lanes[msg.Priority] = append(q.lanes[msg.Priority], msg)

	for q.size() > q.capacity {
		q.evictOne()
	}
}

// drain removes and returns up to max messages in priority order,
// high before normal before low, oldest first within each lane.
func (q *messageQueue) drain(max int) []*QueuedMessage {
	var drained []*QueuedMessage
	for lane := PriorityHigh; lane <= PriorityLow; lane++ {
		for len(drained) < max && len(q.lanes[lane]) > 0 {
			drained = append(drained, q.lanes[lane][0])
			q.lanes[lane] = q.lanes[lane][1:]
		}
	}
	return drained
}

func (q *messageQueue) size() int {
	return len(q.lanes[PriorityHigh]) + len(q.lanes[PriorityNormal]) + len(q.lanes[PriorityLow])
}

func (q *messageQueue) evictOne() {
	for lane := PriorityLow; lane >= PriorityHigh; lane-- {
		if len(q.lanes[lane]) > 0 {
			q.lanes[lane] = q.lanes[lane][1:]
			return
		}
	}
}
