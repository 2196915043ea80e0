package engine

import (
	"context"
	"sync"

	"github.com/roach88/kioskfsm/internal/device"
	"github.com/roach88/kioskfsm/internal/fsm"
	"github.com/roach88/kioskfsm/internal/scheduler"
)

// messageKind distinguishes mailbox message kinds.
type messageKind int

const (
	// msgEvent is an event submitted through Apply.
	msgEvent messageKind = iota + 1
	// msgFire is an elapsed state deadline.
	msgFire
	// msgDevice is the classified result of a device call.
	msgDevice
)

// deviceResult is a device reply tagged with the entry it was sent for.
// Redelivery counts how often it was queued again after a failed apply.
type deviceResult struct {
	State      fsm.State
	Version    int64
	Result     device.Result
	Redelivery int
}

// reply is what the mailbox goroutine hands back to the submitter.
type reply struct {
	state fsm.State
	err   error
}

// message is one unit of work for a runtime's mailbox.
type message struct {
	kind      messageKind
	ctx       context.Context
	runtimeID string

	event fsm.Event
	actor fsm.Actor

	fire   scheduler.Fire
	device deviceResult

	// reply is buffered (size 1) so the mailbox never blocks on a
	// submitter that gave up waiting.
	reply chan reply
}

func newMessage(ctx context.Context, kind messageKind, runtimeID string) *message {
	return &message{
		kind:      kind,
		ctx:       ctx,
		runtimeID: runtimeID,
		reply:     make(chan reply, 1),
	}
}

// eventQueue is a thread-safe FIFO queue of mailbox messages.
//
// The queue is unbounded: Apply callers block on their reply, not on
// enqueue, and device results and deadlines must never be dropped.
type eventQueue struct {
	mu       sync.Mutex
	messages []*message
	closed   bool
}

// newEventQueue creates an empty event queue.
func newEventQueue() *eventQueue {
	return &eventQueue{messages: make([]*message, 0, 8)}
}

// Enqueue adds a message to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(m *message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.messages = append(q.messages, m)
	return true
}

// TryDequeue removes the front message without blocking.
// Returns (nil, false) if the queue is empty.
func (q *eventQueue) TryDequeue() (*message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return nil, false
	}
	m := q.messages[0]
	// Nil out the slot so the backing array does not pin the message.
	q.messages[0] = nil
	if len(q.messages) == 1 {
		q.messages = q.messages[:0]
	} else {
		q.messages = q.messages[1:]
	}
	return m, true
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Close rejects further enqueues. Queued messages stay dequeueable.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
