package tracer

import (
	"context"
	"sync"
	"time"
)

// Outbox holds traces messages until a client polls for them. When full the oldest message is evicted.
type Outbox struct {
	mu       sync.Mutex
	messages []TracesMessage
	capacity int
	dropped  uint64
	notify   chan struct{} // closed and replaced when a message arrives
}

// NewOutbox returns an empty Outbox retaining at most capacity messages.
func NewOutbox(capacity int) *Outbox {
	return &Outbox{capacity: max(1, capacity), notify: make(chan struct{})}
}

// Send queues a message for the next poll.
func (o *Outbox) Send(ctx context.Context, msg TracesMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.messages) >= o.capacity {
		o.messages[0] = TracesMessage{}
		o.messages = o.messages[1:]
		o.dropped++
	}
	o.messages = append(o.messages, msg)
	close(o.notify)
	o.notify = make(chan struct{})
	return nil
}

// Drain removes and returns all queued messages, and the count of messages evicted since the prior drain.
func (o *Outbox) Drain() ([]TracesMessage, uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.drainLocked()
}

func (o *Outbox) drainLocked() ([]TracesMessage, uint64) {
	messages, dropped := o.messages, o.dropped
	o.messages = nil
	o.dropped = 0
	return messages, dropped
}

// Poll drains queued messages, waiting up to wait for the first to arrive if none are queued.
func (o *Outbox) Poll(ctx context.Context, wait time.Duration) ([]TracesMessage, uint64, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		o.mu.Lock()
		if len(o.messages) > 0 || o.dropped > 0 {
			messages, dropped := o.drainLocked()
			o.mu.Unlock()
			return messages, dropped, nil
		}
		notify := o.notify
		o.mu.Unlock()

		select {
		case <-notify:
		case <-timer.C:
			return nil, 0, nil
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// Reset discards queued messages.
func (o *Outbox) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = nil
	o.dropped = 0
}

// Len returns the count of queued messages.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.messages)
}
