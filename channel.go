package agentwire

import (
	"errors"
	"iter"
	"sync"
)

var (
	// ErrChannelClosed is returned by Send after the channel has been closed.
	// Sending on a closed channel is a programming error on the producer side.
	ErrChannelClosed = errors.New("channel is closed")

	// ErrSubscribed is returned by Subscribe while another subscription is live.
	ErrSubscribed = errors.New("channel already has an active subscription")
)

// Channel is the ordered, closable message queue that sits behind both physical
// transport variants. Multiple producers may Send concurrently; a single consumer
// drains the queue through Subscribe. Messages are yielded in send order, and a
// consumer subscribing after Close still drains everything buffered before
// observing termination.
//
// Channel is not a general pub/sub bus: one live subscription at a time.
type Channel struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Message
	closed bool
	active bool
}

// NewChannel creates an open, empty Channel.
func NewChannel() *Channel {
	c := &Channel{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Send enqueues a message for the consumer. Returns ErrChannelClosed if the channel
// was already closed.
func (c *Channel) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	c.queue = append(c.queue, msg)
	c.cond.Signal()
	return nil
}

// Close marks the channel closed and wakes the consumer. Buffered messages remain
// drainable; further sends fail. Closing twice is a no-op.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.cond.Broadcast()
}

// Closed reports whether the channel has been closed.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Subscribe returns an iterator yielding buffered-then-live messages in send order.
// The iterator terminates, without error, once the channel is closed and drained.
// Only one subscription may be live at a time; a second concurrent call returns
// ErrSubscribed. The guard is released when the iterator returns, so a later
// subscriber can pick up where an abandoned one left off.
func (c *Channel) Subscribe() (iter.Seq[Message], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		return nil, ErrSubscribed
	}
	c.active = true

	return func(yield func(Message) bool) {
		defer func() {
			c.mu.Lock()
			c.active = false
			c.mu.Unlock()
		}()

		for {
			c.mu.Lock()
			for len(c.queue) == 0 && !c.closed {
				c.cond.Wait()
			}
			if len(c.queue) == 0 {
				c.mu.Unlock()
				return
			}
			msg := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			if !yield(msg) {
				return
			}
		}
	}, nil
}
