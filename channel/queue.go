package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/mmate-flow/contracts"
)

// QueueChannel buffers messages in FIFO order until they are received.
// A capacity of 0 means unbounded.
type QueueChannel struct {
	baseChannel
	queueMu      sync.Mutex
	items        []contracts.Message
	capacity     int
	blockingSend bool
	changed      chan struct{} // closed and replaced on every state change
}

// NewQueueChannel creates a new queue channel
func NewQueueChannel(options ...Option) *QueueChannel {
	cfg := newConfig(options)
	ch := &QueueChannel{
		capacity:     cfg.capacity,
		blockingSend: cfg.blockingSend,
		changed:      make(chan struct{}),
	}
	ch.init(cfg)
	return ch
}

// signal wakes every waiter; must be called with queueMu held
func (c *QueueChannel) signal() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Send implements MessageChannel. When the queue is full it returns false, or
// with blocking send waits for room until ctx is done.
func (c *QueueChannel) Send(ctx context.Context, msg contracts.Message) (bool, error) {
	return c.send(ctx, c, msg, c.enqueue)
}

func (c *QueueChannel) enqueue(ctx context.Context, msg contracts.Message) (bool, error) {
	for {
		c.queueMu.Lock()
		if c.capacity <= 0 || len(c.items) < c.capacity {
			c.items = append(c.items, msg)
			c.signal()
			c.queueMu.Unlock()
			return true, nil
		}
		if !c.blockingSend {
			c.queueMu.Unlock()
			c.logger.Debug("queue full, message rejected",
				"channel", c.Name(),
				"messageId", msg.GetID(),
				"capacity", c.capacity,
			)
			return false, nil
		}
		wait := c.changed
		c.queueMu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return false, nil
		}
	}
}

// Receive implements PollableChannel
func (c *QueueChannel) Receive(ctx context.Context) (contracts.Message, bool) {
	for {
		c.queueMu.Lock()
		if len(c.items) > 0 {
			msg := c.dequeue()
			c.queueMu.Unlock()
			return msg, true
		}
		wait := c.changed
		c.queueMu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// TryReceive returns the head of the queue without blocking
func (c *QueueChannel) TryReceive() (contracts.Message, bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.items) == 0 {
		return nil, false
	}
	return c.dequeue(), true
}

// dequeue must be called with queueMu held and a non-empty queue
func (c *QueueChannel) dequeue() contracts.Message {
	msg := c.items[0]
	c.items[0] = nil
	c.items = c.items[1:]
	c.signal()
	return msg
}

// Size returns the number of queued messages
func (c *QueueChannel) Size() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.items)
}

// RemainingCapacity returns the room left, or -1 when unbounded
func (c *QueueChannel) RemainingCapacity() int {
	if c.capacity <= 0 {
		return -1
	}
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return c.capacity - len(c.items)
}

// Clear removes and returns every queued message
func (c *QueueChannel) Clear() []contracts.Message {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	cleared := c.items
	c.items = nil
	c.signal()
	return cleared
}

// String implements fmt.Stringer
func (c *QueueChannel) String() string {
	return fmt.Sprintf("QueueChannel[%s]", c.Name())
}
