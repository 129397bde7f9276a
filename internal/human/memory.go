package human

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/loomworks/loom/pkg/schema"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan schema.InterruptRequest
	filter Filter
}

// MemoryChannel is an in-memory Channel implementation using buffered
// channels.
type MemoryChannel struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewMemoryChannel creates a new MemoryChannel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish sends the request to all matching subscribers. Non-blocking: if a
// subscriber's channel is full the request is dropped for that subscriber.
// Durability comes from the pending-interrupt record in the store, not from
// delivery here.
func (c *MemoryChannel) Publish(ctx context.Context, req schema.InterruptRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, sub := range c.subs {
		if sub.filter.RunID != "" && sub.filter.RunID != req.RunID {
			continue
		}
		select {
		case sub.ch <- req:
		default:
			// backpressure: drop for slow subscriber
		}
	}
	return nil
}

// Subscribe creates a filtered subscription. Returns a receive-only channel
// and a cancel function that removes the subscription.
func (c *MemoryChannel) Subscribe(ctx context.Context, filter Filter) (<-chan schema.InterruptRequest, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := c.seq.Add(1)
	ch := make(chan schema.InterruptRequest, defaultChannelBuffer)

	c.mu.Lock()
	c.subs[id] = &subscriber{ch: ch, filter: filter}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}

	return ch, cancel, nil
}

var _ Channel = (*MemoryChannel)(nil)
