package buffer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/c360/qollective/errors"
)

// ErrClosed is returned by Pop on a closed, drained buffer and by Push on a closed buffer.
var ErrClosed = errors.New(errors.KindConnectionClosed, "buffer", "buffer closed")

// Stats is a point-in-time snapshot of buffer counters.
type Stats struct {
	Pushed  uint64 `json:"pushed"`
	Popped  uint64 `json:"popped"`
	Dropped uint64 `json:"dropped"`
	Len     int    `json:"len"`
	MaxLen  int    `json:"max_len"`
}

type circular[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int // next read
	size    int
	maxSize int
	closed  bool
	changed chan struct{} // closed and replaced on every state change
	opts    *options[T]
	pushed  atomic.Uint64
	popped  atomic.Uint64
	dropped atomic.Uint64
}

func newCircular[T any](capacity int, opts *options[T]) *circular[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &circular[T]{
		items:   make([]T, capacity),
		changed: make(chan struct{}),
		opts:    opts,
	}
}

// signal wakes every waiter. Caller holds mu.
func (c *circular[T]) signal() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *circular[T]) Push(ctx context.Context, item T) error {
	c.mu.Lock()
	for {
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		if c.size < len(c.items) {
			break
		}
		switch c.opts.policy {
		case DropNewest:
			c.mu.Unlock()
			c.recordDrop(item)
			return nil
		case DropOldest:
			var zero T
			old := c.items[c.head]
			c.items[c.head] = zero
			c.head = (c.head + 1) % len(c.items)
			c.size--
			c.mu.Unlock()
			c.recordDrop(old)
			c.mu.Lock()
		case Block:
			wait := c.changed
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wait:
			}
			c.mu.Lock()
		}
	}

	c.items[(c.head+c.size)%len(c.items)] = item
	c.size++
	if c.size > c.maxSize {
		c.maxSize = c.size
	}
	c.pushed.Add(1)
	c.signal()
	c.mu.Unlock()
	return nil
}

func (c *circular[T]) recordDrop(item T) {
	c.dropped.Add(1)
	c.opts.metrics.RecordDropped(c.opts.transport)
	if c.opts.onDrop != nil {
		c.opts.onDrop(item)
	}
}

// popLocked removes the head item. Caller holds mu and has checked size > 0.
func (c *circular[T]) popLocked() T {
	var zero T
	item := c.items[c.head]
	c.items[c.head] = zero
	c.head = (c.head + 1) % len(c.items)
	c.size--
	c.popped.Add(1)
	c.signal()
	return item
}

func (c *circular[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	c.mu.Lock()
	for c.size == 0 {
		if c.closed {
			c.mu.Unlock()
			return zero, ErrClosed
		}
		wait := c.changed
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wait:
		}
		c.mu.Lock()
	}
	item := c.popLocked()
	c.mu.Unlock()
	return item, nil
}

func (c *circular[T]) TryPop() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.size == 0 {
		var zero T
		return zero, false
	}
	return c.popLocked(), true
}

func (c *circular[T]) Drain() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.size == 0 {
		return nil
	}
	out := make([]T, 0, c.size)
	for c.size > 0 {
		out = append(out, c.popLocked())
	}
	return out
}

func (c *circular[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *circular[T]) Cap() int {
	return len(c.items)
}

func (c *circular[T]) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *circular[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Pushed:  c.pushed.Load(),
		Popped:  c.popped.Load(),
		Dropped: c.dropped.Load(),
		Len:     c.size,
		MaxLen:  c.maxSize,
	}
}

func (c *circular[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.signal()
}
