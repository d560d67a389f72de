// Package buffer provides a bounded, context-aware FIFO used for subscription backlogs and
// queued registry events.
package buffer

import (
	"context"

	"github.com/c360/qollective/metric"
)

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota
	// DropNewest drops new items when the buffer is full.
	DropNewest
	// Block makes Push wait until space is available, stalling the producer.
	Block
)

// String returns the config name of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy parses a config name. The empty string selects DropOldest.
func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	switch s {
	case "", "drop_oldest", "DropOldest":
		return DropOldest, true
	case "drop_newest", "DropNewest":
		return DropNewest, true
	case "block", "Block":
		return Block, true
	default:
		return DropOldest, false
	}
}

// Buffer is a bounded FIFO shared between one producer goroutine and any number of consumers.
type Buffer[T any] interface {
	// Push appends an item according to the overflow policy. Only Block can wait, and it
	// returns ctx.Err() if the context ends first.
	Push(ctx context.Context, item T) error
	// Pop removes the oldest item, waiting until one arrives, the buffer closes or ctx ends.
	// A closed and drained buffer returns ErrClosed.
	Pop(ctx context.Context) (T, error)
	// TryPop removes the oldest item without waiting.
	TryPop() (T, bool)
	// Drain removes and returns everything currently queued.
	Drain() []T
	Len() int
	Cap() int
	// Dropped returns how many items overflow has discarded.
	Dropped() uint64
	Stats() Stats
	// Close wakes all waiters. Items already queued can still be popped.
	Close()
}

// DropCallback is called, outside the buffer lock, with each item discarded by overflow.
type DropCallback[T any] func(item T)

// Option configures a buffer.
type Option[T any] func(*options[T])

type options[T any] struct {
	policy    OverflowPolicy
	onDrop    DropCallback[T]
	metrics   *metric.Metrics
	transport string
}

// WithOverflowPolicy sets the overflow behavior. Defaults to DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(o *options[T]) { o.policy = policy }
}

// WithDropCallback sets a callback invoked for every dropped item.
func WithDropCallback[T any](cb DropCallback[T]) Option[T] {
	return func(o *options[T]) { o.onDrop = cb }
}

// WithMetrics counts drops on the subscription_dropped_total metric under the given transport label.
func WithMetrics[T any](m *metric.Metrics, transport string) Option[T] {
	return func(o *options[T]) {
		o.metrics = m
		o.transport = transport
	}
}

// New creates a buffer. A capacity below one is raised to one.
func New[T any](capacity int, opts ...Option[T]) Buffer[T] {
	o := &options[T]{policy: DropOldest}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return newCircular(capacity, o)
}
