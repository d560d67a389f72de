// Package connpool keeps one live connection per endpoint and closes connections that sit
// idle longer than the idle timeout. The pool lock is held only to look up or insert an
// entry, never across a dial.
package connpool

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/metric"
)

// DialFunc opens a new connection.
type DialFunc[C io.Closer] func(ctx context.Context) (C, error)

type entry[C io.Closer] struct {
	conn     C
	lastUsed time.Time
}

// Pool maps endpoint keys to live connections.
type Pool[C io.Closer] struct {
	mu          sync.Mutex
	items       map[string]*entry[C]
	idleTimeout time.Duration
	alive       func(C) bool
	onEvict     func(key string, conn C)
	metrics     *poolMetrics
	now         func() time.Time

	shutdown chan struct{}
	done     chan struct{}
	closed   bool
}

// Option configures a Pool.
type Option[C io.Closer] func(*Pool[C])

// WithAliveCheck drops pooled connections for which alive returns false instead of
// handing them out.
func WithAliveCheck[C io.Closer](alive func(C) bool) Option[C] {
	return func(p *Pool[C]) { p.alive = alive }
}

// WithEvictCallback is called after a connection is removed and closed.
func WithEvictCallback[C io.Closer](fn func(key string, conn C)) Option[C] {
	return func(p *Pool[C]) { p.onEvict = fn }
}

// WithMetrics registers size, dial and eviction metrics under owner.
func WithMetrics[C io.Closer](registry *metric.MetricsRegistry, owner string) Option[C] {
	return func(p *Pool[C]) {
		if registry == nil || owner == "" {
			return
		}
		m, err := newPoolMetrics(registry, owner)
		if err == nil {
			p.metrics = m
		}
	}
}

// New creates a pool that evicts connections idle for longer than idleTimeout, scanning every
// idleTimeout/2. The scan stops when ctx ends or Close is called.
func New[C io.Closer](ctx context.Context, idleTimeout time.Duration, opts ...Option[C]) (*Pool[C], error) {
	if idleTimeout <= 0 {
		return nil, errors.New(errors.KindConfig, "connpool.New", "idle timeout must be positive")
	}
	p := &Pool[C]{
		items:       make(map[string]*entry[C]),
		idleTimeout: idleTimeout,
		now:         time.Now,
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.cleanup(ctx, idleTimeout/2)
	return p, nil
}

// Get returns the pooled connection for key, dialing one if there is none. Concurrent
// callers for the same key may both dial; the loser's connection is closed.
func (p *Pool[C]) Get(ctx context.Context, key string, dial DialFunc[C]) (C, error) {
	var zero C
	if conn, ok := p.lookup(key); ok {
		return conn, nil
	}

	conn, err := dial(ctx)
	if err != nil {
		return zero, err
	}
	p.metrics.recordDial()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return zero, errors.New(errors.KindConnectionClosed, "connpool.Get", "pool closed")
	}
	if existing, ok := p.items[key]; ok && p.isAlive(existing.conn) {
		existing.lastUsed = p.now()
		p.mu.Unlock()
		_ = conn.Close()
		return existing.conn, nil
	}
	p.items[key] = &entry[C]{conn: conn, lastUsed: p.now()}
	size := len(p.items)
	p.mu.Unlock()

	p.metrics.updateSize(size)
	return conn, nil
}

func (p *Pool[C]) lookup(key string) (C, bool) {
	var zero C
	p.mu.Lock()
	e, ok := p.items[key]
	if !ok {
		p.mu.Unlock()
		return zero, false
	}
	if !p.isAlive(e.conn) {
		delete(p.items, key)
		size := len(p.items)
		p.mu.Unlock()
		p.evict(key, e.conn, size)
		return zero, false
	}
	e.lastUsed = p.now()
	p.mu.Unlock()
	return e.conn, true
}

func (p *Pool[C]) isAlive(conn C) bool {
	return p.alive == nil || p.alive(conn)
}

// Remove closes and forgets the connection for key.
func (p *Pool[C]) Remove(key string) bool {
	p.mu.Lock()
	e, ok := p.items[key]
	if ok {
		delete(p.items, key)
	}
	size := len(p.items)
	p.mu.Unlock()
	if ok {
		p.evict(key, e.conn, size)
	}
	return ok
}

// Len returns the number of pooled connections.
func (p *Pool[C]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Close stops the idle scan and closes every pooled connection.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	items := p.items
	p.items = make(map[string]*entry[C])
	p.mu.Unlock()

	close(p.shutdown)
	var errs []error
	for key, e := range items {
		if err := e.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	p.metrics.updateSize(0)

	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		errs = append(errs, fmt.Errorf("timeout waiting for idle scan to finish"))
	}
	return errors.Join(errs...)
}

func (p *Pool[C]) cleanup(ctx context.Context, interval time.Duration) {
	defer close(p.done)
	if interval <= 0 {
		interval = p.idleTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case <-ticker.C:
			p.EvictIdle()
		}
	}
}

// EvictIdle closes connections idle longer than the idle timeout and returns how many it
// removed. The background scan calls it periodically.
func (p *Pool[C]) EvictIdle() int {
	cutoff := p.now().Add(-p.idleTimeout)
	type victim struct {
		key  string
		conn C
	}
	var victims []victim

	p.mu.Lock()
	for key, e := range p.items {
		if e.lastUsed.Before(cutoff) || !p.isAlive(e.conn) {
			victims = append(victims, victim{key, e.conn})
			delete(p.items, key)
		}
	}
	size := len(p.items)
	p.mu.Unlock()

	for _, v := range victims {
		p.evict(v.key, v.conn, size)
	}
	return len(victims)
}

// evict closes conn outside the lock.
func (p *Pool[C]) evict(key string, conn C, size int) {
	_ = conn.Close()
	p.metrics.recordEviction()
	p.metrics.updateSize(size)
	if p.onEvict != nil {
		p.onEvict(key, conn)
	}
}

type poolMetrics struct {
	dials     prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newPoolMetrics(registry *metric.MetricsRegistry, owner string) (*poolMetrics, error) {
	m := &poolMetrics{
		dials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "qollective",
			Subsystem:   "connpool",
			Name:        "dials_total",
			ConstLabels: prometheus.Labels{"component": owner},
			Help:        "Total number of connections dialed",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "qollective",
			Subsystem:   "connpool",
			Name:        "evictions_total",
			ConstLabels: prometheus.Labels{"component": owner},
			Help:        "Total number of connections closed by the pool",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "qollective",
			Subsystem:   "connpool",
			Name:        "size",
			ConstLabels: prometheus.Labels{"component": owner},
			Help:        "Current number of pooled connections",
		}),
	}
	if err := registry.RegisterCounter(owner, "connpool_dials", m.dials); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(owner, "connpool_evictions", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(owner, "connpool_size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *poolMetrics) recordDial() {
	if m != nil {
		m.dials.Inc()
	}
}

func (m *poolMetrics) recordEviction() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *poolMetrics) updateSize(size int) {
	if m != nil {
		m.size.Set(float64(size))
	}
}
