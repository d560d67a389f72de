package connpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/qollective/metric"
)

type fakeConn struct {
	id     int
	closed atomic.Bool
}

func (f *fakeConn) Close() error {
	f.closed.Store(true)
	return nil
}

type dialer struct {
	n atomic.Int32
}

func (d *dialer) dial(context.Context) (*fakeConn, error) {
	return &fakeConn{id: int(d.n.Add(1))}, nil
}

func newPool(t *testing.T, idle time.Duration, opts ...Option[*fakeConn]) *Pool[*fakeConn] {
	t.Helper()
	p, err := New[*fakeConn](context.Background(), idle, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestGet_ReusesConnection(t *testing.T) {
	p := newPool(t, time.Minute)
	d := &dialer{}

	a, err := p.Get(context.Background(), "ws://a", d.dial)
	require.NoError(t, err)
	b, err := p.Get(context.Background(), "ws://a", d.dial)
	require.NoError(t, err)
	c, err := p.Get(context.Background(), "ws://b", d.dial)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, int32(2), d.n.Load())
	assert.Equal(t, 2, p.Len())
}

func TestGet_DialError(t *testing.T) {
	p := newPool(t, time.Minute)
	boom := errors.New("refused")
	_, err := p.Get(context.Background(), "k", func(context.Context) (*fakeConn, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, p.Len())
}

func TestGet_ConcurrentDialsKeepOne(t *testing.T) {
	p := newPool(t, time.Minute)
	d := &dialer{}

	var wg sync.WaitGroup
	conns := make([]*fakeConn, 8)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.Get(context.Background(), "same", d.dial)
			assert.NoError(t, err)
			conns[i] = c
		}(i)
	}
	wg.Wait()

	for _, c := range conns[1:] {
		assert.Same(t, conns[0], c)
	}
	assert.False(t, conns[0].closed.Load())
	assert.Equal(t, 1, p.Len())
}

func TestEvictIdle(t *testing.T) {
	var evicted []string
	p := newPool(t, time.Minute, WithEvictCallback(func(key string, _ *fakeConn) {
		evicted = append(evicted, key)
	}))
	now := time.Now()
	p.now = func() time.Time { return now }
	d := &dialer{}

	old, err := p.Get(context.Background(), "old", d.dial)
	require.NoError(t, err)
	now = now.Add(45 * time.Second)
	fresh, err := p.Get(context.Background(), "fresh", d.dial)
	require.NoError(t, err)
	now = now.Add(30 * time.Second)

	assert.Equal(t, 1, p.EvictIdle())
	assert.True(t, old.closed.Load())
	assert.False(t, fresh.closed.Load())
	assert.Equal(t, []string{"old"}, evicted)
}

func TestBackgroundScanEvicts(t *testing.T) {
	p := newPool(t, 40*time.Millisecond)
	c, err := p.Get(context.Background(), "k", (&dialer{}).dial)
	require.NoError(t, err)

	assert.Eventually(t, c.closed.Load, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, p.Len())
}

func TestAliveCheck_RedialsDeadConnections(t *testing.T) {
	p := newPool(t, time.Minute, WithAliveCheck(func(c *fakeConn) bool { return !c.closed.Load() }))
	d := &dialer{}

	first, err := p.Get(context.Background(), "k", d.dial)
	require.NoError(t, err)
	_ = first.Close()

	second, err := p.Get(context.Background(), "k", d.dial)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestClose(t *testing.T) {
	p, err := New[*fakeConn](context.Background(), time.Minute)
	require.NoError(t, err)
	c, err := p.Get(context.Background(), "k", (&dialer{}).dial)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, c.closed.Load())

	_, err = p.Get(context.Background(), "k", (&dialer{}).dial)
	assert.Error(t, err)
}

func TestMetrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	p := newPool(t, time.Minute, WithMetrics[*fakeConn](reg, "stream"))
	d := &dialer{}

	_, err := p.Get(context.Background(), "a", d.dial)
	require.NoError(t, err)
	_, err = p.Get(context.Background(), "b", d.dial)
	require.NoError(t, err)
	p.Remove("a")

	assert.Equal(t, 2.0, promtest.ToFloat64(p.metrics.dials))
	assert.Equal(t, 1.0, promtest.ToFloat64(p.metrics.evictions))
	assert.Equal(t, 1.0, promtest.ToFloat64(p.metrics.size))
}

func TestNew_RejectsZeroIdleTimeout(t *testing.T) {
	_, err := New[*fakeConn](context.Background(), 0)
	assert.Error(t, err)
}
