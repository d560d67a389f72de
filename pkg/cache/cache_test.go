package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/qollective/errors"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCache(t *testing.T, ttl time.Duration, opts ...Option[string]) (*TTL[string], *clock) {
	t.Helper()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c, err := NewTTL(ttl, append([]Option[string]{WithClock[string](clk.Now)}, opts...)...)
	require.NoError(t, err)
	return c, clk
}

func TestTTL_Expiry(t *testing.T) {
	var evicted []string
	c, clk := newTestCache(t, time.Second, WithEvictCallback(func(k, _ string) { evicted = append(evicted, k) }))

	assert.True(t, c.Set("a", "1"))
	assert.False(t, c.Set("a", "2"))

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "2", v)

	clk.Advance(999 * time.Millisecond)
	_, ok = c.Get("a")
	assert.True(t, ok)

	clk.Advance(time.Millisecond)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"a"}, evicted)
	assert.Equal(t, 0, c.Len())

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.InDelta(t, 2.0/3.0, stats.HitRatio(), 1e-9)
}

func TestTTL_MaxSizeEvictsClosestToExpiry(t *testing.T) {
	c, clk := newTestCache(t, time.Minute, WithMaxSize[string](2))

	c.Set("old", "x")
	clk.Advance(time.Second)
	c.Set("new", "y")
	clk.Advance(time.Second)
	c.Set("newest", "z")

	_, ok := c.Get("old")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int64(1), c.Stats().Evictions)

	// Replacing an existing key never evicts.
	c.Set("new", "y2")
	assert.Equal(t, 2, c.Len())
}

func TestTTL_DeleteAndClear(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	c.Set("a", "1")
	c.Set("b", "2")
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Stats().Evictions)
}

func TestNewTTL_Validation(t *testing.T) {
	_, err := NewTTL[int](0)
	assert.ErrorIs(t, err, errors.ErrConfig)
	_, err = NewTTL[int](time.Second, WithMaxSize[int](-1))
	assert.ErrorIs(t, err, errors.ErrConfig)
}

func TestTTL_Concurrent(t *testing.T) {
	c, err := NewTTL[int](time.Minute, WithMaxSize[int](64))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				key := fmt.Sprintf("k%d", (g*200+i)%100)
				c.Set(key, i)
				c.Get(key)
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 64)
}
