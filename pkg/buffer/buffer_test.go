package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/metric"
)

func TestBuffer_FIFO(t *testing.T) {
	buf := New[string](3)
	ctx := context.Background()

	require.NoError(t, buf.Push(ctx, "a"))
	require.NoError(t, buf.Push(ctx, "b"))
	require.NoError(t, buf.Push(ctx, "c"))
	assert.Equal(t, 3, buf.Len())
	assert.Equal(t, 3, buf.Cap())

	for _, want := range []string{"a", "b", "c"} {
		got, err := buf.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, ok := buf.TryPop()
	assert.False(t, ok)
}

func TestBuffer_DropOldest(t *testing.T) {
	var dropped []int
	buf := New(2, WithDropCallback[int](func(i int) { dropped = append(dropped, i) }))
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		require.NoError(t, buf.Push(ctx, i))
	}

	assert.Equal(t, []int{3, 4}, buf.Drain())
	assert.Equal(t, []int{1, 2}, dropped)
	assert.Equal(t, uint64(2), buf.Dropped())
}

func TestBuffer_DropNewest(t *testing.T) {
	buf := New(2, WithOverflowPolicy[int](DropNewest))
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		require.NoError(t, buf.Push(ctx, i))
	}

	assert.Equal(t, []int{1, 2}, buf.Drain())
	assert.Equal(t, uint64(2), buf.Dropped())
}

func TestBuffer_BlockWaitsForSpace(t *testing.T) {
	buf := New(1, WithOverflowPolicy[int](Block))
	ctx := context.Background()
	require.NoError(t, buf.Push(ctx, 1))

	done := make(chan error, 1)
	go func() { done <- buf.Push(ctx, 2) }()

	select {
	case <-done:
		t.Fatal("push should block while the buffer is full")
	case <-time.After(30 * time.Millisecond):
	}

	got, err := buf.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	require.NoError(t, <-done)
	got, err = buf.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
	assert.Zero(t, buf.Dropped())
}

func TestBuffer_BlockHonoursContext(t *testing.T) {
	buf := New(1, WithOverflowPolicy[int](Block))
	require.NoError(t, buf.Push(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := buf.Push(ctx, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuffer_PopWaitsAndCancels(t *testing.T) {
	buf := New[int](4)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = buf.Push(context.Background(), 7)
	}()
	got, err := buf.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = buf.Pop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuffer_CloseDrainsThenFails(t *testing.T) {
	buf := New[int](4)
	ctx := context.Background()
	require.NoError(t, buf.Push(ctx, 1))

	buf.Close()
	buf.Close()

	assert.ErrorIs(t, buf.Push(ctx, 2), ErrClosed)

	got, err := buf.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	_, err = buf.Pop(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, errors.KindConnectionClosed, errors.KindOf(err))
}

func TestBuffer_CloseWakesWaiters(t *testing.T) {
	buf := New[int](1)
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := buf.Pop(context.Background())
			errs <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)
	buf.Close()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrClosed)
	}
}

func TestBuffer_ConcurrentProducerConsumer(t *testing.T) {
	buf := New(8, WithOverflowPolicy[int](Block))
	ctx := context.Background()
	const n = 500

	go func() {
		for i := 0; i < n; i++ {
			_ = buf.Push(ctx, i)
		}
	}()

	for i := 0; i < n; i++ {
		got, err := buf.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, i, got, "order must be preserved")
	}

	stats := buf.Stats()
	assert.Equal(t, uint64(n), stats.Pushed)
	assert.Equal(t, uint64(n), stats.Popped)
	assert.LessOrEqual(t, stats.MaxLen, 8)
}

func TestBuffer_DropMetrics(t *testing.T) {
	m := metric.NewMetricsRegistry().CoreMetrics()
	buf := New(1, WithMetrics[int](m, "bus"))
	ctx := context.Background()

	require.NoError(t, buf.Push(ctx, 1))
	require.NoError(t, buf.Push(ctx, 2))
	require.NoError(t, buf.Push(ctx, 3))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SubscriptionDropped.WithLabelValues("bus")))
}

func TestParseOverflowPolicy(t *testing.T) {
	tests := []struct {
		in   string
		want OverflowPolicy
		ok   bool
	}{
		{"", DropOldest, true},
		{"drop_oldest", DropOldest, true},
		{"drop_newest", DropNewest, true},
		{"block", Block, true},
		{"stall", DropOldest, false},
	}
	for _, tt := range tests {
		got, ok := ParseOverflowPolicy(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
	assert.Equal(t, "block", Block.String())
}
