package testutil

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/qollective/errors"
)

func TestSubjectMatches(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"a.b", "a.b", true},
		{"a.*", "a.b", true},
		{"a.*", "a.b.c", false},
		{"a.>", "a.b.c", true},
		{"a.>", "a", false},
		{"a.b", "a.c", false},
		{"*.b", "a.b", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SubjectMatches(tt.pattern, tt.subject), "%s vs %s", tt.pattern, tt.subject)
	}
}

func TestMockNATSClient_RequestReply(t *testing.T) {
	ctx := context.Background()
	conn := NewMockNATSClient()
	defer conn.Close()

	unsub, err := conn.Subscribe("svc.echo", "", func(m *nats.Msg) {
		_ = conn.Publish(ctx, m.Reply, m.Data)
	})
	require.NoError(t, err)
	defer func() { _ = unsub() }()

	reply, err := conn.Request(ctx, "svc.echo", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(reply.Data))
}

func TestMockNATSClient_NoRespondersAndTimeout(t *testing.T) {
	conn := NewMockNATSClient()
	defer conn.Close()

	_, err := conn.Request(context.Background(), "nobody", nil)
	assert.Equal(t, errors.KindNoResponders, errors.KindOf(err))

	_, err = conn.Subscribe("silent", "", func(*nats.Msg) {})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = conn.Request(ctx, "silent", nil)
	assert.Equal(t, errors.KindTimeout, errors.KindOf(err))
}

func TestMockNATSClient_QueueGroup(t *testing.T) {
	conn := NewMockNATSClient()
	defer conn.Close()

	var a, b atomic.Int32
	_, err := conn.Subscribe("jobs", "workers", func(*nats.Msg) { a.Add(1) })
	require.NoError(t, err)
	_, err = conn.Subscribe("jobs", "workers", func(*nats.Msg) { b.Add(1) })
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, conn.Publish(context.Background(), "jobs", nil))
	}
	require.Eventually(t, func() bool { return a.Load()+b.Load() == 10 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(5), a.Load())
	assert.Equal(t, int32(5), b.Load())
}

func TestMockNATSClient_Closed(t *testing.T) {
	conn := NewMockNATSClient()
	require.NoError(t, conn.Close())

	err := conn.Publish(context.Background(), "a", nil)
	assert.Equal(t, errors.KindConnectionClosed, errors.KindOf(err))
	assert.True(t, conn.IsClosed())
}

func TestMockKVStore(t *testing.T) {
	ctx := context.Background()
	kv := NewMockKVStore()

	rev, err := kv.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	entry, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(entry.Value))

	require.NoError(t, kv.Delete(ctx, "a"))
	_, err = kv.Get(ctx, "a")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}
