package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/metric"
	"github.com/c360/qollective/testutil"
	"github.com/c360/qollective/transport"
)

type echoRequest struct {
	Message string `json:"message"`
	ID      int    `json:"id"`
}

type echoReply struct {
	Result string `json:"result"`
	Status int    `json:"status"`
}

func newResponder(t *testing.T, c *Client) *Responder {
	t.Helper()
	r := NewResponder(c)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(time.Second) })
	return r
}

func TestEnvelopeRoundTrip_PropagatesMeta(t *testing.T) {
	conn := testutil.NewMockNATSClient()
	client := New(conn)
	responder := newResponder(t, client)

	require.NoError(t, responder.Handle("test.echo", "", Typed(
		func(_ context.Context, req envelope.Envelope[echoRequest]) (echoReply, error) {
			return echoReply{Result: "echo: " + req.Payload.Message, Status: 200}, nil
		})))

	meta := envelope.NewMeta()
	meta.Tenant = "t1"
	meta.Tracing = envelope.NewTracing("echo")
	req := envelope.New(meta, echoRequest{Message: "hello", ID: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := RequestAs[echoRequest, echoReply](ctx, client, "test.echo", req)
	require.NoError(t, err)

	assert.Equal(t, "t1", reply.Meta.Tenant)
	assert.Equal(t, meta.RequestID, reply.Meta.RequestID)
	assert.Equal(t, meta.TraceID(), reply.Meta.TraceID())
	assert.Equal(t, echoReply{Result: "echo: hello", Status: 200}, reply.Payload)
}

func TestRawRoundTripThroughRouter(t *testing.T) {
	conn := testutil.NewMockNATSClient()
	client := New(conn)
	responder := newResponder(t, client)

	require.NoError(t, responder.HandleRaw("test.echo", "", func(_ context.Context, _ string, data []byte) ([]byte, error) {
		return json.Marshal(echoReply{Result: "echo: " + string(data), Status: 200})
	}))

	router, err := transport.NewBuilder().WithBus(client).Build()
	require.NoError(t, err)

	reply, err := transport.Call[echoRequest, echoReply](context.Background(), router,
		"nats://localhost:4222/test.echo?timeout=1s", echoRequest{Message: "hello", ID: 1})
	require.NoError(t, err)
	assert.Equal(t, 200, reply.Status)
	assert.Equal(t, `echo: {"message":"hello","id":1}`, reply.Result)
}

func TestRequest_NoResponders(t *testing.T) {
	client := New(testutil.NewMockNATSClient())

	_, err := client.RequestEnvelope(context.Background(), "nobody.home", envelope.Raw{Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, errors.ErrNoResponders)
}

func TestRequest_Timeout(t *testing.T) {
	conn := testutil.NewMockNATSClient()
	unsub, err := conn.Subscribe("slow", "", func(*nats.Msg) {})
	require.NoError(t, err)
	defer func() { _ = unsub() }()

	client := New(conn, WithConfig(Config{RequestTimeout: 50 * time.Millisecond}))
	start := time.Now()
	_, err = client.Request(context.Background(), "slow", []byte("x"))
	assert.Equal(t, errors.KindTimeout, errors.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestHandlerError_BecomesErrorReply(t *testing.T) {
	conn := testutil.NewMockNATSClient()
	client := New(conn)
	responder := newResponder(t, client)
	require.NoError(t, responder.Handle("lookup", "", func(context.Context, envelope.Raw) (any, error) {
		return nil, errors.New(errors.KindNotFound, "lookup", "no such agent")
	}))

	meta := envelope.NewMeta()
	meta.Tenant = "t9"
	_, err := RequestAs[struct{}, struct{}](context.Background(), client, "lookup", envelope.New(meta, struct{}{}))
	assert.ErrorIs(t, err, errors.ErrNotFound)

	reply, err := client.RequestEnvelope(context.Background(), "lookup", envelope.Raw{Meta: meta, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.True(t, reply.HasError())
	assert.Equal(t, "not_found", reply.Error.Code)
	assert.Equal(t, meta.RequestID, reply.Meta.RequestID)
	assert.Equal(t, "t9", reply.Meta.Tenant)
}

func TestUndecodableRequest_GetsDeserializationError(t *testing.T) {
	conn := testutil.NewMockNATSClient()
	client := New(conn)
	responder := newResponder(t, client)
	require.NoError(t, responder.Handle("strict", "", func(context.Context, envelope.Raw) (any, error) {
		return "unreachable", nil
	}))

	data, err := client.Request(context.Background(), "strict", []byte("not json"))
	require.NoError(t, err)
	reply, err := envelope.Decode[json.RawMessage](data)
	require.NoError(t, err)
	require.NotNil(t, reply.Error)
	assert.Equal(t, "deserialization", reply.Error.Code)
}

func TestTypedHandler_RejectsMismatchedPayload(t *testing.T) {
	conn := testutil.NewMockNATSClient()
	client := New(conn)
	responder := newResponder(t, client)
	require.NoError(t, responder.Handle("typed", "", Typed(
		func(_ context.Context, req envelope.Envelope[echoRequest]) (int, error) { return req.Payload.ID, nil })))

	reply, err := client.RequestEnvelope(context.Background(), "typed",
		envelope.Raw{Meta: envelope.NewMeta(), Payload: json.RawMessage(`{"id":"one"}`)})
	require.NoError(t, err)
	require.NotNil(t, reply.Error)
	assert.Equal(t, "deserialization", reply.Error.Code)
}

func TestQueueGroup_SplitsDeliveries(t *testing.T) {
	conn := testutil.NewMockNATSClient()
	client := New(conn)

	var a, b atomic.Int32
	for _, counter := range []*atomic.Int32{&a, &b} {
		env := transport.Endpoint{Target: "work", Mode: transport.ModeEnvelope}
		unsub, err := client.SubscribeEnvelopes(env, "workers", func(context.Context, envelope.Raw) {
			counter.Add(1)
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = unsub() })
	}

	for i := 0; i < 10; i++ {
		env := envelope.Raw{Meta: envelope.NewMeta(), Payload: json.RawMessage(fmt.Sprint(i))}
		require.NoError(t, client.PublishEnvelope(context.Background(), "work", env))
	}

	assert.Eventually(t, func() bool { return a.Load()+b.Load() == 10 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(5), a.Load())
	assert.Equal(t, int32(5), b.Load())
}

func TestSubscription_OrderAndUnsubscribe(t *testing.T) {
	conn := testutil.NewMockNATSClient()
	client := New(conn)

	sub, err := client.Subscribe("events.>", "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, client.Publish(context.Background(), fmt.Sprintf("events.%d", i), []byte{byte('a' + i)}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		msg, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("events.%d", i), msg.Subject)
		assert.Equal(t, []byte{byte('a' + i)}, msg.Data)
	}

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, conn.SubscriptionCount())

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, errors.ErrConnectionClosed)
}

func TestSubscription_NextHonoursContext(t *testing.T) {
	client := New(testutil.NewMockNATSClient())
	sub, err := client.Subscribe("quiet", "")
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.Equal(t, errors.KindTimeout, errors.KindOf(err))
}

func TestSubscription_DropOldestOnOverflow(t *testing.T) {
	conn := testutil.NewMockNATSClient()
	m := metric.NewMetrics()
	client := New(conn, WithConfig(Config{BufferSize: 2, Overflow: "drop_oldest"}), WithMetrics(m))

	sub, err := client.Subscribe("burst", "")
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	for i := 0; i < 5; i++ {
		require.NoError(t, client.Publish(context.Background(), "burst", []byte{byte('0' + i)}))
	}
	require.Eventually(t, func() bool { return sub.Dropped() == 3 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	first, err := sub.Next(ctx)
	require.NoError(t, err)
	second, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3", string(first.Data))
	assert.Equal(t, "4", string(second.Data))
	assert.Equal(t, 3.0, promtest.ToFloat64(m.SubscriptionDropped.WithLabelValues("nats")))
}

func TestSubscription_Channel(t *testing.T) {
	client := New(testutil.NewMockNATSClient())
	sub, err := client.Subscribe("ticks", "")
	require.NoError(t, err)

	require.NoError(t, client.Publish(context.Background(), "ticks", []byte("1")))
	select {
	case msg := <-sub.C():
		assert.Equal(t, "1", string(msg.Data))
	case <-time.After(time.Second):
		t.Fatal("no message on channel")
	}

	require.NoError(t, sub.Unsubscribe())
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.C():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestMetrics_RecordTraffic(t *testing.T) {
	conn := testutil.NewMockNATSClient()
	m := metric.NewMetrics()
	client := New(conn, WithMetrics(m))

	_, err := client.Request(context.Background(), "missing", nil)
	require.Error(t, err)
	require.NoError(t, client.Publish(context.Background(), "x", []byte("1")))

	assert.Equal(t, 1.0, promtest.ToFloat64(m.ErrorsTotal.WithLabelValues("nats", "no_responders")))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.MessagesSent.WithLabelValues("nats", "raw")))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Overflow: "sometimes"}.Validate())
	assert.Error(t, Config{RequestTimeout: -time.Second}.Validate())
	assert.Equal(t, errors.KindConfig, errors.KindOf(Config{BufferSize: -1}.Validate()))
}
