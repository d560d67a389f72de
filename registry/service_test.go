package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/metric"
	"github.com/c360/qollective/natsclient"
	"github.com/c360/qollective/testutil"
	"github.com/c360/qollective/transport/bus"
)

type harness struct {
	svc    *Service
	conn   *testutil.MockNATSClient
	client *bus.Client
	events *bus.Subscription
}

func newHarness(t *testing.T, cfg Config, setup func(*Service), opts ...ServiceOption) *harness {
	t.Helper()
	conn := testutil.NewMockNATSClient()
	client := bus.New(conn)
	svc, err := NewService(client, cfg, opts...)
	require.NoError(t, err)
	if setup != nil {
		setup(svc)
	}

	events, err := client.Subscribe(svc.Subjects().Events, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Unsubscribe() })

	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(time.Second) })
	return &harness{svc: svc, conn: conn, client: client, events: events}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (h *harness) register(t *testing.T, info AgentInfo) RegistrationAck {
	t.Helper()
	reply, err := bus.RequestAs[AgentInfo, RegistrationAck](testCtx(t), h.client,
		h.svc.Subjects().Registration, envelope.New(envelope.NewMeta(), info))
	require.NoError(t, err)
	return reply.Payload
}

func (h *harness) heartbeat(t *testing.T, hb Heartbeat) (HeartbeatAck, error) {
	t.Helper()
	reply, err := bus.RequestAs[Heartbeat, HeartbeatAck](testCtx(t), h.client,
		h.svc.Subjects().Heartbeat, envelope.New(envelope.NewMeta(), hb))
	return reply.Payload, err
}

func (h *harness) nextEvent(t *testing.T) Event {
	t.Helper()
	msg, err := h.events.Next(testCtx(t))
	require.NoError(t, err)
	raw, err := msg.Envelope()
	require.NoError(t, err)
	ev, err := envelope.Convert[Event](raw)
	require.NoError(t, err)
	return ev.Payload
}

func TestService_DiscoveryTenantFromMeta(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.register(t, AgentInfo{ID: "acme-1", Tenant: "acme", Capabilities: []string{"logic"}})
	h.register(t, AgentInfo{ID: "acme-2", Tenant: "acme", Capabilities: []string{"logic"}})
	h.register(t, AgentInfo{ID: "globex-1", Tenant: "globex", Capabilities: []string{"logic"}})

	discover := func(tenant string, q Query) []AgentInfo {
		meta := envelope.NewMeta()
		meta.Tenant = tenant
		reply, err := bus.RequestAs[Query, []AgentInfo](testCtx(t), h.client,
			h.svc.Subjects().Discovery, envelope.New(meta, q))
		require.NoError(t, err)
		return reply.Payload
	}

	assert.Equal(t, []string{"acme-1", "acme-2"}, ids(discover("acme", Query{Capability: "logic"})))
	assert.Equal(t, []string{"globex-1"}, ids(discover("globex", Query{})))
	// An explicit query tenant wins over meta.
	assert.Equal(t, []string{"globex-1"}, ids(discover("acme", Query{Tenant: "globex"})))
	assert.Len(t, discover("", Query{Capability: "logic"}), 3)
}

func TestService_RegistrationAndDiscovery(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	ack := h.register(t, AgentInfo{ID: "agent-a", Name: "Data", Capabilities: []string{"tactical-analysis", "logic"}})
	assert.True(t, ack.Joined)
	ack = h.register(t, AgentInfo{ID: "agent-b", Name: "Spock", Capabilities: []string{"logic"}})
	assert.True(t, ack.Joined)

	first, second := h.nextEvent(t), h.nextEvent(t)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, "agent-a", first.AgentID)
	assert.Equal(t, EventJoined, first.Type)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, "agent-b", second.AgentID)

	discover := func(q Query) []AgentInfo {
		reply, err := bus.RequestAs[Query, []AgentInfo](testCtx(t), h.client,
			h.svc.Subjects().Discovery, envelope.New(envelope.NewMeta(), q))
		require.NoError(t, err)
		return reply.Payload
	}
	assert.Equal(t, []string{"agent-a", "agent-b"}, ids(discover(Query{Capability: "logic"})))
	assert.Equal(t, []string{"agent-a"}, ids(discover(Query{Capability: "tactical-analysis"})))

	raw, err := envelope.ToRaw(envelope.New(envelope.NewMeta(), Query{Capability: "warp"}))
	require.NoError(t, err)
	reply, err := h.client.RequestEnvelope(testCtx(t), h.svc.Subjects().Discovery, raw)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(reply.Payload))

	caps, err := bus.RequestAs[CapabilitiesQuery, CapabilitiesReply](testCtx(t), h.client,
		h.svc.Subjects().Capabilities, envelope.New(envelope.NewMeta(), CapabilitiesQuery{ID: "agent-a"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"logic", "tactical-analysis"}, caps.Payload.Capabilities)

	_, err = bus.RequestAs[CapabilitiesQuery, CapabilitiesReply](testCtx(t), h.client,
		h.svc.Subjects().Capabilities, envelope.New(envelope.NewMeta(), CapabilitiesQuery{ID: "nobody"}))
	assert.ErrorIs(t, err, errors.ErrNotFound)

	dereg, err := bus.RequestAs[Deregistration, DeregistrationAck](testCtx(t), h.client,
		h.svc.Subjects().Deregistration, envelope.New(envelope.NewMeta(), Deregistration{ID: "agent-b"}))
	require.NoError(t, err)
	assert.True(t, dereg.Payload.Removed)

	left := h.nextEvent(t)
	assert.Equal(t, uint64(3), left.Seq)
	assert.Equal(t, EventLeft, left.Type)
	assert.Equal(t, ReasonDeregistered, left.Reason)
	assert.Equal(t, uint64(3), h.svc.Seq())
}

func TestService_TenantFromMeta(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	meta := envelope.NewMeta()
	meta.Tenant = "acme"
	_, err := bus.RequestAs[AgentInfo, RegistrationAck](testCtx(t), h.client,
		h.svc.Subjects().Registration, envelope.New(meta, AgentInfo{ID: "a"}))
	require.NoError(t, err)

	info, ok := h.svc.Registry().Get("a")
	require.True(t, ok)
	assert.Equal(t, "acme", info.Tenant)

	ev := h.nextEvent(t)
	require.NotNil(t, ev.Agent)
	assert.Equal(t, "acme", ev.Agent.Tenant)
}

func TestService_TTLEviction(t *testing.T) {
	clock := newFakeClock()
	cfg := Config{TTL: 200 * time.Millisecond, CleanupInterval: 200 * time.Millisecond}
	h := newHarness(t, cfg, func(s *Service) { s.reg.now = clock.Now })

	h.register(t, AgentInfo{ID: "agent-c", Name: "C"})
	assert.Equal(t, EventJoined, h.nextEvent(t).Type)
	_, err := h.heartbeat(t, Heartbeat{ID: "agent-c", Timestamp: clock.Now()})
	require.NoError(t, err)

	ctx := testCtx(t)
	clock.Advance(100 * time.Millisecond)
	h.svc.reap(ctx)
	info, ok := h.svc.Registry().Get("agent-c")
	require.True(t, ok)
	assert.Equal(t, Healthy, info.Health)

	clock.Advance(50 * time.Millisecond)
	h.svc.reap(ctx)
	info, _ = h.svc.Registry().Get("agent-c")
	assert.Equal(t, Degraded, info.Health)
	changed := h.nextEvent(t)
	assert.Equal(t, EventHealthChanged, changed.Type)
	assert.Equal(t, Degraded, changed.Health)

	clock.Advance(100 * time.Millisecond)
	h.svc.reap(ctx)
	_, ok = h.svc.Registry().Get("agent-c")
	assert.False(t, ok)
	left := h.nextEvent(t)
	assert.Equal(t, EventLeft, left.Type)
	assert.Equal(t, ReasonExpired, left.Reason)
	assert.Equal(t, "agent-c", left.AgentID)
}

func TestService_ReaperRunsOnInterval(t *testing.T) {
	m := metric.NewMetrics()
	h := newHarness(t, Config{TTL: 80 * time.Millisecond, CleanupInterval: 10 * time.Millisecond}, nil, WithMetrics(m))

	h.register(t, AgentInfo{ID: "quiet"})
	assert.Eventually(t, func() bool {
		_, ok := h.svc.Registry().Get("quiet")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, EventJoined, h.nextEvent(t).Type)
	assert.Equal(t, EventHealthChanged, h.nextEvent(t).Type)
	assert.Equal(t, EventLeft, h.nextEvent(t).Type)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.RegistryEvictions))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.RegistryAgents))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.RegistryEvents.WithLabelValues(string(EventLeft))))
}

func TestService_UnknownHeartbeat(t *testing.T) {
	t.Run("ignored by default", func(t *testing.T) {
		h := newHarness(t, Config{}, nil)
		ack, err := h.heartbeat(t, Heartbeat{ID: "ghost"})
		require.NoError(t, err)
		assert.False(t, ack.Known)
		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, h.conn.GetMessageCount(h.svc.Subjects().Reregister))
	})

	t.Run("re-registration requested", func(t *testing.T) {
		h := newHarness(t, Config{RequestReregistration: true}, nil)
		sub, err := h.client.Subscribe(h.svc.Subjects().Reregister, "")
		require.NoError(t, err)
		defer func() { _ = sub.Unsubscribe() }()

		ack, err := h.heartbeat(t, Heartbeat{ID: "ghost"})
		require.NoError(t, err)
		assert.False(t, ack.Known)

		msg, err := sub.Next(testCtx(t))
		require.NoError(t, err)
		raw, err := msg.Envelope()
		require.NoError(t, err)
		req, err := envelope.Convert[Reregistration](raw)
		require.NoError(t, err)
		assert.Equal(t, "ghost", req.Payload.ID)
	})
}

func TestService_CapabilityOverflowKeepsPriorState(t *testing.T) {
	h := newHarness(t, Config{MaxCapabilitiesPerAgent: 2}, nil)
	h.register(t, AgentInfo{ID: "a", Capabilities: []string{"chat"}})

	_, err := h.heartbeat(t, Heartbeat{ID: "a", Capabilities: []string{"chat", "logic", "plan"}})
	assert.ErrorIs(t, err, errors.ErrCapacity)
	caps, err := h.svc.Registry().Capabilities("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"chat"}, caps)

	_, err = bus.RequestAs[AgentInfo, RegistrationAck](testCtx(t), h.client, h.svc.Subjects().Registration,
		envelope.New(envelope.NewMeta(), AgentInfo{ID: "b", Capabilities: []string{"x", "y", "z"}}))
	assert.ErrorIs(t, err, errors.ErrCapacity)
	assert.Equal(t, 1, h.svc.Registry().Len())
}

func TestService_MalformedMessagesAreRejected(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	reply, err := h.client.Request(testCtx(t), h.svc.Subjects().Registration, []byte(`{not json`))
	require.NoError(t, err)
	env, err := envelope.Decode[json.RawMessage](reply)
	require.NoError(t, err)
	assert.ErrorIs(t, env.Err(), errors.ErrDeserialization)

	_, err = bus.RequestAs[AgentInfo, RegistrationAck](testCtx(t), h.client, h.svc.Subjects().Registration,
		envelope.New(envelope.NewMeta(), AgentInfo{Name: "no id"}))
	assert.ErrorIs(t, err, errors.ErrValidation)
	assert.Zero(t, h.svc.Registry().Len())
}

func TestService_LoggingForwarder(t *testing.T) {
	m := metric.NewMetrics()
	cfg := Config{EnableAgentLogging: true, LogQueueSize: 3}
	h := newHarness(t, cfg, nil, WithMetrics(m))
	logSubject := "qollective.agents.logs"

	for _, id := range []string{"w1", "w2", "w3", "w4"} {
		h.register(t, AgentInfo{ID: id, Capabilities: []string{"work"}})
	}
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.conn.GetMessageCount(logSubject), "nothing is forwarded without a logging agent")

	h.register(t, AgentInfo{ID: "scribe", Capabilities: []string{LoggingCapability}})
	testutil.WaitForMessageCount(t, h.conn, logSubject, 3, 2*time.Second)

	var seqs []uint64
	for _, data := range h.conn.GetMessages(logSubject) {
		env, err := envelope.Decode[Event](data)
		require.NoError(t, err)
		seqs = append(seqs, env.Payload.Seq)
	}
	assert.Equal(t, []uint64{3, 4, 5}, seqs, "oldest events are dropped while nobody listens")
	assert.Equal(t, 2.0, promtest.ToFloat64(m.SubscriptionDropped.WithLabelValues("registry")))

	h.register(t, AgentInfo{ID: "w5"})
	testutil.WaitForMessageCount(t, h.conn, logSubject, 4, 2*time.Second)
}

func TestService_KVMirror(t *testing.T) {
	kv := testutil.NewMockKVStore()
	h := newHarness(t, Config{}, nil, WithMirror(kv))
	ctx := testCtx(t)

	h.register(t, AgentInfo{ID: "a", Name: "first"})
	entry, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	var stored AgentInfo
	require.NoError(t, json.Unmarshal(entry.Value, &stored))
	assert.Equal(t, "first", stored.Name)
	assert.Equal(t, Healthy, stored.Health)

	h.register(t, AgentInfo{ID: "a", Name: "second"})
	entry, err = kv.Get(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(entry.Value, &stored))
	assert.Equal(t, "second", stored.Name)

	kv.FailPuts(errors.New(errors.KindTransport, "kv", "bucket offline"))
	ack := h.register(t, AgentInfo{ID: "b"})
	assert.True(t, ack.Joined, "mirror failures do not fail registration")
	kv.FailPuts(nil)

	_, err = bus.RequestAs[Deregistration, DeregistrationAck](ctx, h.client, h.svc.Subjects().Deregistration,
		envelope.New(envelope.NewMeta(), Deregistration{ID: "a"}))
	require.NoError(t, err)
	_, err = kv.Get(ctx, "a")
	assert.ErrorIs(t, err, natsclient.ErrKVKeyNotFound)
}

func TestService_Lifecycle(t *testing.T) {
	_, err := NewService(nil, Config{})
	assert.ErrorIs(t, err, errors.ErrConfig)

	_, err = NewService(bus.New(testutil.NewMockNATSClient()), Config{Prefix: "bad prefix"})
	assert.ErrorIs(t, err, errors.ErrConfig)

	conn := testutil.NewMockNATSClient()
	svc, err := NewService(bus.New(conn), Config{})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	assert.Error(t, svc.Start(context.Background()))
	assert.Equal(t, 5, conn.SubscriptionCount())

	require.NoError(t, svc.Stop(time.Second))
	require.NoError(t, svc.Stop(time.Second))
	assert.Zero(t, conn.SubscriptionCount())
}
