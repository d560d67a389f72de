package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/metric"
	"github.com/c360/qollective/pkg/retry"
	"github.com/c360/qollective/testutil"
	"github.com/c360/qollective/transport/bus"
)

type order struct {
	ID  string `json:"id"`
	Qty int    `json:"qty"`
}

func orderHandler(_ context.Context, req envelope.Raw) (any, error) {
	in, err := envelope.Convert[order](req)
	if err != nil {
		return nil, err
	}
	if in.Payload.ID == "missing" {
		return nil, errors.New(errors.KindNotFound, "orders", "order does not exist")
	}
	return map[string]any{"id": in.Payload.ID, "total": in.Payload.Qty * 10, "tenant": req.Meta.Tenant}, nil
}

func post(t *testing.T, h http.Handler, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func encodeEnvelope(t *testing.T, meta envelope.Meta, payload any) []byte {
	t.Helper()
	raw, err := envelope.ToRaw(envelope.New(meta, payload))
	require.NoError(t, err)
	data, err := envelope.Encode(raw)
	require.NoError(t, err)
	return data
}

func TestServer_EnvelopeEndpoint(t *testing.T) {
	srv, err := NewServer(ServerConfig{MaxRequestSize: 1024}, WithEnvelopeHandler(orderHandler))
	require.NoError(t, err)
	h := srv.Handler()

	meta := envelope.NewMeta()
	meta.Tenant = "acme"
	meta.Tracing = envelope.NewTracing("orders.price")

	rec := post(t, h, "/envelope", encodeEnvelope(t, meta, order{ID: "o-1", Qty: 3}), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	reply, err := envelope.Decode[json.RawMessage](rec.Body.Bytes())
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"o-1","total":30,"tenant":"acme"}`, string(reply.Payload))
	assert.Equal(t, meta.RequestID, reply.Meta.RequestID)
	assert.Equal(t, meta.TraceID(), reply.Meta.TraceID())

	rec = post(t, h, "/envelope", encodeEnvelope(t, meta, order{ID: "missing"}), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", gjson.Get(rec.Body.String(), "error.code").String())
	assert.Equal(t, meta.RequestID, gjson.Get(rec.Body.String(), "meta.request_id").String())

	rec = post(t, h, "/envelope", []byte(`[1,2]`), map[string]string{HeaderRequestID: "req-42"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "deserialization", gjson.Get(rec.Body.String(), "error.code").String())
	assert.Equal(t, "req-42", gjson.Get(rec.Body.String(), "meta.request_id").String())
	assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))

	rec = post(t, h, "/envelope", bytes.Repeat([]byte("x"), 2048), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestServer_EnvelopeTenantFromHeader(t *testing.T) {
	srv, err := NewServer(ServerConfig{}, WithEnvelopeHandler(orderHandler))
	require.NoError(t, err)

	rec := post(t, srv.Handler(), "/envelope", []byte(`{"meta":{},"payload":{"id":"o-2","qty":1}}`),
		map[string]string{HeaderTenant: "globex"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "globex", gjson.Get(rec.Body.String(), "payload.tenant").String())
	assert.NotEmpty(t, gjson.Get(rec.Body.String(), "meta.request_id").String())
}

func TestServer_PayloadSchema(t *testing.T) {
	schema, err := envelope.NewSchemaValidator([]byte(`{
		"type": "object",
		"required": ["id", "qty"],
		"properties": {"qty": {"type": "integer", "minimum": 1}}
	}`))
	require.NoError(t, err)
	srv, err := NewServer(ServerConfig{}, WithEnvelopeHandler(orderHandler), WithPayloadSchema(schema))
	require.NoError(t, err)

	rec := post(t, srv.Handler(), "/envelope", encodeEnvelope(t, envelope.NewMeta(), map[string]any{"id": "o-1", "qty": 0}), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", gjson.Get(rec.Body.String(), "error.code").String())

	rec = post(t, srv.Handler(), "/envelope", encodeEnvelope(t, envelope.NewMeta(), order{ID: "o-1", Qty: 2}), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ClientRoundTrip(t *testing.T) {
	srv, err := NewServer(ServerConfig{}, WithEnvelopeHandler(orderHandler))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cfg := DefaultClientConfig()
	cfg.Retry = retry.Linear(2, time.Millisecond)
	c, err := NewClient(cfg)
	require.NoError(t, err)

	meta := envelope.NewMeta()
	meta.Tenant = "acme"
	raw, err := envelope.ToRaw(envelope.New(meta, order{ID: "o-9", Qty: 1}))
	require.NoError(t, err)
	reply, err := c.SendEnvelope(context.Background(), mustEndpoint(t, "qollective-"+ts.URL+"/envelope"), raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"o-9","total":10,"tenant":"acme"}`, string(reply.Payload))

	raw, err = envelope.ToRaw(envelope.New(meta, order{ID: "missing"}))
	require.NoError(t, err)
	_, err = c.SendEnvelope(context.Background(), mustEndpoint(t, "qollective-"+ts.URL+"/envelope"), raw)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Contains(t, err.Error(), "order does not exist")
}

func startBridge(t *testing.T, routes []RouteMapping) http.Handler {
	t.Helper()
	conn := testutil.NewMockNATSClient()
	client := bus.New(conn)
	responder := bus.NewResponder(client)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, responder.Start(ctx))
	t.Cleanup(func() {
		_ = responder.Stop(time.Second)
		cancel()
	})

	require.NoError(t, responder.Handle("orders.get", "", func(_ context.Context, req envelope.Raw) (any, error) {
		id, _ := req.Meta.Context["path.id"].(string)
		if id == "gone" {
			return nil, errors.New(errors.KindNotFound, "orders.get", "no such order")
		}
		return map[string]any{"id": id, "tenant": req.Meta.Tenant}, nil
	}))
	require.NoError(t, responder.Handle("orders.create", "", func(_ context.Context, req envelope.Raw) (any, error) {
		return json.RawMessage(req.Payload), nil
	}))

	srv, err := NewServer(ServerConfig{Routes: routes}, WithBridge(client))
	require.NoError(t, err)
	return srv.Handler()
}

func TestServer_BusBridge(t *testing.T) {
	h := startBridge(t, []RouteMapping{
		{Path: "/orders/{id}", Method: http.MethodGet, Subject: "orders.get"},
		{Path: "/orders", Method: http.MethodPost, Subject: "orders.create"},
		{Path: "/inventory", Method: http.MethodGet, Subject: "inventory.get", Timeout: 200 * time.Millisecond},
	})

	req := httptest.NewRequest(http.MethodGet, "/orders/o-7", nil)
	req.Header.Set(HeaderTenant, "acme")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"o-7","tenant":"acme"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/gone", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, gjson.Get(rec.Body.String(), "error").String(), "no such order")

	meta := envelope.NewMeta()
	rec = post(t, h, "/orders", encodeEnvelope(t, meta, order{ID: "o-8", Qty: 2}), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, meta.RequestID, gjson.Get(rec.Body.String(), "meta.request_id").String())
	assert.Equal(t, "o-8", gjson.Get(rec.Body.String(), "payload.id").String())

	rec = post(t, h, "/orders", []byte(`{"id":"o-9"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"o-9"}`, rec.Body.String())

	rec = post(t, h, "/orders", []byte(`not json`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/inventory", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "service temporarily unavailable", gjson.Get(rec.Body.String(), "error").String())
	assert.NotContains(t, rec.Body.String(), "inventory.get")
}

func TestServer_RateLimitPerTenant(t *testing.T) {
	srv, err := NewServer(ServerConfig{RateLimit: RateLimitConfig{Enabled: true, RPS: 0.001, Burst: 2}},
		WithEnvelopeHandler(orderHandler))
	require.NoError(t, err)
	h := srv.Handler()
	body := encodeEnvelope(t, envelope.NewMeta(), order{ID: "o-1", Qty: 1})

	for i := 0; i < 2; i++ {
		rec := post(t, h, "/envelope", body, map[string]string{HeaderTenant: "acme"})
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}
	rec := post(t, h, "/envelope", body, map[string]string{HeaderTenant: "acme"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = post(t, h, "/envelope", body, map[string]string{HeaderTenant: "globex"})
	assert.Equal(t, http.StatusOK, rec.Code)

	health := httptest.NewRecorder()
	h.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestTenantLimiter_Prune(t *testing.T) {
	l := newTenantLimiter(1, 1)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	now = now.Add(time.Minute)
	assert.True(t, l.allow("b"))
	now = now.Add(30 * time.Second)

	assert.Equal(t, 1, l.prune(time.Minute))
	assert.Len(t, l.limiters, 1)
	assert.Contains(t, l.limiters, "b")
}

func TestServer_CORS(t *testing.T) {
	srv, err := NewServer(ServerConfig{EnableCORS: true, CORSOrigins: []string{"https://app.example.com"}},
		WithEnvelopeHandler(orderHandler))
	require.NoError(t, err)
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/envelope", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	_, err = NewServer(ServerConfig{EnableCORS: true})
	assert.ErrorIs(t, err, errors.ErrConfig)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	healthy := true
	reg := metric.NewMetricsRegistry()
	srv, err := NewServer(ServerConfig{},
		WithEnvelopeHandler(orderHandler),
		WithMetricsRegistry(reg),
		WithHealthCheck(func(context.Context) error {
			if healthy {
				return nil
			}
			return fmt.Errorf("nats disconnected")
		}))
	require.NoError(t, err)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", gjson.Get(rec.Body.String(), "status").String())

	healthy = false
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	post(t, h, "/envelope", encodeEnvelope(t, envelope.NewMeta(), order{ID: "o-1", Qty: 1}), nil)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `qollective_transport_messages_received_total{mode="envelope",transport="http"} 1`)
}

func TestServer_RunAndShutdown(t *testing.T) {
	srv, err := NewServer(ServerConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_RoutesRequireBridge(t *testing.T) {
	_, err := NewServer(ServerConfig{Routes: []RouteMapping{{Path: "/x", Method: http.MethodGet, Subject: "x"}}})
	assert.ErrorIs(t, err, errors.ErrConfig)

	_, err = NewServer(ServerConfig{Routes: []RouteMapping{{Path: "/x", Method: "TRACE", Subject: "x"}}}, WithBridge(nil))
	assert.ErrorIs(t, err, errors.ErrConfig)
	assert.True(t, strings.Contains(err.Error(), "route 0"))
}

func TestStatusForKind(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusForKind(errors.KindValidation))
	assert.Equal(t, http.StatusNotFound, statusForKind(errors.KindNotFound))
	assert.Equal(t, http.StatusGatewayTimeout, statusForKind(errors.KindTimeout))
	assert.Equal(t, http.StatusTooManyRequests, statusForKind(errors.KindCapacity))
	assert.Equal(t, http.StatusServiceUnavailable, statusForKind(errors.KindNoResponders))
	assert.Equal(t, http.StatusInternalServerError, statusForKind(errors.KindConfig))
	assert.Equal(t, http.StatusInternalServerError, statusForKind(errors.KindUnknown))
}
