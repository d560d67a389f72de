package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/pkg/tlsutil"
	"github.com/c360/qollective/testutil"
	"github.com/c360/qollective/transport"
)

type greeting struct {
	Name string `json:"name"`
}

func greetHandler(_ context.Context, req envelope.Raw) (any, error) {
	in, err := envelope.Convert[greeting](req)
	if err != nil {
		return nil, err
	}
	return map[string]string{"greeting": "hello " + in.Payload.Name, "tenant": req.Meta.Tenant}, nil
}

func startWebSocketServer(t *testing.T, cfg Config, inspect func(*http.Request)) (*Server, string) {
	t.Helper()
	srv, err := NewServer(cfg, greetHandler)
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inspect != nil {
			inspect(r)
		}
		srv.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"
}

func TestWebSocket_RoundTripWithSubprotocolAndHeaders(t *testing.T) {
	headers := make(chan http.Header, 1)
	_, url := startWebSocketServer(t, Config{PingTimeout: -1}, func(r *http.Request) {
		headers <- r.Header.Clone()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := DialWebSocket(ctx, url, Config{
		PingTimeout: -1,
		Headers:     map[string]string{"X-Api-Key": "k-123"},
	})
	require.NoError(t, err)
	defer sess.Close()

	h := <-headers
	assert.Equal(t, "k-123", h.Get("X-Api-Key"))
	assert.Equal(t, DefaultSubprotocol, h.Get("Sec-Websocket-Protocol"))
	assert.Equal(t, DefaultSubprotocol, sess.conn.(*wsConn).Subprotocol())

	meta := envelope.NewMeta()
	meta.Tenant = "acme"
	req, err := envelope.ToRaw(envelope.New(meta, greeting{Name: "ada"}))
	require.NoError(t, err)

	reply, err := sess.Request(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, meta.RequestID, reply.Meta.RequestID)
	assert.JSONEq(t, `{"greeting":"hello ada","tenant":"acme"}`, string(reply.Payload))
}

func TestWebSocket_RejectsDisallowedOrigin(t *testing.T) {
	_, url := startWebSocketServer(t, Config{PingTimeout: -1, AllowedOrigins: []string{"https://app.example"}}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := DialWebSocket(ctx, url, Config{PingTimeout: -1, Headers: map[string]string{"Origin": "https://evil.example"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTransport)
}

func TestWebSocket_UntrustedCertificateIsTLSError(t *testing.T) {
	srv, err := NewServer(Config{PingTimeout: -1}, greetHandler)
	require.NoError(t, err)
	ts := httptest.NewTLSServer(srv)
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})

	pki := testutil.NewPKI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = DialWebSocket(ctx, "wss"+strings.TrimPrefix(ts.URL, "https"), Config{
		PingTimeout: -1,
		TLS:         tlsutil.Config{Enabled: true, VerifyMode: tlsutil.CustomCA, CAPath: pki.CAPath},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTLS)
}

func TestWebSocketClient_ThroughRouter(t *testing.T) {
	_, url := startWebSocketServer(t, Config{PingTimeout: -1}, nil)

	client, err := NewWebSocketClient(context.Background(), Config{PingTimeout: -1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	router, err := transport.NewBuilder().WithWebSocket(client).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := router.Send(ctx, url, json.RawMessage(`{"name":"grace"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"greeting":"hello grace","tenant":""}`, string(out))

	// A second call reuses the pooled session.
	_, err = router.Send(ctx, url, json.RawMessage(`{"name":"linus"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, client.Sessions())

	_, err = router.Send(ctx, url, json.RawMessage(`[1,2]`))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDeserialization)
}

func TestWebSocketClient_SubscribeReceivesPushes(t *testing.T) {
	srv, url := startWebSocketServer(t, Config{PingTimeout: -1}, nil)

	client, err := NewWebSocketClient(context.Background(), Config{PingTimeout: -1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ep, err := transport.ParseEndpoint(url)
	require.NoError(t, err)
	got := make(chan envelope.Raw, 1)
	unsubscribe, err := client.SubscribeEnvelopes(ep, "", func(_ context.Context, env envelope.Raw) { got <- env })
	require.NoError(t, err)
	defer unsubscribe()

	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, time.Second, 10*time.Millisecond)
	srv.mu.Lock()
	var serverSide *Session
	for s := range srv.sessions {
		serverSide = s
	}
	srv.mu.Unlock()

	push := envelope.New(envelope.Meta{RequestID: "evt-1", Tenant: "acme"}, json.RawMessage(`{"event":"agent_joined"}`))
	require.NoError(t, serverSide.Send(push))

	select {
	case env := <-got:
		assert.Equal(t, "evt-1", env.Meta.RequestID)
	case <-time.After(time.Second):
		t.Fatal("push not delivered to subscriber")
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.ErrorIs(t, Config{MaxConcurrent: -1}.Validate(), errors.ErrConfig)
	assert.ErrorIs(t, Config{RequestTimeout: -time.Second}.Validate(), errors.ErrConfig)
	assert.ErrorIs(t, Config{Subprotocols: []string{""}}.Validate(), errors.ErrConfig)
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	assert.Equal(t, DefaultConfig().PingInterval, cfg.PingInterval)
	assert.Equal(t, []string{DefaultSubprotocol}, cfg.Subprotocols)

	noPing := Config{PingTimeout: -1}.WithDefaults()
	assert.Zero(t, noPing.PingInterval)
}
