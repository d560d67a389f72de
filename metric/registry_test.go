package metric

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestMetricsRegistry_RegisterCollectors(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "c"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "g"})
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_histogram", Help: "h"})

	require.NoError(t, registry.RegisterCounter("bus", "test_counter", counter))
	require.NoError(t, registry.RegisterGauge("bus", "test_gauge", gauge))
	require.NoError(t, registry.RegisterHistogram("bus", "test_histogram", histogram))

	counter.Inc()
	gauge.Set(42)
	histogram.Observe(1.5)

	names := gatheredNames(t, registry)
	assert.True(t, names["test_counter"])
	assert.True(t, names["test_gauge"])
	assert.True(t, names["test_histogram"])
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dup_total", Help: "d"}, []string{"x"})
	second := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dup_total", Help: "d"}, []string{"x"})

	require.NoError(t, registry.RegisterCounterVec("registry", "dup_total", first))

	err := registry.RegisterCounterVec("registry", "dup_total", second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate metric registration")

	err = registry.RegisterCounterVec("other", "dup_total", second)
	require.Error(t, err, "prometheus rejects the same fully-qualified name")
	assert.Contains(t, err.Error(), "prometheus conflict")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "temp_gauge", Help: "t"}, []string{"k"})

	require.NoError(t, registry.RegisterGaugeVec("stream", "temp_gauge", gauge))
	assert.True(t, registry.Unregister("stream", "temp_gauge"))
	assert.False(t, registry.Unregister("stream", "temp_gauge"))

	require.NoError(t, registry.RegisterGaugeVec("stream", "temp_gauge", gauge), "re-register after removal")
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()
	const n = 20

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("concurrent_counter_%d", i)
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: "c"})
			assert.NoError(t, registry.RegisterCounter("svc", name, c))
			c.Inc()
		}(i)
	}
	wg.Wait()

	count := 0
	for name := range gatheredNames(t, registry) {
		if strings.HasPrefix(name, "concurrent_counter_") {
			count++
		}
	}
	assert.Equal(t, n, count)
}

func TestMetrics_CoreMetricNames(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordSent("bus", "envelope")
	m.RecordReceived("bus", "envelope")
	m.RecordRequestDuration("http", 20*time.Millisecond)
	m.RecordError("stream", "timeout")
	m.RecordRetry("http")
	m.RecordDropped("bus")
	m.RecordRegistryEvent("joined")
	m.RecordMasked("hash")

	names := gatheredNames(t, registry)
	for _, want := range []string{
		"qollective_transport_messages_sent_total",
		"qollective_transport_messages_received_total",
		"qollective_transport_request_duration_seconds",
		"qollective_transport_errors_total",
		"qollective_transport_retries_total",
		"qollective_subscription_dropped_total",
		"qollective_stream_pending_requests",
		"qollective_registry_agents",
		"qollective_registry_events_total",
		"qollective_registry_evictions_total",
		"qollective_masking_fields_total",
		"qollective_nats_connected",
		"qollective_nats_circuit_breaker",
	} {
		assert.True(t, names[want], "missing core metric %s", want)
	}
}

func TestMetrics_RecordValues(t *testing.T) {
	m := NewMetricsRegistry().CoreMetrics()

	m.RecordSent("bus", "raw")
	m.RecordSent("bus", "raw")
	m.SetRegistryAgents(3)
	m.RecordEviction()
	m.RecordNATSStatus(true)
	m.RecordCircuitBreakerState(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesSent.WithLabelValues("bus", "raw")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RegistryAgents))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RegistryEvictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSCircuitBreaker))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSent("bus", "raw")
		m.RecordError("bus", "timeout")
		m.SetStreamPending(1)
		m.RecordNATSRTT(time.Millisecond)
	})

	var r *MetricsRegistry
	assert.Nil(t, r.CoreMetrics())
}

func TestMetricsRegistry_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordSent("http", "envelope")

	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `qollective_transport_messages_sent_total{mode="envelope",transport="http"} 1`)
}

func TestServer_StartStop(t *testing.T) {
	registry := NewMetricsRegistry()
	srv := NewServer("127.0.0.1:0", "", registry, nil)

	require.NoError(t, srv.Start())
	assert.Error(t, srv.Start(), "second start rejected")

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "qollective_registry_agents")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))
}
