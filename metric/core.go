package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "qollective"

// Metrics contains the transport and registry metrics shared by every component.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Transport metrics
	MessagesSent        *prometheus.CounterVec
	MessagesReceived    *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ErrorsTotal         *prometheus.CounterVec
	RetriesTotal        *prometheus.CounterVec
	SubscriptionDropped *prometheus.CounterVec
	StreamPending       prometheus.Gauge

	// Registry metrics
	RegistryAgents    prometheus.Gauge
	RegistryEvents    *prometheus.CounterVec
	RegistryEvictions prometheus.Counter

	// Masking
	MaskedFields *prometheus.CounterVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the core metrics. They are not registered until handed to a MetricsRegistry.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "messages_sent_total",
				Help:      "Total number of messages sent",
			},
			[]string{"transport", "mode"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "messages_received_total",
				Help:      "Total number of messages received",
			},
			[]string{"transport", "mode"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "request_duration_seconds",
				Help:      "Round-trip duration of request/reply calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "errors_total",
				Help:      "Total number of transport errors by kind",
			},
			[]string{"transport", "kind"},
		),

		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "retries_total",
				Help:      "Total number of retried attempts",
			},
			[]string{"transport"},
		),

		SubscriptionDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "dropped_total",
				Help:      "Messages dropped by full subscription buffers",
			},
			[]string{"transport"},
		),

		StreamPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "pending_requests",
				Help:      "Outbound stream requests awaiting a correlated reply",
			},
		),

		RegistryAgents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "agents",
				Help:      "Number of registered agents",
			},
		),

		RegistryEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "events_total",
				Help:      "Registry events published by type",
			},
			[]string{"type"},
		),

		RegistryEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "evictions_total",
				Help:      "Agents removed by the TTL reaper",
			},
		),

		MaskedFields: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "masking",
				Name:      "fields_total",
				Help:      "Fields masked for presentation output",
			},
			[]string{"mask_type"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

func (c *Metrics) mustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.MessagesSent,
		c.MessagesReceived,
		c.RequestDuration,
		c.ErrorsTotal,
		c.RetriesTotal,
		c.SubscriptionDropped,
		c.StreamPending,
		c.RegistryAgents,
		c.RegistryEvents,
		c.RegistryEvictions,
		c.MaskedFields,
		c.NATSConnected,
		c.NATSRTT,
		c.NATSReconnects,
		c.NATSCircuitBreaker,
	)
}

// RecordSent increments the sent counter for a transport ("bus", "stream", "http") and mode
// ("raw", "envelope").
func (c *Metrics) RecordSent(transport, mode string) {
	if c == nil {
		return
	}
	c.MessagesSent.WithLabelValues(transport, mode).Inc()
}

// RecordReceived increments the received counter
func (c *Metrics) RecordReceived(transport, mode string) {
	if c == nil {
		return
	}
	c.MessagesReceived.WithLabelValues(transport, mode).Inc()
}

// RecordRequestDuration records a request/reply round-trip
func (c *Metrics) RecordRequestDuration(transport string, d time.Duration) {
	if c == nil {
		return
	}
	c.RequestDuration.WithLabelValues(transport).Observe(d.Seconds())
}

// RecordError increments the error counter for a transport and error kind
func (c *Metrics) RecordError(transport, kind string) {
	if c == nil {
		return
	}
	c.ErrorsTotal.WithLabelValues(transport, kind).Inc()
}

// RecordRetry increments the retry counter
func (c *Metrics) RecordRetry(transport string) {
	if c == nil {
		return
	}
	c.RetriesTotal.WithLabelValues(transport).Inc()
}

// RecordDropped increments the subscription drop counter
func (c *Metrics) RecordDropped(transport string) {
	if c == nil {
		return
	}
	c.SubscriptionDropped.WithLabelValues(transport).Inc()
}

// SetStreamPending sets the number of outstanding stream requests
func (c *Metrics) SetStreamPending(n int) {
	if c == nil {
		return
	}
	c.StreamPending.Set(float64(n))
}

// SetRegistryAgents sets the registered agent gauge
func (c *Metrics) SetRegistryAgents(n int) {
	if c == nil {
		return
	}
	c.RegistryAgents.Set(float64(n))
}

// RecordRegistryEvent increments the registry event counter
func (c *Metrics) RecordRegistryEvent(eventType string) {
	if c == nil {
		return
	}
	c.RegistryEvents.WithLabelValues(eventType).Inc()
}

// RecordEviction increments the reaper eviction counter
func (c *Metrics) RecordEviction() {
	if c == nil {
		return
	}
	c.RegistryEvictions.Inc()
}

// RecordMasked increments the masked field counter
func (c *Metrics) RecordMasked(maskType string) {
	if c == nil {
		return
	}
	c.MaskedFields.WithLabelValues(maskType).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSRTT updates NATS round-trip time
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	if c == nil {
		return
	}
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	if c == nil {
		return
	}
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	if c == nil {
		return
	}
	c.NATSCircuitBreaker.Set(float64(state))
}
