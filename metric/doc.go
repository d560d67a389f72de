// Package metric provides the Prometheus registry shared by Qollective transports and the
// agent registry.
//
// NewMetricsRegistry creates a private Prometheus registry with the core metrics already
// registered: messages sent and received per transport and mode, request round-trip
// durations, errors by kind, retries, subscription drops, registry membership and events,
// masking counts and NATS connection health. Components add their own collectors through
// the MetricsRegistrar interface.
//
// Every Record method tolerates a nil *Metrics so components can run without metrics:
//
//	var m *metric.Metrics // metrics disabled
//	m.RecordSent("bus", "envelope") // no-op
//
// The registry's Handler serves the exposition format. The HTTP transport mounts it at
// /metrics; processes without an HTTP server can run a standalone Server instead.
package metric
