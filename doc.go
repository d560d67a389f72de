// Package qollective is a multi-transport messaging runtime for agents. Every message travels
// in an envelope that pairs a payload with request metadata (request id, tenant, trace and
// security context), and the same envelope can be carried over NATS, gRPC, WebSocket or HTTP.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│          Agent Registry             │  Registration, heartbeats,
//	│   (registry, registry/agent)        │  discovery, lifecycle events
//	└─────────────────────────────────────┘
//	           ↓ speaks envelopes over
//	┌─────────────────────────────────────┐
//	│         HybridRouter                │  Endpoint scheme selects
//	│        (transport)                  │  the transport
//	└─────────────────────────────────────┘
//	           ↓ dispatches to
//	┌──────────────┬──────────────┬───────────────┐
//	│ transport/bus│transport/    │ transport/    │
//	│ NATS request │stream        │httpx          │
//	│ reply, queue │gRPC and      │REST, JSON-RPC │
//	│ groups       │websocket     │and MCP        │
//	└──────────────┴──────────────┴───────────────┘
//
// # Packages
//
// Core:
//   - envelope: Envelope[T], Meta, wire errors, payload schema validation and masking
//   - errors: kinded errors shared by every package
//   - transport: sender contracts, endpoint parsing and the HybridRouter
//
// Transports:
//   - transport/bus: NATS publish, subscribe, request-reply and typed responders
//   - transport/stream: bidirectional sessions over gRPC streams and websockets
//   - transport/httpx: HTTP envelope server and client, JSON-RPC 2.0 and MCP
//
// Registry:
//   - registry: the in-memory agent table and the NATS service that fronts it
//   - registry/agent: the participant side that registers, heartbeats and discovers
//
// Infrastructure:
//   - config: layered YAML/JSON configuration with environment overrides
//   - natsclient: managed NATS connection with JetStream KV helpers
//   - metric: Prometheus registry and the metrics HTTP server
//   - health: component status aggregation
//   - pkg/tlsutil, pkg/retry, pkg/worker, pkg/buffer, pkg/cache, pkg/connpool
//
// # Quick Start
//
//	nc, err := natsclient.NewClient("nats://localhost:4222")
//	if err != nil {
//	    return err
//	}
//	if err := nc.Connect(ctx); err != nil {
//	    return err
//	}
//	defer nc.Close(ctx)
//
//	client := bus.New(nc)
//	router, err := transport.NewBuilder().WithBus(client).Build()
//	if err != nil {
//	    return err
//	}
//
//	env := envelope.New(envelope.Meta{Tenant: "acme"}, Task{Name: "summarize"})
//	reply, err := transport.CallEnvelope[Task, Result](ctx, router, "qollective-nats://agents.summarize", env)
//
// The qollective-registry command runs the registry service; see cmd/qollective-registry.
package qollective
