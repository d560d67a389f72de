// Package transport defines the raw and envelope sender contracts shared by every Qollective
// transport, and the HybridRouter that selects a transport from an endpoint URL scheme.
//
// Scheme table:
//
//	nats://                 bus, raw
//	qollective-nats://      bus, envelope
//	grpc://                 stream (gRPC), raw
//	qollective-grpc://      stream (gRPC), envelope
//	http://, https://       HTTP, raw
//	qollective-http(s)://   HTTP, envelope
//	ws://, wss://           stream (websocket), envelope
//
// Transports surface the most specific error kind they can; the router never re-wraps them.
package transport

import (
	"context"
	"encoding/json"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
)

// Sender sends a raw payload to an endpoint and returns the raw reply payload.
type Sender interface {
	Send(ctx context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error)
}

// EnvelopeSender sends an envelope to an endpoint and returns the reply envelope intact.
type EnvelopeSender interface {
	SendEnvelope(ctx context.Context, endpoint string, env envelope.Raw) (envelope.Raw, error)
}

// Transport is implemented by each concrete transport. The endpoint has already been parsed
// and its timeout applied to ctx.
type Transport interface {
	SendRaw(ctx context.Context, ep Endpoint, payload json.RawMessage) (json.RawMessage, error)
	SendEnvelope(ctx context.Context, ep Endpoint, env envelope.Raw) (envelope.Raw, error)
}

// Handler receives envelopes delivered to a subscription.
type Handler func(ctx context.Context, env envelope.Raw)

// Subscriber is implemented by transports that deliver inbound envelopes on a subject.
type Subscriber interface {
	SubscribeEnvelopes(ep Endpoint, queue string, handler Handler) (unsubscribe func() error, err error)
}

// Call sends a typed payload through s and decodes the reply into R.
func Call[T, R any](ctx context.Context, s Sender, endpoint string, payload T) (R, error) {
	var zero R
	data, err := json.Marshal(payload)
	if err != nil {
		return zero, &errors.Error{Kind: errors.KindSerialization, Op: "transport.Call", Err: err}
	}
	reply, err := s.Send(ctx, endpoint, data)
	if err != nil {
		return zero, err
	}
	var out R
	if len(reply) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(reply, &out); err != nil {
		return zero, &errors.Error{Kind: errors.KindDeserialization, Op: "transport.Call", Err: err}
	}
	return out, nil
}

// CallEnvelope sends a typed envelope through s and converts the reply payload into R. A
// reply carrying an error is returned as its error.
func CallEnvelope[T, R any](ctx context.Context, s EnvelopeSender, endpoint string, env envelope.Envelope[T]) (envelope.Envelope[R], error) {
	raw, err := envelope.ToRaw(env)
	if err != nil {
		return envelope.Envelope[R]{}, err
	}
	reply, err := s.SendEnvelope(ctx, endpoint, raw)
	if err != nil {
		return envelope.Envelope[R]{}, err
	}
	if reply.HasError() {
		return envelope.Envelope[R]{Meta: reply.Meta, Error: reply.Error}, reply.Err()
	}
	return envelope.Convert[R](reply)
}
