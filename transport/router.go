package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
)

// DefaultTimeout bounds a routed request when neither the endpoint nor the caller set one.
const DefaultTimeout = 30 * time.Second

// HybridRouter implements Sender and EnvelopeSender by dispatching on the endpoint scheme.
// Transports are injected through a Builder; a scheme whose transport was not injected fails
// with KindTransport "client not available".
//
// Send against an envelope-mode scheme wraps the payload in a fresh envelope and returns the
// reply payload. SendEnvelope against a raw scheme sends the payload alone and wraps the
// reply in a reply envelope derived from the request meta.
type HybridRouter struct {
	transports     map[Kind]Transport
	defaultTimeout time.Duration
	logger         *slog.Logger
}

var (
	_ Sender         = (*HybridRouter)(nil)
	_ EnvelopeSender = (*HybridRouter)(nil)
)

// Builder assembles a HybridRouter.
type Builder struct {
	transports     map[Kind]Transport
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewBuilder returns a builder with no transports.
func NewBuilder() *Builder {
	return &Builder{
		transports:     make(map[Kind]Transport),
		defaultTimeout: DefaultTimeout,
	}
}

// WithTransport injects t for kind, replacing any earlier one. A nil t removes it.
func (b *Builder) WithTransport(kind Kind, t Transport) *Builder {
	if t == nil {
		delete(b.transports, kind)
		return b
	}
	b.transports[kind] = t
	return b
}

// WithBus injects the bus transport used for nats schemes.
func (b *Builder) WithBus(t Transport) *Builder { return b.WithTransport(KindBus, t) }

// WithGRPC injects the gRPC stream transport.
func (b *Builder) WithGRPC(t Transport) *Builder { return b.WithTransport(KindGRPC, t) }

// WithWebSocket injects the websocket stream transport.
func (b *Builder) WithWebSocket(t Transport) *Builder { return b.WithTransport(KindWebSocket, t) }

// WithHTTP injects the HTTP transport.
func (b *Builder) WithHTTP(t Transport) *Builder { return b.WithTransport(KindHTTP, t) }

// WithDefaultTimeout sets the timeout used when the endpoint carries none.
func (b *Builder) WithDefaultTimeout(d time.Duration) *Builder {
	b.defaultTimeout = d
	return b
}

// WithLogger sets the router logger.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// Build returns the router.
func (b *Builder) Build() (*HybridRouter, error) {
	if b.defaultTimeout <= 0 {
		return nil, errors.New(errors.KindConfig, "transport.Build", "default timeout must be positive")
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	transports := make(map[Kind]Transport, len(b.transports))
	for k, t := range b.transports {
		transports[k] = t
	}
	return &HybridRouter{
		transports:     transports,
		defaultTimeout: b.defaultTimeout,
		logger:         logger.With("component", "hybrid_router"),
	}, nil
}

// Route parses endpoint and returns the transport that would serve it.
func (r *HybridRouter) Route(endpoint string) (Endpoint, Transport, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return Endpoint{}, nil, err
	}
	t, ok := r.transports[ep.Kind]
	if !ok {
		return ep, nil, &errors.Error{
			Kind:    errors.KindTransport,
			Op:      "transport.Route",
			Message: fmt.Sprintf("%s client not available", ep.Kind),
			Err:     errors.ErrClientNotReady,
		}
	}
	return ep, t, nil
}

// Send implements Sender.
func (r *HybridRouter) Send(ctx context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error) {
	ep, t, err := r.Route(endpoint)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.withTimeout(ctx, ep)
	defer cancel()

	r.logger.Debug("routing raw send", "endpoint", ep.Raw, "transport", ep.Kind.String(), "mode", ep.Mode.String())

	if ep.Mode == ModeRaw {
		return t.SendRaw(ctx, ep, payload)
	}

	reply, err := t.SendEnvelope(ctx, ep, envelope.Raw{Meta: envelope.NewMeta(), Payload: payload})
	if err != nil {
		return nil, err
	}
	if reply.HasError() {
		return nil, reply.Err()
	}
	return reply.Payload, nil
}

// SendEnvelope implements EnvelopeSender. A request without a request id is given one.
func (r *HybridRouter) SendEnvelope(ctx context.Context, endpoint string, env envelope.Raw) (envelope.Raw, error) {
	ep, t, err := r.Route(endpoint)
	if err != nil {
		return envelope.Raw{}, err
	}
	ctx, cancel := r.withTimeout(ctx, ep)
	defer cancel()

	if env.Meta.RequestID == "" {
		env.Meta.RequestID = envelope.NewRequestID()
	}

	r.logger.Debug("routing envelope send",
		"endpoint", ep.Raw,
		"transport", ep.Kind.String(),
		"mode", ep.Mode.String(),
		"request_id", env.Meta.RequestID)

	if ep.Mode == ModeEnvelope {
		return t.SendEnvelope(ctx, ep, env)
	}

	reply, err := t.SendRaw(ctx, ep, env.Payload)
	if err != nil {
		return envelope.Raw{}, err
	}
	return envelope.Raw{Meta: env.Meta.ReplyMeta(), Payload: reply}, nil
}

// Subscribe delivers envelopes arriving at endpoint to handler. Only transports implementing
// Subscriber support it; the bus does.
func (r *HybridRouter) Subscribe(endpoint, queue string, handler Handler) (func() error, error) {
	ep, t, err := r.Route(endpoint)
	if err != nil {
		return nil, err
	}
	sub, ok := t.(Subscriber)
	if !ok {
		return nil, errors.Newf(errors.KindTransport, "transport.Subscribe",
			"%s transport does not support subscriptions", ep.Kind)
	}
	if handler == nil {
		return nil, errors.New(errors.KindValidation, "transport.Subscribe", "handler is required")
	}
	return sub.SubscribeEnvelopes(ep, queue, handler)
}

func (r *HybridRouter) withTimeout(ctx context.Context, ep Endpoint) (context.Context, context.CancelFunc) {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
