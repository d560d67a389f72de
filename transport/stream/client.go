package stream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/pkg/connpool"
	"github.com/c360/qollective/transport"
)

type dialFunc func(ctx context.Context, ep transport.Endpoint, unmatched UnmatchedHandler) (*Session, error)

// Client is a transport.Transport over pooled stream sessions, one per destination.
// Sessions that die are redialled on next use; idle ones are closed after IdleTimeout.
type Client struct {
	label string
	cfg   Config
	o     options
	dial  dialFunc
	key   func(transport.Endpoint) string
	pool  *connpool.Pool[*Session]

	mu     sync.RWMutex
	subs   map[string]map[uint64]transport.Handler
	nextID uint64
}

// NewWebSocketClient returns a client that dials ws:// and wss:// endpoints.
func NewWebSocketClient(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	c, err := newClient(ctx, "websocket", cfg, opts)
	if err != nil {
		return nil, err
	}
	c.key = func(ep transport.Endpoint) string { return ep.Target }
	c.dial = func(ctx context.Context, ep transport.Endpoint, unmatched UnmatchedHandler) (*Session, error) {
		return DialWebSocket(ctx, ep.Target, c.cfg, c.sessionOptions(unmatched)...)
	}
	return c, nil
}

// NewGRPCClient returns a client that dials grpc:// and qollective-grpc:// endpoints. The
// endpoint path is ignored; every request travels on the host's Exchange stream. Hosts are
// dialled directly without name resolution.
func NewGRPCClient(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	c, err := newClient(ctx, "grpc", cfg, opts)
	if err != nil {
		return nil, err
	}
	c.key = func(ep transport.Endpoint) string { return ep.Host }
	c.dial = func(ctx context.Context, ep transport.Endpoint, unmatched UnmatchedHandler) (*Session, error) {
		return DialGRPC(ctx, "passthrough:///"+ep.Host, c.cfg, c.sessionOptions(unmatched)...)
	}
	return c, nil
}

func newClient(ctx context.Context, label string, cfg Config, opts []Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	o := newOptions(opts)
	pool, err := connpool.New[*Session](ctx, cfg.IdleTimeout,
		connpool.WithAliveCheck(func(s *Session) bool { return s.Alive() }),
		connpool.WithEvictCallback(func(key string, _ *Session) {
			o.logger.Debug("closed idle stream session", "transport", label, "destination", key)
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Client{
		label: label,
		cfg:   cfg,
		o:     o,
		pool:  pool,
		subs:  make(map[string]map[uint64]transport.Handler),
	}, nil
}

func (c *Client) sessionOptions(unmatched UnmatchedHandler) []Option {
	opts := []Option{WithLogger(c.o.logger), WithMetrics(c.o.metrics), WithUnmatchedHandler(unmatched)}
	if len(c.o.grpcDialOptions) > 0 {
		opts = append(opts, WithGRPCDialOptions(c.o.grpcDialOptions...))
	}
	return opts
}

func (c *Client) session(ctx context.Context, ep transport.Endpoint) (*Session, error) {
	key := c.key(ep)
	return c.pool.Get(ctx, key, func(ctx context.Context) (*Session, error) {
		return c.dial(ctx, ep, func(ctx context.Context, env envelope.Raw) {
			c.fanOut(ctx, key, env)
		})
	})
}

// SendEnvelope sends env to ep and waits for the correlated reply.
func (c *Client) SendEnvelope(ctx context.Context, ep transport.Endpoint, env envelope.Raw) (envelope.Raw, error) {
	sess, err := c.session(ctx, ep)
	if err != nil {
		return envelope.Raw{}, err
	}
	return sess.Request(ctx, env)
}

// SendRaw wraps payload in a fresh envelope, sends it and returns the reply payload. An
// error reply is returned as its error.
func (c *Client) SendRaw(ctx context.Context, ep transport.Endpoint, payload json.RawMessage) (json.RawMessage, error) {
	reply, err := c.SendEnvelope(ctx, ep, envelope.New(envelope.NewMeta(), payload))
	if err != nil {
		return nil, err
	}
	if err := reply.Err(); err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

// SubscribeEnvelopes opens a session to ep if needed and passes every envelope that answers
// no pending request to handler. queue is ignored; stream connections are point to point.
func (c *Client) SubscribeEnvelopes(ep transport.Endpoint, _ string, handler transport.Handler) (func() error, error) {
	if handler == nil {
		return nil, errors.New(errors.KindValidation, "stream.Client.Subscribe", "handler is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()
	if _, err := c.session(ctx, ep); err != nil {
		return nil, err
	}

	key := c.key(ep)
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.subs[key] == nil {
		c.subs[key] = make(map[uint64]transport.Handler)
	}
	c.subs[key][id] = handler
	c.mu.Unlock()

	var once sync.Once
	return func() error {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs[key], id)
			if len(c.subs[key]) == 0 {
				delete(c.subs, key)
			}
			c.mu.Unlock()
		})
		return nil
	}, nil
}

func (c *Client) fanOut(ctx context.Context, key string, env envelope.Raw) {
	c.mu.RLock()
	handlers := make([]transport.Handler, 0, len(c.subs[key]))
	for _, h := range c.subs[key] {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()

	if len(handlers) == 0 {
		if c.o.unmatched != nil {
			c.o.unmatched(ctx, env)
			return
		}
		c.o.logger.Debug("dropping unsolicited envelope", "transport", c.label, "destination", key,
			"request_id", env.Meta.RequestID)
		return
	}
	for _, h := range handlers {
		h(ctx, env)
	}
}

// Sessions returns the number of pooled sessions.
func (c *Client) Sessions() int {
	return c.pool.Len()
}

// Close closes every pooled session.
func (c *Client) Close() error {
	return c.pool.Close()
}

var (
	_ transport.Transport  = (*Client)(nil)
	_ transport.Subscriber = (*Client)(nil)
)
