// Package bus is the subject-addressed transport. It carries either bare payload bytes (raw
// mode, nats:// endpoints) or whole JSON envelopes (envelope mode, qollective-nats://
// endpoints) over any connection with NATS publish, request and subscribe semantics.
//
// Replies travel on the ephemeral inbox named by the request. A Responder answering in
// envelope mode copies request_id, tenant and trace_id from the request meta into the reply.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/metric"
	"github.com/c360/qollective/pkg/buffer"
	"github.com/c360/qollective/transport"
)

// transportLabel is the metric label for this transport.
const transportLabel = "nats"

// Conn is the connection the bus runs over. *natsclient.Client implements it, and so does
// the in-memory bus used in tests.
type Conn interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Request(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
	Subscribe(subject, queue string, handler nats.MsgHandler) (func() error, error)
}

// Config controls request deadlines and subscription backlogs.
type Config struct {
	// RequestTimeout bounds a request whose context has no deadline.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	// BufferSize bounds each Subscription backlog.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
	// Overflow is drop_oldest, drop_newest or block. Block stalls delivery from the
	// connection until the consumer catches up.
	Overflow string `json:"overflow" yaml:"overflow"`
	// Workers and QueueSize size each Responder's worker pool.
	Workers   int `json:"workers"    yaml:"workers"`
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 5 * time.Second,
		BufferSize:     256,
		Overflow:       buffer.DropOldest.String(),
		Workers:        8,
		QueueSize:      256,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RequestTimeout < 0 {
		return errors.New(errors.KindConfig, "bus.Config.Validate", "request_timeout cannot be negative")
	}
	if c.BufferSize < 0 || c.Workers < 0 || c.QueueSize < 0 {
		return errors.New(errors.KindConfig, "bus.Config.Validate", "sizes cannot be negative")
	}
	if _, ok := buffer.ParseOverflowPolicy(c.Overflow); !ok {
		return errors.Newf(errors.KindConfig, "bus.Config.Validate", "unknown overflow policy %q", c.Overflow)
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.BufferSize == 0 {
		c.BufferSize = d.BufferSize
	}
	if c.Overflow == "" {
		c.Overflow = d.Overflow
	}
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize == 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// Client sends and subscribes over a Conn. It implements transport.Transport and
// transport.Subscriber.
type Client struct {
	conn    Conn
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics
}

var (
	_ transport.Transport  = (*Client)(nil)
	_ transport.Subscriber = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithConfig replaces the configuration. Zero fields take defaults.
func WithConfig(cfg Config) Option {
	return func(c *Client) { c.cfg = cfg.withDefaults() }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records traffic and errors on m.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a bus client over conn.
func New(conn Conn, opts ...Option) *Client {
	c := &Client{
		conn:   conn,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "bus")
	return c
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Publish sends payload bytes to subject without waiting for a reply.
func (c *Client) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := c.conn.Publish(ctx, subject, payload); err != nil {
		c.recordError(err)
		return err
	}
	c.metrics.RecordSent(transportLabel, transport.ModeRaw.String())
	return nil
}

// PublishEnvelope encodes env and publishes it to subject.
func (c *Client) PublishEnvelope(ctx context.Context, subject string, env envelope.Raw) error {
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	if err := c.conn.Publish(ctx, subject, data); err != nil {
		c.recordError(err)
		return err
	}
	c.metrics.RecordSent(transportLabel, transport.ModeEnvelope.String())
	return nil
}

// Request sends payload bytes to subject and returns the reply bytes. It fails with
// KindTimeout, KindNoResponders or KindTransport.
func (c *Client) Request(ctx context.Context, subject string, payload []byte) ([]byte, error) {
	msg, err := c.request(ctx, subject, payload, transport.ModeRaw)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// RequestEnvelope sends env to subject and decodes the reply envelope. A request without a
// request id is given one. An error reply is returned as an envelope, not as an error.
func (c *Client) RequestEnvelope(ctx context.Context, subject string, env envelope.Raw) (envelope.Raw, error) {
	if env.Meta.RequestID == "" {
		env.Meta.RequestID = envelope.NewRequestID()
	}
	data, err := envelope.Encode(env)
	if err != nil {
		return envelope.Raw{}, err
	}
	msg, err := c.request(ctx, subject, data, transport.ModeEnvelope)
	if err != nil {
		return envelope.Raw{}, err
	}
	reply, err := envelope.Decode[json.RawMessage](msg.Data)
	if err != nil {
		c.recordError(err)
		return envelope.Raw{}, err
	}
	return reply, nil
}

func (c *Client) request(ctx context.Context, subject string, data []byte, mode transport.Mode) (*nats.Msg, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	c.metrics.RecordSent(transportLabel, mode.String())
	msg, err := c.conn.Request(ctx, subject, data)
	c.metrics.RecordRequestDuration(transportLabel, time.Since(start))
	if err != nil {
		c.recordError(err)
		c.logger.Debug("request failed", "subject", subject, "error", err)
		return nil, err
	}
	c.metrics.RecordReceived(transportLabel, mode.String())
	return msg, nil
}

// SendRaw implements transport.Transport.
func (c *Client) SendRaw(ctx context.Context, ep transport.Endpoint, payload json.RawMessage) (json.RawMessage, error) {
	return c.Request(ctx, ep.Target, payload)
}

// SendEnvelope implements transport.Transport.
func (c *Client) SendEnvelope(ctx context.Context, ep transport.Endpoint, env envelope.Raw) (envelope.Raw, error) {
	return c.RequestEnvelope(ctx, ep.Target, env)
}

// SubscribeEnvelopes implements transport.Subscriber. In raw mode each message becomes an
// envelope with empty meta and the message bytes as payload. Undecodable envelopes are
// logged and dropped.
func (c *Client) SubscribeEnvelopes(ep transport.Endpoint, queue string, handler transport.Handler) (func() error, error) {
	return c.conn.Subscribe(ep.Target, queue, func(msg *nats.Msg) {
		c.metrics.RecordReceived(transportLabel, ep.Mode.String())
		if ep.Mode == transport.ModeRaw {
			handler(context.Background(), envelope.Raw{Payload: json.RawMessage(msg.Data)})
			return
		}
		env, err := envelope.Decode[json.RawMessage](msg.Data)
		if err != nil {
			c.recordError(err)
			c.logger.Warn("dropping undecodable envelope", "subject", msg.Subject, "error", err)
			return
		}
		handler(context.Background(), env)
	})
}

func (c *Client) recordError(err error) {
	c.metrics.RecordError(transportLabel, errors.KindOf(err).String())
}

// RequestAs sends a typed envelope and converts the reply payload into R. An error reply is
// returned as its error alongside the reply meta.
func RequestAs[T, R any](ctx context.Context, c *Client, subject string, env envelope.Envelope[T]) (envelope.Envelope[R], error) {
	raw, err := envelope.ToRaw(env)
	if err != nil {
		return envelope.Envelope[R]{}, err
	}
	reply, err := c.RequestEnvelope(ctx, subject, raw)
	if err != nil {
		return envelope.Envelope[R]{}, err
	}
	if reply.HasError() {
		return envelope.Envelope[R]{Meta: reply.Meta, Error: reply.Error}, reply.Err()
	}
	return envelope.Convert[R](reply)
}
