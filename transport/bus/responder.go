package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/pkg/worker"
)

// HandlerFunc answers an envelope request. The returned value becomes the reply payload; a
// json.RawMessage is sent as is. A returned error becomes an error reply.
type HandlerFunc func(ctx context.Context, req envelope.Raw) (any, error)

// RawHandlerFunc answers a raw request with reply bytes.
type RawHandlerFunc func(ctx context.Context, subject string, data []byte) ([]byte, error)

// Typed adapts a handler working on decoded payloads. Payloads that do not decode into T
// produce a KindDeserialization error reply.
func Typed[T, R any](fn func(ctx context.Context, req envelope.Envelope[T]) (R, error)) HandlerFunc {
	return func(ctx context.Context, req envelope.Raw) (any, error) {
		typed, err := envelope.Convert[T](req)
		if err != nil {
			return nil, err
		}
		return fn(ctx, typed)
	}
}

type job struct {
	msg    *nats.Msg
	handle func(ctx context.Context, msg *nats.Msg)
}

// Responder serves requests on one or more subjects through a bounded worker pool.
type Responder struct {
	client *Client
	pool   *worker.Pool[job]
	logger *slog.Logger

	mu     sync.Mutex
	unsubs []func() error
}

// NewResponder creates a responder that uses client for subscriptions and replies.
func NewResponder(client *Client) *Responder {
	r := &Responder{
		client: client,
		logger: client.logger.With("role", "responder"),
	}
	r.pool = worker.NewPool(client.cfg.Workers, client.cfg.QueueSize, r.process)
	return r
}

// Start launches the workers. Handlers run with ctx.
func (r *Responder) Start(ctx context.Context) error {
	return r.pool.Start(ctx)
}

// Stop unsubscribes every handler and waits up to timeout for in-flight requests.
func (r *Responder) Stop(timeout time.Duration) error {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()

	var errs []error
	for _, unsub := range unsubs {
		if err := unsub(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.pool.Stop(timeout); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Stats returns the worker pool statistics.
func (r *Responder) Stats() worker.PoolStats {
	return r.pool.Stats()
}

// Handle answers envelope requests on subject. Reply meta is derived from the request so
// request_id, tenant and trace_id carry over. Messages without a reply subject are handled
// and the result discarded.
func (r *Responder) Handle(subject, queue string, h HandlerFunc) error {
	if h == nil {
		return errors.New(errors.KindValidation, "bus.Responder.Handle", "handler is required")
	}
	return r.subscribe(subject, queue, func(ctx context.Context, msg *nats.Msg) {
		r.serveEnvelope(ctx, msg, h)
	})
}

// HandleRaw answers raw requests on subject.
func (r *Responder) HandleRaw(subject, queue string, h RawHandlerFunc) error {
	if h == nil {
		return errors.New(errors.KindValidation, "bus.Responder.HandleRaw", "handler is required")
	}
	return r.subscribe(subject, queue, func(ctx context.Context, msg *nats.Msg) {
		r.serveRaw(ctx, msg, h)
	})
}

func (r *Responder) subscribe(subject, queue string, handle func(context.Context, *nats.Msg)) error {
	unsub, err := r.client.conn.Subscribe(subject, queue, func(msg *nats.Msg) {
		r.client.metrics.RecordReceived(transportLabel, "responder")
		if err := r.pool.Submit(job{msg: msg, handle: handle}); err != nil {
			r.logger.Warn("rejecting request", "subject", msg.Subject, "error", err)
			r.replyError(msg, envelope.Raw{}, &errors.Error{
				Kind: errors.KindCapacity, Op: "bus.Responder", Message: "responder busy", Err: err,
			})
		}
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.unsubs = append(r.unsubs, unsub)
	r.mu.Unlock()
	r.logger.Debug("handler registered", "subject", subject, "queue", queue)
	return nil
}

func (r *Responder) process(ctx context.Context, j job) error {
	j.handle(ctx, j.msg)
	return nil
}

func (r *Responder) serveEnvelope(ctx context.Context, msg *nats.Msg, h HandlerFunc) {
	req, err := envelope.Decode[json.RawMessage](msg.Data)
	if err != nil {
		r.logger.Warn("undecodable request", "subject", msg.Subject, "error", err)
		r.replyError(msg, envelope.Raw{}, err)
		return
	}

	result, err := h(ctx, req)
	if err != nil {
		r.logger.Debug("handler failed",
			"subject", msg.Subject,
			"request_id", req.Meta.RequestID,
			"error", err)
		r.replyError(msg, req, err)
		return
	}
	if msg.Reply == "" {
		return
	}

	reply, err := envelope.ReplyRaw(req, result)
	if err != nil {
		r.replyError(msg, req, err)
		return
	}
	r.reply(msg, reply)
}

func (r *Responder) serveRaw(ctx context.Context, msg *nats.Msg, h RawHandlerFunc) {
	data, err := h(ctx, msg.Subject, msg.Data)
	if msg.Reply == "" {
		return
	}
	if err != nil {
		// Raw replies have no error channel; answer with an error envelope body.
		r.replyError(msg, envelope.Raw{}, err)
		return
	}
	if err := r.client.conn.Publish(context.Background(), msg.Reply, data); err != nil {
		r.logger.Warn("reply failed", "subject", msg.Subject, "error", err)
	}
}

func (r *Responder) replyError(msg *nats.Msg, req envelope.Raw, err error) {
	if msg.Reply == "" {
		return
	}
	r.reply(msg, envelope.ErrorReply(req, err))
}

func (r *Responder) reply(msg *nats.Msg, env envelope.Raw) {
	data, err := envelope.Encode(env)
	if err != nil {
		r.logger.Error("reply encode failed", "subject", msg.Subject, "error", err)
		return
	}
	if err := r.client.conn.Publish(context.Background(), msg.Reply, data); err != nil {
		r.logger.Warn("reply failed", "subject", msg.Subject, "error", err)
		return
	}
	r.client.metrics.RecordSent(transportLabel, "reply")
}
