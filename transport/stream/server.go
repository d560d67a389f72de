package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/metric"
)

// HandlerFunc answers one inbound request envelope. The result is marshalled into the reply
// payload; a json.RawMessage is sent as is. A returned error becomes an error reply.
type HandlerFunc func(ctx context.Context, req envelope.Raw) (any, error)

// Option configures a client, server or dialled session.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	metrics   *metric.Metrics
	unmatched UnmatchedHandler

	grpcDialOptions []grpc.DialOption
}

func newOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records traffic on m.
func WithMetrics(m *metric.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithUnmatchedHandler receives server pushes and other envelopes no request is waiting for.
// Servers ignore it.
func WithUnmatchedHandler(h UnmatchedHandler) Option {
	return func(o *options) { o.unmatched = h }
}

// WithGRPCDialOptions appends options used when dialling gRPC targets.
func WithGRPCDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.grpcDialOptions = append(o.grpcDialOptions, opts...) }
}

// Server answers request envelopes arriving over websocket or gRPC stream connections. Every
// inbound envelope is handled on its own goroutine and the reply carries its request_id.
type Server struct {
	cfg     Config
	handler HandlerFunc
	ws      *websocket.Upgrader
	logger  *slog.Logger
	metrics *metric.Metrics

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a server dispatching to handler.
func NewServer(cfg Config, handler HandlerFunc, opts ...Option) (*Server, error) {
	const op = "stream.NewServer"
	if handler == nil {
		return nil, errors.New(errors.KindConfig, op, "handler is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts)
	s := &Server{
		cfg:      cfg.WithDefaults(),
		handler:  handler,
		logger:   o.logger,
		metrics:  o.metrics,
		sessions: make(map[*Session]struct{}),
	}
	s.ws = s.upgrader()
	return s, nil
}

// serve starts a session on conn and tracks it until it ends.
func (s *Server) serve(conn frameConn, label string) *Session {
	var sess *Session
	sess = newSession(conn, s.cfg, sessionOptions{
		label:   label,
		logger:  s.logger,
		metrics: s.metrics,
		unmatched: func(ctx context.Context, env envelope.Raw) {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.wg.Add(1)
			s.mu.Unlock()
			go func() {
				defer s.wg.Done()
				s.dispatch(ctx, sess, env)
			}()
		},
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sess.Close()
		return sess
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	sess.start()
	go func() {
		<-sess.Done()
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()
	return sess
}

func (s *Server) dispatch(ctx context.Context, sess *Session, req envelope.Raw) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.handler(ctx, req)

	var reply envelope.Raw
	if err == nil {
		reply, err = envelope.ReplyRaw(req, result)
	}
	if err != nil {
		reply = envelope.ErrorReply(req, err)
		s.metrics.RecordError(sess.label, errors.KindOf(err).String())
	}
	reply.Meta.RequestID = req.Meta.RequestID
	s.metrics.RecordRequestDuration(sess.label, time.Since(start))

	if err := sess.Send(reply); err != nil {
		if errors.KindOf(err) == errors.KindValidation {
			// The reply did not fit; tell the caller instead of leaving it waiting.
			_ = sess.writeFrame(ErrorFrame(err, req.Meta.RequestID))
			return
		}
		s.logger.Warn("failed to send reply", "transport", sess.label, "request_id", req.Meta.RequestID, "error", err)
	}
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close ends every open session and waits for in-flight handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Close()
	}
	s.wg.Wait()
	return nil
}
