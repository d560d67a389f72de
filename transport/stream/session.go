package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/metric"
	"github.com/c360/qollective/pkg/buffer"
)

// frameConn is a message-oriented connection. ReadFrame is called from one goroutine;
// WriteFrame may be called concurrently. Close unblocks ReadFrame.
type frameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// UnmatchedHandler receives inbound envelopes that answer no pending request.
type UnmatchedHandler func(ctx context.Context, env envelope.Raw)

type result struct {
	env envelope.Raw
	err error
}

// abandonedTTL is how long a cancelled request id is remembered so a late reply is dropped.
const abandonedTTL = time.Minute

// Session multiplexes request/reply over one framed connection. Outbound envelopes are
// correlated to replies by request_id. A semaphore bounds in-flight requests.
type Session struct {
	conn    frameConn
	cfg     Config
	label   string
	logger  *slog.Logger
	metrics *metric.Metrics
	sem     *semaphore.Weighted

	mu        sync.Mutex
	waiters   map[string]chan result
	abandoned map[string]time.Time
	unmatched UnmatchedHandler
	inbox     buffer.Buffer[envelope.Raw]

	pong      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	ctx    context.Context
	cancel context.CancelFunc
}

type sessionOptions struct {
	label     string
	logger    *slog.Logger
	metrics   *metric.Metrics
	unmatched UnmatchedHandler
}

func newSession(conn frameConn, cfg Config, o sessionOptions) *Session {
	cfg = cfg.WithDefaults()
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:      conn,
		cfg:       cfg,
		label:     o.label,
		logger:    logger,
		metrics:   o.metrics,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		waiters:   make(map[string]chan result),
		abandoned: make(map[string]time.Time),
		unmatched: o.unmatched,
		pong:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.inbox = buffer.New[envelope.Raw](cfg.UnmatchedQueueSize,
		buffer.WithOverflowPolicy[envelope.Raw](buffer.DropOldest),
		buffer.WithMetrics[envelope.Raw](o.metrics, o.label),
		buffer.WithDropCallback[envelope.Raw](func(env envelope.Raw) {
			logger.Warn("unmatched handler behind, dropping envelope", "transport", o.label,
				"request_id", env.Meta.RequestID)
		}))
	return s
}

// start launches the read, dispatch and ping loops.
func (s *Session) start() *Session {
	go s.readLoop()
	go s.dispatchLoop()
	if s.cfg.PingInterval > 0 {
		go s.pingLoop()
	}
	return s
}

// SetUnmatchedHandler routes envelopes that answer no pending request to h. Without a
// handler they are dropped with a warning.
func (s *Session) SetUnmatchedHandler(h UnmatchedHandler) {
	s.mu.Lock()
	s.unmatched = h
	s.mu.Unlock()
}

// Request sends env and waits for the envelope carrying the same request_id. A request
// without an id is given one. Cancelling ctx forgets the request; a late reply is dropped.
func (s *Session) Request(ctx context.Context, env envelope.Raw) (envelope.Raw, error) {
	const op = "stream.Session.Request"
	if env.Meta.RequestID == "" {
		env.Meta.RequestID = envelope.NewRequestID()
	}
	id := env.Meta.RequestID

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return envelope.Raw{}, errors.FromContext(ctx, op)
	}
	defer s.sem.Release(1)

	frame, err := EnvelopeFrame(env)
	if err != nil {
		return envelope.Raw{}, err
	}
	data, err := EncodeFrame(frame, s.cfg.MaxMessageSize)
	if err != nil {
		return envelope.Raw{}, err
	}

	ch := make(chan result, 1)
	if err := s.register(id, ch); err != nil {
		return envelope.Raw{}, err
	}
	answered := false
	defer func() {
		if !answered {
			s.abandon(id)
		}
	}()

	start := time.Now()
	if err := s.write(data); err != nil {
		return envelope.Raw{}, err
	}
	s.metrics.RecordSent(s.label, "envelope")

	select {
	case res := <-ch:
		answered = true
		s.metrics.RecordRequestDuration(s.label, time.Since(start))
		if res.err != nil {
			s.metrics.RecordError(s.label, errors.KindOf(res.err).String())
			return envelope.Raw{}, res.err
		}
		s.metrics.RecordReceived(s.label, "envelope")
		return res.env, nil
	case <-ctx.Done():
		err := errors.FromContext(ctx, op)
		s.metrics.RecordError(s.label, errors.KindOf(err).String())
		return envelope.Raw{}, err
	case <-s.closed:
		s.metrics.RecordError(s.label, errors.KindConnectionClosed.String())
		return envelope.Raw{}, s.Err()
	}
}

// Send writes env without waiting for a reply.
func (s *Session) Send(env envelope.Raw) error {
	frame, err := EnvelopeFrame(env)
	if err != nil {
		return err
	}
	if err := s.writeFrame(frame); err != nil {
		return err
	}
	s.metrics.RecordSent(s.label, "envelope")
	return nil
}

func (s *Session) register(id string, ch chan result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return s.closeErr
	default:
	}
	if _, dup := s.waiters[id]; dup {
		return errors.Newf(errors.KindValidation, "stream.Session.Request", "request %s already in flight", id)
	}
	s.waiters[id] = ch
	s.metrics.SetStreamPending(len(s.waiters))
	return nil
}

// abandon removes a waiter whose caller gave up and remembers the id so a late reply is
// discarded.
func (s *Session) abandon(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.waiters[id]; !ok {
		return
	}
	delete(s.waiters, id)
	s.abandoned[id] = time.Now()
	s.metrics.SetStreamPending(len(s.waiters))
}

// Pending returns the number of requests awaiting a reply.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

func (s *Session) writeFrame(f Frame) error {
	data, err := EncodeFrame(f, s.cfg.MaxMessageSize)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *Session) write(data []byte) error {
	select {
	case <-s.closed:
		return s.Err()
	default:
	}
	if err := s.conn.WriteFrame(data); err != nil {
		select {
		case <-s.closed:
			return s.Err()
		default:
		}
		return &errors.Error{Kind: errors.KindTransport, Op: "stream.Session.write", Err: err}
	}
	return nil
}

func (s *Session) readLoop() {
	for {
		data, err := s.conn.ReadFrame()
		if err != nil {
			s.fail(&errors.Error{Kind: errors.KindConnectionClosed, Op: "stream.Session", Message: "connection closed", Err: err})
			return
		}

		frame, err := DecodeFrame(data, s.cfg.MaxMessageSize)
		if err != nil {
			s.logger.Warn("rejecting inbound frame", "transport", s.label, "error", err)
			s.metrics.RecordError(s.label, errors.KindOf(err).String())
			_ = s.writeFrame(ErrorFrame(err, ""))
			continue
		}

		switch frame.Type {
		case FrameEnvelope:
			env, err := frame.Envelope()
			if err != nil {
				s.logger.Warn("rejecting undecodable envelope", "transport", s.label, "error", err)
				_ = s.writeFrame(ErrorFrame(err, ""))
				continue
			}
			s.deliver(env)
		case FramePing:
			_ = s.writeFrame(Frame{Type: FramePong, Timestamp: frame.Timestamp})
		case FramePong:
			select {
			case s.pong <- struct{}{}:
			default:
			}
		case FrameError:
			s.deliverError(frame)
		}
	}
}

func (s *Session) deliver(env envelope.Raw) {
	id := env.Meta.RequestID

	s.mu.Lock()
	ch, ok := s.waiters[id]
	if ok {
		delete(s.waiters, id)
		s.metrics.SetStreamPending(len(s.waiters))
	}
	_, late := s.abandoned[id]
	if late {
		delete(s.abandoned, id)
	}
	s.pruneAbandonedLocked()
	handler := s.unmatched
	s.mu.Unlock()

	switch {
	case ok:
		ch <- result{env: env}
	case late:
		s.logger.Debug("dropping reply to abandoned request", "transport", s.label, "request_id", id)
	case handler != nil:
		s.metrics.RecordReceived(s.label, "unmatched")
		_ = s.inbox.Push(s.ctx, env)
	default:
		s.logger.Warn("dropping unmatched envelope", "transport", s.label, "request_id", id)
	}
}

// dispatchLoop hands queued unmatched envelopes to the handler off the read loop, in
// arrival order.
func (s *Session) dispatchLoop() {
	for {
		env, err := s.inbox.Pop(s.ctx)
		if err != nil {
			return
		}
		s.mu.Lock()
		handler := s.unmatched
		s.mu.Unlock()
		if handler != nil {
			handler(s.ctx, env)
		}
	}
}

func (s *Session) deliverError(f Frame) {
	err := f.Err()
	if f.RequestID != "" {
		s.mu.Lock()
		ch, ok := s.waiters[f.RequestID]
		if ok {
			delete(s.waiters, f.RequestID)
		}
		s.mu.Unlock()
		if ok {
			ch <- result{err: err}
			return
		}
	}
	s.logger.Warn("peer reported error", "transport", s.label, "code", f.Code, "message", f.Message)
}

func (s *Session) pruneAbandonedLocked() {
	if len(s.abandoned) == 0 {
		return
	}
	cutoff := time.Now().Add(-abandonedTTL)
	for id, at := range s.abandoned {
		if at.Before(cutoff) {
			delete(s.abandoned, id)
		}
	}
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
		}

		// Discard a pong left over from an earlier round.
		select {
		case <-s.pong:
		default:
		}
		if err := s.writeFrame(PingFrame(time.Now())); err != nil {
			s.fail(&errors.Error{Kind: errors.KindConnectionClosed, Op: "stream.Session", Message: "ping failed", Err: err})
			return
		}

		timer := time.NewTimer(s.cfg.PingTimeout)
		select {
		case <-s.closed:
			timer.Stop()
			return
		case <-s.pong:
			timer.Stop()
		case <-timer.C:
			s.logger.Warn("ping timeout, closing connection", "transport", s.label)
			s.fail(errors.New(errors.KindConnectionClosed, "stream.Session", "ping timeout"))
			return
		}
	}
}

// fail closes the session once with err. Pending requests observe err.
func (s *Session) fail(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeErr = err
		s.waiters = make(map[string]chan result)
		s.mu.Unlock()
		close(s.closed)
		s.cancel()
		s.inbox.Close()
		_ = s.conn.Close()
		s.metrics.SetStreamPending(0)
		s.logger.Debug("session closed", "transport", s.label, "reason", err)
	})
}

// Close ends the session. Pending requests fail with KindConnectionClosed.
func (s *Session) Close() error {
	s.fail(errors.New(errors.KindConnectionClosed, "stream.Session", "session closed"))
	return nil
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Alive reports whether the session is still open.
func (s *Session) Alive() bool {
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

// Err returns why the session ended, or nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}
