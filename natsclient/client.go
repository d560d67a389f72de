// Package natsclient manages the NATS connection behind the bus transport: circuit breaker,
// request/reply with typed failures, queue subscriptions and subscription intents that
// survive reconnects.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/metric"
	"github.com/c360/qollective/pkg/tlsutil"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = errors.New(errors.KindTransport, "natsclient", "not connected to NATS")
	ErrCircuitOpen  = errors.New(errors.KindTransport, "natsclient", "circuit breaker is open")
)

// Status holds runtime status information for the client
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	Intents         int
	RTT             time.Duration
}

// intent is a subscription the client restores whenever it holds a fresh connection.
type intent struct {
	subject string
	queue   string
	handler nats.MsgHandler
	sub     *nats.Subscription
}

// Client manages a NATS connection with a circuit breaker
type Client struct {
	url      string
	status   atomic.Value // stores ConnectionStatus
	failures atomic.Int32
	logger   Logger

	conn *nats.Conn
	js   jetstream.JetStream

	intentsMu  sync.Mutex
	intents    map[uint64]*intent
	nextIntent uint64

	// Circuit breaker
	lastFailure      atomic.Value // stores time.Time
	backoff          atomic.Value // stores time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	// Authentication, cleared on close
	username string
	password string
	token    string

	tls tlsutil.Config

	clientName  string
	compression bool

	metrics *metric.Metrics

	onDisconnect   func(error)
	onReconnect    func()
	onHealthChange func(bool)

	// Health monitoring
	healthTicker   *time.Ticker
	healthInterval time.Duration
	healthDone     chan struct{}

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           NewSlogLogger(nil),
		intents:          make(map[uint64]*intent),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		healthInterval:   10 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WithKind(errors.KindConfig, "natsclient.NewClient", err)
		}
	}
	if err := c.tls.Validate(); err != nil {
		return nil, err
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	c.logger.Debugf("Created NATS client for %s", url)
	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	val := m.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// GetConnection returns the current NATS connection
func (m *Client) GetConnection() *nats.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
	switch status {
	case StatusConnected:
		m.metrics.RecordNATSStatus(true)
		m.metrics.RecordCircuitBreakerState(0)
	case StatusCircuitOpen:
		m.metrics.RecordNATSStatus(false)
		m.metrics.RecordCircuitBreakerState(1)
	default:
		m.metrics.RecordNATSStatus(false)
	}
}

// IsHealthy returns true if the connection is healthy
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Failures returns the current failure count
func (m *Client) Failures() int32 {
	return m.failures.Load()
}

// Backoff returns the current backoff duration
func (m *Client) Backoff() time.Duration {
	return m.backoff.Load().(time.Duration)
}

// recordFailure records a connection failure and opens the circuit after circuitThreshold
// failures in a round. Each round doubles the backoff up to maxBackoff.
func (m *Client) recordFailure() {
	totalFailures := m.failures.Add(1)
	m.lastFailure.Store(time.Now())
	circuitFailures := m.circuitFailures.Add(1)

	m.logger.Debugf("Recorded failure %d (circuit failures: %d)", totalFailures, circuitFailures)

	if circuitFailures < m.circuitThreshold {
		return
	}

	currentBackoff := m.backoff.Load().(time.Duration)
	newBackoff := currentBackoff * 2
	if newBackoff > m.maxBackoff {
		newBackoff = m.maxBackoff
	}

	currentStatus := m.Status()
	if currentStatus != StatusCircuitOpen {
		if !m.status.CompareAndSwap(currentStatus, StatusCircuitOpen) {
			return
		}
		m.setStatus(StatusCircuitOpen)
		m.backoff.Store(newBackoff)
		m.circuitFailures.Store(0)
		m.logger.Printf("Circuit breaker opened after %d failures, backing off for %v",
			circuitFailures, currentBackoff)
		time.AfterFunc(currentBackoff, m.testCircuit)
		return
	}

	m.backoff.Store(newBackoff)
	m.circuitFailures.Store(0)
	m.logger.Printf("Circuit breaker still open, increased backoff to %v", newBackoff)
}

func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.circuitFailures.Store(0)
	m.backoff.Store(time.Second)
	m.lastFailure.Store(time.Time{})

	if m.Status() == StatusCircuitOpen {
		m.setStatus(StatusDisconnected)
	}
}

// testCircuit half-opens the circuit so the next Connect may try again.
func (m *Client) testCircuit() {
	if m.Status() == StatusCircuitOpen {
		m.logger.Debugf("Circuit breaker test: moving from open to disconnected")
		m.setStatus(StatusDisconnected)
	}
}

// WaitForConnection waits for the connection to be established
func (m *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.FromContext(ctx, "natsclient.WaitForConnection")
		case <-ticker.C:
			if m.IsHealthy() {
				return nil
			}
		}
	}
}

func (m *Client) buildConnectionOptions() ([]nats.Option, error) {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}

	if m.username != "" && m.password != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}

	if m.tls.Enabled {
		tc, err := tlsutil.ClientConfig(m.tls)
		if err != nil {
			return nil, err
		}
		opts = append(opts, nats.Secure(tc))
	}

	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}
	if m.compression {
		opts = append(opts, nats.Compression(true))
	}
	return opts, nil
}

// GetStatus returns current status information
func (m *Client) GetStatus() *Status {
	status := &Status{
		Status:          m.Status(),
		FailureCount:    m.failures.Load(),
		LastFailureTime: m.lastFailure.Load().(time.Time),
	}

	m.intentsMu.Lock()
	status.Intents = len(m.intents)
	m.intentsMu.Unlock()

	if rtt, err := m.RTT(); err == nil {
		status.RTT = rtt
	}
	return status
}

// Connect establishes the connection and restores any recorded subscription intents.
func (m *Client) Connect(ctx context.Context) error {
	if m.Status() == StatusCircuitOpen {
		m.logger.Debugf("Circuit breaker is open, skipping connection attempt")
		return ErrCircuitOpen
	}

	opts, err := m.buildConnectionOptions()
	if err != nil {
		return err
	}

	m.setStatus(StatusConnecting)
	m.logger.Printf("Connecting to NATS at %s", m.url)

	type result struct {
		conn *nats.Conn
		err  error
	}
	connectDone := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(m.url, opts...)
		connectDone <- result{conn: conn, err: err}
	}()

	select {
	case res := <-connectDone:
		if res.err != nil {
			m.recordFailure()
			if m.Status() == StatusCircuitOpen {
				return ErrCircuitOpen
			}
			m.setStatus(StatusDisconnected)
			return errors.WithKind(errors.KindTransport, "natsclient.Connect",
				errors.WrapTransient(res.err, "Client", "Connect", "establish connection"))
		}
		m.mu.Lock()
		m.conn = res.conn
		if js, err := jetstream.New(res.conn); err == nil {
			m.js = js
		}
		m.mu.Unlock()
	case <-ctx.Done():
		m.recordFailure()
		if m.Status() != StatusCircuitOpen {
			m.setStatus(StatusDisconnected)
		}
		// A late connection is closed rather than leaked.
		go func() {
			if res := <-connectDone; res.conn != nil {
				res.conn.Close()
			}
		}()
		return errors.FromContext(ctx, "natsclient.Connect")
	}

	m.closed.Store(false)
	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.restoreIntents()

	m.logger.Printf("Successfully connected to NATS at %s", m.url)

	if m.healthInterval > 0 {
		m.startHealthMonitoring()
	}

	m.mu.RLock()
	onHealthChange := m.onHealthChange
	m.mu.RUnlock()
	if onHealthChange != nil {
		onHealthChange(true)
	}
	return nil
}

// Close drains and closes the connection. Subscription intents are discarded.
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Load() {
		return nil
	}
	m.closed.Store(true)

	m.stopHealthMonitoring()

	m.intentsMu.Lock()
	m.intents = make(map[uint64]*intent)
	m.intentsMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.conn != nil {
		drainTimeout := m.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		conn := m.conn
		drainDone := make(chan error, 1)
		go func() {
			drainDone <- conn.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
				m.logger.Errorf("Drain error: %v", err)
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain"))
			m.logger.Errorf("Drain timeout after %v, force closing", drainTimeout)
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain"))
			m.logger.Errorf("Context cancelled during drain, force closing")
		}

		conn.Close()
		m.conn = nil
		m.js = nil
	}

	m.username = ""
	m.password = ""
	m.token = ""

	m.setStatus(StatusDisconnected)
	return stderrors.Join(errs...)
}

// RTT returns the round-trip time to the NATS server
func (m *Client) RTT() (time.Duration, error) {
	conn := m.connected()
	if conn == nil {
		return 0, ErrNotConnected
	}
	rtt, err := conn.RTT()
	if err == nil {
		m.metrics.RecordNATSRTT(rtt)
	}
	return rtt, err
}

func (m *Client) connected() *nats.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil || !m.conn.IsConnected() {
		return nil
	}
	return m.conn
}

// Publish publishes data on subject. It fails with a transport error when disconnected.
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn := m.connected()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		return classify("natsclient.Publish", err)
	}
	return nil
}

// PublishMsg publishes a message with headers and an optional reply subject.
func (m *Client) PublishMsg(_ context.Context, msg *nats.Msg) error {
	conn := m.connected()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.PublishMsg(msg); err != nil {
		return classify("natsclient.PublishMsg", err)
	}
	return nil
}

// Request sends data on subject and waits for one reply through an ephemeral inbox. The
// deadline comes from ctx. Failures carry KindTimeout, KindNoResponders, KindCancelled or
// KindTransport.
func (m *Client) Request(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	conn := m.connected()
	if conn == nil {
		return nil, ErrNotConnected
	}
	msg, err := conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.FromContext(ctx, "natsclient.Request")
		}
		return nil, classify("natsclient.Request", err)
	}
	return msg, nil
}

// Subscribe records a subscription intent and subscribes to subject. A non-empty queue joins
// that queue group. The returned function unsubscribes and forgets the intent; calling it
// more than once is safe.
func (m *Client) Subscribe(subject, queue string, handler nats.MsgHandler) (func() error, error) {
	if handler == nil {
		return nil, errors.New(errors.KindValidation, "natsclient.Subscribe", "nil handler")
	}
	conn := m.connected()
	if conn == nil {
		return nil, ErrNotConnected
	}

	in := &intent{subject: subject, queue: queue, handler: handler}
	sub, err := subscribe(conn, in)
	if err != nil {
		return nil, classify("natsclient.Subscribe", err)
	}
	in.sub = sub

	m.intentsMu.Lock()
	m.nextIntent++
	id := m.nextIntent
	m.intents[id] = in
	m.intentsMu.Unlock()

	var once sync.Once
	var unsubErr error
	return func() error {
		once.Do(func() {
			m.intentsMu.Lock()
			current := in.sub
			delete(m.intents, id)
			m.intentsMu.Unlock()

			if current != nil && current.IsValid() {
				if err := current.Unsubscribe(); err != nil &&
					!stderrors.Is(err, nats.ErrConnectionClosed) && !stderrors.Is(err, nats.ErrBadSubscription) {
					unsubErr = classify("natsclient.Unsubscribe", err)
				}
			}
		})
		return unsubErr
	}, nil
}

func subscribe(conn *nats.Conn, in *intent) (*nats.Subscription, error) {
	if in.queue != "" {
		return conn.QueueSubscribe(in.subject, in.queue, in.handler)
	}
	return conn.Subscribe(in.subject, in.handler)
}

// restoreIntents re-subscribes every intent whose subscription no longer lives on the
// current connection. Messages published while it was missing are not replayed.
func (m *Client) restoreIntents() {
	conn := m.connected()
	if conn == nil {
		return
	}

	m.intentsMu.Lock()
	defer m.intentsMu.Unlock()

	for _, in := range m.intents {
		if in.sub != nil && in.sub.IsValid() {
			continue
		}
		sub, err := subscribe(conn, in)
		if err != nil {
			m.logger.Errorf("Failed to restore subscription to %s: %v", in.subject, err)
			continue
		}
		in.sub = sub
		m.logger.Debugf("Restored subscription to %s", in.subject)
	}
}

// classify maps nats.go errors onto error kinds.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, nats.ErrNoResponders):
		return &errors.Error{Kind: errors.KindNoResponders, Op: op, Err: err}
	case stderrors.Is(err, nats.ErrTimeout), stderrors.Is(err, context.DeadlineExceeded):
		return &errors.Error{Kind: errors.KindTimeout, Op: op, Err: err}
	case stderrors.Is(err, context.Canceled):
		return &errors.Error{Kind: errors.KindCancelled, Op: op, Err: err}
	case stderrors.Is(err, nats.ErrConnectionClosed), stderrors.Is(err, nats.ErrConnectionDraining):
		return &errors.Error{Kind: errors.KindConnectionClosed, Op: op, Err: err}
	case stderrors.Is(err, nats.ErrMaxPayload), stderrors.Is(err, nats.ErrBadSubject):
		return &errors.Error{Kind: errors.KindValidation, Op: op, Err: err}
	default:
		return &errors.Error{Kind: errors.KindTransport, Op: op, Err: err}
	}
}

// JetStream returns the JetStream context
func (m *Client) JetStream() (jetstream.JetStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.js == nil {
		return nil, ErrNotConnected
	}
	return m.js, nil
}

// CreateKeyValueBucket creates a KV bucket, or returns the existing bucket of that name.
func (m *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	if m.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	js, err := m.JetStream()
	if err != nil {
		return nil, err
	}

	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		m.logger.Debugf("Using existing KV bucket: %s", cfg.Bucket)
		return bucket, nil
	}

	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if isAlreadyExistsError(err) {
			bucket, err = js.KeyValue(ctx, cfg.Bucket)
			if err == nil {
				return bucket, nil
			}
		}
		m.recordFailure()
		return nil, errors.WithKind(errors.KindTransport, "natsclient.CreateKeyValueBucket",
			errors.Wrap(err, "Client", "CreateKeyValueBucket", fmt.Sprintf("create bucket %s", cfg.Bucket)))
	}

	m.logger.Printf("Created KV bucket: %s", cfg.Bucket)
	return bucket, nil
}

// OnHealthChange sets a callback for health status changes
func (m *Client) OnHealthChange(fn func(bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHealthChange = fn
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	m.setStatus(StatusReconnecting)
	if err != nil {
		m.logger.Printf("Disconnected from NATS: %v", err)
	}

	m.mu.RLock()
	onDisconnect := m.onDisconnect
	onHealthChange := m.onHealthChange
	m.mu.RUnlock()

	if onDisconnect != nil {
		go onDisconnect(err)
	}
	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (m *Client) handleReconnect(_ *nats.Conn) {
	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.metrics.RecordNATSReconnect()
	m.restoreIntents()

	m.mu.RLock()
	onReconnect := m.onReconnect
	onHealthChange := m.onHealthChange
	m.mu.RUnlock()

	if onReconnect != nil {
		go onReconnect()
	}
	if onHealthChange != nil {
		go onHealthChange(true)
	}
}

func (m *Client) handleClosed(_ *nats.Conn) {
	m.setStatus(StatusDisconnected)

	m.mu.RLock()
	onHealthChange := m.onHealthChange
	m.mu.RUnlock()

	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (m *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil && stderrors.Is(err, nats.ErrSlowConsumer) {
		m.logger.Errorf("Slow consumer on %s: %v", sub.Subject, err)
		return
	}
	m.logger.Errorf("NATS error: %v", err)
}

func (m *Client) startHealthMonitoring() {
	m.stopHealthMonitoring()

	m.mu.Lock()
	m.healthTicker = time.NewTicker(m.healthInterval)
	m.healthDone = make(chan struct{})
	ticker := m.healthTicker
	done := m.healthDone
	m.mu.Unlock()

	go func() {
		defer ticker.Stop()
		lastHealthy := m.IsHealthy()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.mu.RLock()
				conn := m.conn
				onHealthChange := m.onHealthChange
				m.mu.RUnlock()
				if conn == nil {
					continue
				}

				healthy := conn.IsConnected()
				if rtt, err := conn.RTT(); err != nil {
					healthy = false
				} else {
					m.metrics.RecordNATSRTT(rtt)
				}

				if healthy && m.Status() != StatusConnected {
					m.setStatus(StatusConnected)
				} else if !healthy && m.Status() == StatusConnected {
					m.setStatus(StatusReconnecting)
				}

				if healthy != lastHealthy && onHealthChange != nil {
					onHealthChange(healthy)
				}
				lastHealthy = healthy
			}
		}
	}()
}

func (m *Client) stopHealthMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.healthTicker != nil {
		m.healthTicker.Stop()
		m.healthTicker = nil
	}
	if m.healthDone != nil {
		close(m.healthDone)
		m.healthDone = nil
	}
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrBucketExists) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "bucket name already in use") ||
		strings.Contains(errStr, "already exists") ||
		strings.Contains(errStr, "stream name already in use")
}
