package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/metric"
	"github.com/c360/qollective/pkg/buffer"
	"github.com/c360/qollective/transport/bus"
)

// Mirror receives a copy of the membership, one JSON AgentInfo per agent id.
// *natsclient.KVStore implements it.
type Mirror interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
}

// Service serves the registry on the bus and publishes its events.
type Service struct {
	client   *bus.Client
	cfg      Config
	subjects Subjects
	reg      *Registry
	logger   *slog.Logger
	metrics  *metric.Metrics
	mirror   Mirror

	logQueue buffer.Buffer[Event]
	wake     chan struct{}

	// writeMu orders each mutation with the publication of its events.
	writeMu sync.Mutex
	seq     uint64

	mu        sync.Mutex
	cancel    context.CancelFunc
	group     *errgroup.Group
	responder *bus.Responder
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records membership and events on m.
func WithMetrics(m *metric.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithMirror copies membership changes into m.
func WithMirror(m Mirror) ServiceOption {
	return func(s *Service) { s.mirror = m }
}

// NewService creates a registry service that talks over client.
func NewService(client *bus.Client, cfg Config, opts ...ServiceOption) (*Service, error) {
	if client == nil {
		return nil, errors.New(errors.KindConfig, "registry.NewService", "bus client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	s := &Service{
		client:   client,
		cfg:      cfg,
		subjects: NewSubjects(cfg.Prefix),
		reg:      New(cfg),
		logger:   slog.Default(),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "registry")
	s.logQueue = buffer.New[Event](cfg.LogQueueSize,
		buffer.WithOverflowPolicy[Event](buffer.DropOldest),
		buffer.WithMetrics[Event](s.metrics, "registry"),
		buffer.WithDropCallback[Event](func(ev Event) {
			s.logger.Debug("dropping queued log event", "seq", ev.Seq, "type", ev.Type, "agent_id", ev.AgentID)
		}),
	)
	return s, nil
}

// Registry returns the underlying state.
func (s *Service) Registry() *Registry {
	return s.reg
}

// Subjects returns the subjects the service listens and publishes on.
func (s *Service) Subjects() Subjects {
	return s.subjects
}

// Seq returns the sequence number of the last published event.
func (s *Service) Seq() uint64 {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.seq
}

// Start subscribes the registry handlers and launches the reaper and, when enabled, the
// logging forwarder. Discovery and capability queries join the configured queue group so
// replicas share them; mutations are seen by every replica.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New(errors.KindValidation, "registry.Service.Start", "service already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	responder := bus.NewResponder(s.client)
	if err := responder.Start(runCtx); err != nil {
		cancel()
		return err
	}

	handlers := []struct {
		subject string
		queue   string
		handle  bus.HandlerFunc
	}{
		{s.subjects.Registration, "", bus.Typed(s.handleRegister)},
		{s.subjects.Deregistration, "", bus.Typed(s.handleDeregister)},
		{s.subjects.Heartbeat, "", bus.Typed(s.handleHeartbeat)},
		{s.subjects.Discovery, s.cfg.QueueGroup, bus.Typed(s.handleDiscovery)},
		{s.subjects.Capabilities, s.cfg.QueueGroup, bus.Typed(s.handleCapabilities)},
	}
	for _, h := range handlers {
		if err := responder.Handle(h.subject, h.queue, h.handle); err != nil {
			cancel()
			_ = responder.Stop(time.Second)
			return err
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.runReaper(gctx) })
	if s.cfg.EnableAgentLogging {
		g.Go(func() error { return s.forwardLogs(gctx) })
	}

	s.cancel = cancel
	s.group = g
	s.responder = responder
	s.logger.Info("registry started",
		"prefix", s.cfg.Prefix, "ttl", s.cfg.TTL, "cleanup_interval", s.cfg.CleanupInterval,
		"agent_logging", s.cfg.EnableAgentLogging)
	return nil
}

// Stop unsubscribes, waits up to timeout for in-flight requests and stops the background loops.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}

	err := s.responder.Stop(timeout)
	s.cancel()
	if werr := s.group.Wait(); werr != nil {
		err = errors.Join(err, werr)
	}
	s.cancel = nil
	s.group = nil
	s.responder = nil
	s.logger.Info("registry stopped", "agents", s.reg.Len())
	return err
}

func (s *Service) handleRegister(ctx context.Context, req envelope.Envelope[AgentInfo]) (RegistrationAck, error) {
	info := req.Payload
	if info.Tenant == "" {
		info.Tenant = req.Meta.Tenant
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	events, err := s.reg.Register(info)
	if err != nil {
		s.logger.Warn("registration rejected", "agent_id", info.ID, "error", err)
		return RegistrationAck{}, err
	}
	joined := len(events) > 0 && events[0].Type == EventJoined
	if !joined {
		if current, ok := s.reg.Get(info.ID); ok {
			s.mirrorPut(ctx, current)
		}
	}
	s.emit(ctx, events)
	s.logger.Debug("agent registered", "agent_id", info.ID, "name", info.Name, "joined", joined)
	return RegistrationAck{ID: info.ID, Joined: joined}, nil
}

func (s *Service) handleDeregister(ctx context.Context, req envelope.Envelope[Deregistration]) (DeregistrationAck, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	events, removed := s.reg.Deregister(req.Payload.ID)
	s.emit(ctx, events)
	return DeregistrationAck{ID: req.Payload.ID, Removed: removed}, nil
}

func (s *Service) handleHeartbeat(ctx context.Context, req envelope.Envelope[Heartbeat]) (HeartbeatAck, error) {
	hb := req.Payload

	s.writeMu.Lock()
	events, health, known, err := s.reg.Heartbeat(hb)
	if err != nil {
		s.writeMu.Unlock()
		s.logger.Warn("heartbeat rejected, keeping previous state", "agent_id", hb.ID, "error", err)
		return HeartbeatAck{}, err
	}
	s.emit(ctx, events)
	s.writeMu.Unlock()

	if !known {
		s.logger.Debug("heartbeat from unknown agent", "agent_id", hb.ID)
		if s.cfg.RequestReregistration && hb.ID != "" {
			s.requestReregistration(ctx, req.Meta, hb.ID)
		}
	}
	return HeartbeatAck{ID: hb.ID, Known: known, Health: health}, nil
}

func (s *Service) handleDiscovery(_ context.Context, req envelope.Envelope[Query]) ([]AgentInfo, error) {
	q := req.Payload
	if q.Tenant == "" {
		q.Tenant = req.Meta.Tenant
	}
	return s.reg.Discover(q), nil
}

func (s *Service) handleCapabilities(_ context.Context, req envelope.Envelope[CapabilitiesQuery]) (CapabilitiesReply, error) {
	caps, err := s.reg.Capabilities(req.Payload.ID)
	if err != nil {
		return CapabilitiesReply{}, err
	}
	return CapabilitiesReply{ID: req.Payload.ID, Capabilities: caps}, nil
}

func (s *Service) requestReregistration(ctx context.Context, meta envelope.Meta, id string) {
	raw, err := envelope.ToRaw(envelope.New(meta.ReplyMeta(), Reregistration{ID: id}))
	if err == nil {
		err = s.client.PublishEnvelope(ctx, s.subjects.Reregister, raw)
	}
	if err != nil {
		s.logger.Warn("failed to request re-registration", "agent_id", id, "error", err)
	}
}

func (s *Service) runReaper(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reap(ctx)
		}
	}
}

func (s *Service) reap(ctx context.Context) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.emit(ctx, s.reg.Reap())
}

// emit numbers and publishes events. Callers hold writeMu.
func (s *Service) emit(ctx context.Context, events []Event) {
	if len(events) == 0 {
		return
	}
	for _, ev := range events {
		s.seq++
		ev.Seq = s.seq

		meta := envelope.NewMeta()
		meta.Tracing = envelope.NewTracing("registry." + string(ev.Type))
		if ev.Agent != nil {
			meta.Tenant = ev.Agent.Tenant
		}
		if raw, err := envelope.ToRaw(envelope.New(meta, ev)); err != nil {
			s.logger.Error("failed to encode registry event", "seq", ev.Seq, "error", err)
		} else if err := s.client.PublishEnvelope(ctx, s.subjects.Events, raw); err != nil {
			s.logger.Warn("failed to publish registry event", "seq", ev.Seq, "type", ev.Type, "error", err)
		}

		s.metrics.RecordRegistryEvent(string(ev.Type))
		switch ev.Type {
		case EventLeft:
			if ev.Reason == ReasonExpired {
				s.metrics.RecordEviction()
				s.logger.Info("agent expired", "agent_id", ev.AgentID)
			}
			s.mirrorDelete(ctx, ev.AgentID)
		default:
			if ev.Agent != nil {
				s.mirrorPut(ctx, *ev.Agent)
			}
		}
		s.enqueueLog(ctx, ev)
	}
	s.metrics.SetRegistryAgents(s.reg.Len())
}

func (s *Service) mirrorPut(ctx context.Context, info AgentInfo) {
	if s.mirror == nil {
		return
	}
	data, err := json.Marshal(info)
	if err == nil {
		_, err = s.mirror.Put(ctx, info.ID, data)
	}
	if err != nil {
		s.logger.Warn("failed to mirror agent", "agent_id", info.ID, "error", err)
	}
}

func (s *Service) mirrorDelete(ctx context.Context, id string) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Delete(ctx, id); err != nil {
		s.logger.Warn("failed to remove mirrored agent", "agent_id", id, "error", err)
	}
}

func (s *Service) enqueueLog(ctx context.Context, ev Event) {
	if !s.cfg.EnableAgentLogging {
		return
	}
	if err := s.logQueue.Push(ctx, ev); err != nil {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// forwardLogs sends queued events to LogSubject while an agent with the logging capability
// is registered. Without one, events stay queued until the buffer overflows.
func (s *Service) forwardLogs(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
			s.flushLogs(ctx)
		}
	}
}

func (s *Service) flushLogs(ctx context.Context) {
	for s.reg.HasCapability(LoggingCapability) {
		ev, ok := s.logQueue.TryPop()
		if !ok {
			return
		}
		meta := envelope.NewMeta()
		if ev.Agent != nil {
			meta.Tenant = ev.Agent.Tenant
		}
		raw, err := envelope.ToRaw(envelope.New(meta, ev))
		if err == nil {
			err = s.client.PublishEnvelope(ctx, s.cfg.LogSubject, raw)
		}
		if err != nil {
			s.logger.Warn("failed to forward registry event", "seq", ev.Seq, "error", err)
		}
	}
}
