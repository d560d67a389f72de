// Package agent is the agent side of the registry protocol. A Participant registers itself,
// heartbeats until stopped, serves requests routed to it and finds other agents by
// capability.
package agent

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/pkg/cache"
	"github.com/c360/qollective/registry"
	"github.com/c360/qollective/transport/bus"
)

// Config controls a participant.
type Config struct {
	Prefix string `json:"prefix" yaml:"prefix"`
	// HeartbeatInterval should be at most half the registry TTL or the agent is reported
	// Degraded between beats.
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	RequestTimeout    time.Duration `json:"request_timeout" yaml:"request_timeout"`
	// QueueGroup lets several processes share one agent id's request subject.
	QueueGroup string `json:"queue_group,omitempty" yaml:"queue_group,omitempty"`
	// DiscoveryCacheTTL keeps discovery results for this long. Any registry event clears the
	// cache. Zero disables caching.
	DiscoveryCacheTTL time.Duration `json:"discovery_cache_ttl,omitempty" yaml:"discovery_cache_ttl,omitempty"`
}

// DefaultConfig returns the participant defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:            registry.DefaultPrefix,
		HeartbeatInterval: 10 * time.Second,
		RequestTimeout:    5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.HeartbeatInterval < 0 || c.RequestTimeout < 0 || c.DiscoveryCacheTTL < 0 {
		return errors.New(errors.KindConfig, "agent.Config.Validate", "intervals cannot be negative")
	}
	return nil
}

// Participant is one agent's membership in the registry.
type Participant struct {
	client   *bus.Client
	cfg      Config
	subjects registry.Subjects
	logger   *slog.Logger
	handler  bus.HandlerFunc

	mu        sync.Mutex
	info      registry.AgentInfo
	status    registry.Health
	responder *bus.Responder
	events    *bus.Subscription
	cancel    context.CancelFunc
	done      chan struct{}

	discovered *cache.TTL[[]registry.AgentInfo]
}

// Option configures a Participant.
type Option func(*Participant)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Participant) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithHandler serves requests sent to this agent's request subject.
func WithHandler(h bus.HandlerFunc) Option {
	return func(p *Participant) { p.handler = h }
}

// New creates a participant for info. An empty id is replaced with a UUIDv7.
func New(client *bus.Client, info registry.AgentInfo, cfg Config, opts ...Option) (*Participant, error) {
	const op = "agent.New"
	if client == nil {
		return nil, errors.New(errors.KindConfig, op, "bus client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if info.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, &errors.Error{Kind: errors.KindUnknown, Op: op, Message: "generate agent id", Err: err}
		}
		info.ID = id.String()
	}

	p := &Participant{
		client:   client,
		cfg:      cfg,
		subjects: registry.NewSubjects(cfg.Prefix),
		logger:   slog.Default(),
		info:     info.Clone(),
		status:   registry.Healthy,
	}
	for _, opt := range opts {
		opt(p)
	}
	if cfg.DiscoveryCacheTTL > 0 {
		discovered, err := cache.NewTTL[[]registry.AgentInfo](cfg.DiscoveryCacheTTL, cache.WithMaxSize[[]registry.AgentInfo](256))
		if err != nil {
			return nil, err
		}
		p.discovered = discovered
	}
	p.logger = p.logger.With("component", "agent", "agent_id", info.ID)
	return p, nil
}

// ID returns the agent id.
func (p *Participant) ID() string {
	return p.info.ID
}

// RequestSubject is the subject this agent serves requests on.
func (p *Participant) RequestSubject() string {
	return p.subjects.AgentRequest(p.info.ID)
}

// SetStatus sets the health reported by subsequent heartbeats.
func (p *Participant) SetStatus(h registry.Health) {
	p.mu.Lock()
	p.status = h
	p.mu.Unlock()
}

// SetCapabilities replaces the declared capabilities; the next heartbeat carries them.
func (p *Participant) SetCapabilities(caps []string) {
	p.mu.Lock()
	p.info.Capabilities = append([]string(nil), caps...)
	p.mu.Unlock()
}

// Start registers the agent, subscribes its request handler and starts heartbeating.
func (p *Participant) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.New(errors.KindValidation, "agent.Participant.Start", "participant already started")
	}

	if err := p.register(ctx, p.info); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	responder := bus.NewResponder(p.client)
	if err := responder.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if p.handler != nil {
		if err := responder.Handle(p.RequestSubject(), p.cfg.QueueGroup, p.handler); err != nil {
			cancel()
			_ = responder.Stop(p.cfg.RequestTimeout)
			return err
		}
	}
	if err := responder.Handle(p.subjects.Reregister, "", bus.Typed(p.handleReregister)); err != nil {
		cancel()
		_ = responder.Stop(p.cfg.RequestTimeout)
		return err
	}

	if p.discovered != nil {
		events, err := p.client.Subscribe(p.subjects.Events, "")
		if err != nil {
			cancel()
			_ = responder.Stop(p.cfg.RequestTimeout)
			return err
		}
		p.events = events
		go p.invalidateOnEvents(events)
	}

	p.responder = responder
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.heartbeatLoop(runCtx, p.done)
	p.logger.Info("agent started", "name", p.info.Name, "capabilities", p.info.Capabilities)
	return nil
}

// Stop ends heartbeating, deregisters and unsubscribes. The deregistration uses ctx.
func (p *Participant) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return nil
	}
	cancel, done, responder, events := p.cancel, p.done, p.responder, p.events
	p.cancel, p.done, p.responder, p.events = nil, nil, nil, nil
	p.mu.Unlock()

	cancel()
	<-done
	if events != nil {
		_ = events.Unsubscribe()
		p.discovered.Clear()
	}

	err := p.deregister(ctx)
	if serr := responder.Stop(p.cfg.RequestTimeout); serr != nil {
		err = errors.Join(err, serr)
	}
	p.logger.Info("agent stopped")
	return err
}

func (p *Participant) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.cfg.RequestTimeout)
}

func (p *Participant) meta(operation string) envelope.Meta {
	meta := envelope.NewMeta()
	meta.Tenant = p.info.Tenant
	meta.Tracing = envelope.NewTracing(operation)
	return meta
}

func (p *Participant) register(ctx context.Context, info registry.AgentInfo) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	reply, err := bus.RequestAs[registry.AgentInfo, registry.RegistrationAck](ctx, p.client,
		p.subjects.Registration, envelope.New(p.meta("agent.register"), info))
	if err != nil {
		return err
	}
	p.logger.Debug("registered", "joined", reply.Payload.Joined)
	return nil
}

func (p *Participant) deregister(ctx context.Context) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	_, err := bus.RequestAs[registry.Deregistration, registry.DeregistrationAck](ctx, p.client,
		p.subjects.Deregistration, envelope.New(p.meta("agent.deregister"), registry.Deregistration{ID: p.info.ID}))
	return err
}

func (p *Participant) handleReregister(ctx context.Context, req envelope.Envelope[registry.Reregistration]) (any, error) {
	if req.Payload.ID != p.info.ID {
		return nil, nil
	}
	p.logger.Info("registry asked for re-registration")
	p.mu.Lock()
	info := p.info.Clone()
	p.mu.Unlock()
	return nil, p.register(ctx, info)
}

// Heartbeat sends one heartbeat. An agent the registry no longer knows registers again.
func (p *Participant) Heartbeat(ctx context.Context) error {
	p.mu.Lock()
	info := p.info.Clone()
	hb := registry.Heartbeat{
		ID:           info.ID,
		Status:       p.status,
		Timestamp:    time.Now().UTC(),
		Capabilities: info.Capabilities,
	}
	p.mu.Unlock()

	hctx, cancel := p.withTimeout(ctx)
	defer cancel()
	reply, err := bus.RequestAs[registry.Heartbeat, registry.HeartbeatAck](hctx, p.client,
		p.subjects.Heartbeat, envelope.New(p.meta("agent.heartbeat"), hb))
	if err != nil {
		return err
	}
	if !reply.Payload.Known {
		p.logger.Info("registry lost this agent, registering again")
		return p.register(ctx, info)
	}
	return nil
}

func (p *Participant) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// invalidateOnEvents clears cached discovery results whenever membership or health changes.
func (p *Participant) invalidateOnEvents(events *bus.Subscription) {
	for range events.C() {
		p.discovered.Clear()
	}
}

func discoveryKey(q registry.Query) string {
	return q.Capability + "\x00" + q.Name + "\x00" + q.Tenant
}

// Discover returns the agents matching q, sorted by id. No match is KindNotFound.
func (p *Participant) Discover(ctx context.Context, q registry.Query) ([]registry.AgentInfo, error) {
	if p.discovered != nil {
		if agents, ok := p.discovered.Get(discoveryKey(q)); ok {
			return slices.Clone(agents), nil
		}
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	reply, err := bus.RequestAs[registry.Query, []registry.AgentInfo](ctx, p.client,
		p.subjects.Discovery, envelope.New(p.meta("agent.discover"), q))
	if err != nil {
		return nil, err
	}
	if len(reply.Payload) == 0 {
		return nil, errors.New(errors.KindNotFound, "agent.Discover", "no agent matches the query")
	}
	if p.discovered != nil {
		p.discovered.Set(discoveryKey(q), slices.Clone(reply.Payload))
	}
	return reply.Payload, nil
}

// DiscoveryCacheStats reports discovery cache counters. It is zero when caching is off.
func (p *Participant) DiscoveryCacheStats() cache.Stats {
	if p.discovered == nil {
		return cache.Stats{}
	}
	return p.discovered.Stats()
}

// Capabilities returns another agent's declared capabilities.
func (p *Participant) Capabilities(ctx context.Context, agentID string) ([]string, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	reply, err := bus.RequestAs[registry.CapabilitiesQuery, registry.CapabilitiesReply](ctx, p.client,
		p.subjects.Capabilities, envelope.New(p.meta("agent.capabilities"), registry.CapabilitiesQuery{ID: agentID}))
	if err != nil {
		return nil, err
	}
	return reply.Payload.Capabilities, nil
}

// RouteToCapability sends req to one agent declaring capability, preferring healthy agents
// and breaking ties by id. An error reply is returned together with its error.
func (p *Participant) RouteToCapability(ctx context.Context, capability string, req envelope.Raw) (envelope.Raw, error) {
	agents, err := p.Discover(ctx, registry.Query{Capability: capability})
	if err != nil {
		return envelope.Raw{}, err
	}
	target := agents[0]
	for _, a := range agents {
		if a.Health == registry.Healthy {
			target = a
			break
		}
	}
	if req.Meta.RequestID == "" {
		req.Meta = p.mergeMeta(req.Meta, "agent.route")
	}
	reply, err := p.client.RequestEnvelope(ctx, p.subjects.AgentRequest(target.ID), req)
	if err != nil {
		return envelope.Raw{}, err
	}
	if reply.HasError() {
		return reply, reply.Err()
	}
	return reply, nil
}

// Broadcast publishes env to every agent declaring capability without waiting for replies.
// It returns how many agents it reached.
func (p *Participant) Broadcast(ctx context.Context, capability string, env envelope.Raw) (int, error) {
	agents, err := p.Discover(ctx, registry.Query{Capability: capability})
	if err != nil {
		return 0, err
	}
	if env.Meta.RequestID == "" {
		env.Meta = p.mergeMeta(env.Meta, "agent.broadcast")
	}
	var errs []error
	sent := 0
	for _, a := range agents {
		if err := p.client.PublishEnvelope(ctx, p.subjects.AgentRequest(a.ID), env); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

func (p *Participant) mergeMeta(meta envelope.Meta, operation string) envelope.Meta {
	meta.Merge(p.meta(operation))
	return meta
}
