// Package registry tracks which agents are alive and what they can do. Agents register over
// the bus, prove liveness with heartbeats and are found by capability. A reaper derives
// health from heartbeat age and removes agents whose TTL has passed.
//
// Registry holds the state and is safe for concurrent use. Service exposes it on the bus and
// publishes an ordered event stream of joins, departures and health changes.
package registry

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/c360/qollective/errors"
)

type entry struct {
	info AgentInfo
	// reported is the health last claimed by the agent; the effective health is never better.
	reported Health
}

// Registry is the in-memory agent table with a capability index.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry
	// index maps capability to the ids declaring it. Every id in it is in agents.
	index map[string]map[string]struct{}

	ttl       time.Duration
	maxAgents int
	maxCaps   int
	now       func() time.Time
}

// New creates an empty registry using the TTL and limits in cfg. Zero fields take defaults.
func New(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	return &Registry{
		agents:    make(map[string]*entry),
		index:     make(map[string]map[string]struct{}),
		ttl:       cfg.TTL,
		maxAgents: cfg.MaxAgents,
		maxCaps:   cfg.MaxCapabilitiesPerAgent,
		now:       time.Now,
	}
}

// TTL returns the heartbeat time-to-live.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Register adds or replaces an agent. Replacing a known id keeps the agent registered and
// resets its health; only a new id produces a Joined event. Registration fails with
// KindValidation for an empty id and KindCapacity when a limit would be exceeded, leaving
// any previous registration in place.
func (r *Registry) Register(info AgentInfo) ([]Event, error) {
	const op = "registry.Register"
	if info.ID == "" {
		return nil, errors.New(errors.KindValidation, op, "agent id is required")
	}
	info = info.Clone()
	info.Capabilities = normalizeCapabilities(info.Capabilities)
	if r.maxCaps > 0 && len(info.Capabilities) > r.maxCaps {
		return nil, errors.Newf(errors.KindCapacity, op, "agent %s declares %d capabilities, limit is %d",
			info.ID, len(info.Capabilities), r.maxCaps)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	prev, known := r.agents[info.ID]
	if !known && r.maxAgents > 0 && len(r.agents) >= r.maxAgents {
		return nil, errors.Newf(errors.KindCapacity, op, "registry is full (%d agents)", r.maxAgents)
	}

	info.Health = Healthy
	info.LastHeartbeat = now
	if known {
		r.unindex(prev.info)
	}
	r.agents[info.ID] = &entry{info: info, reported: Healthy}
	r.indexAgent(info)

	snapshot := info.Clone()
	if !known {
		return []Event{{Type: EventJoined, AgentID: info.ID, Agent: &snapshot, Health: Healthy, Timestamp: now}}, nil
	}
	if prev.info.Health != Healthy {
		return []Event{{
			Type: EventHealthChanged, AgentID: info.ID, Agent: &snapshot,
			Previous: prev.info.Health, Health: Healthy, Timestamp: now,
		}}, nil
	}
	return nil, nil
}

// Deregister removes an agent. It reports false, with no event, when the id is unknown.
func (r *Registry) Deregister(id string) ([]Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return []Event{r.removeLocked(e, ReasonDeregistered)}, true
}

func (r *Registry) removeLocked(e *entry, reason string) Event {
	r.unindex(e.info)
	delete(r.agents, e.info.ID)
	snapshot := e.info.Clone()
	return Event{
		Type: EventLeft, AgentID: e.info.ID, Agent: &snapshot,
		Previous: e.info.Health, Reason: reason, Timestamp: r.now(),
	}
}

// Heartbeat refreshes an agent. known is false when the id is not registered. A non-nil
// capability list replaces the declared set; exceeding the per-agent limit rejects the whole
// heartbeat with KindCapacity and keeps the previous state.
func (r *Registry) Heartbeat(hb Heartbeat) (events []Event, health Health, known bool, err error) {
	const op = "registry.Heartbeat"
	status := hb.Status
	if status == "" {
		status = Healthy
	}
	if !status.Valid() {
		return nil, "", false, errors.Newf(errors.KindValidation, op, "unknown health status %q", hb.Status)
	}
	var caps []string
	if hb.Capabilities != nil {
		caps = normalizeCapabilities(hb.Capabilities)
		if r.maxCaps > 0 && len(caps) > r.maxCaps {
			return nil, "", false, errors.Newf(errors.KindCapacity, op, "agent %s declares %d capabilities, limit is %d",
				hb.ID, len(caps), r.maxCaps)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[hb.ID]
	if !ok {
		return nil, "", false, nil
	}
	now := r.now()
	e.info.LastHeartbeat = now
	e.reported = status
	if caps != nil && !slices.Equal(caps, e.info.Capabilities) {
		r.unindex(e.info)
		e.info.Capabilities = caps
		r.indexAgent(e.info)
	}

	if ev, changed := r.setHealthLocked(e, status, now); changed {
		events = append(events, ev)
	}
	return events, e.info.Health, true, nil
}

func (r *Registry) setHealthLocked(e *entry, next Health, now time.Time) (Event, bool) {
	prev := e.info.Health
	if prev == next {
		return Event{}, false
	}
	e.info.Health = next
	snapshot := e.info.Clone()
	return Event{
		Type: EventHealthChanged, AgentID: e.info.ID, Agent: &snapshot,
		Previous: prev, Health: next, Timestamp: now,
	}, true
}

// ageHealth maps the time since the last heartbeat to a health state. ok is false once the
// TTL has passed.
func (r *Registry) ageHealth(age time.Duration) (Health, bool) {
	switch {
	case age <= r.ttl/2:
		return Healthy, true
	case age <= r.ttl:
		return Degraded, true
	default:
		return "", false
	}
}

// Reap re-derives every agent's health from its heartbeat age and removes agents older than
// the TTL. Events are ordered by agent id.
func (r *Registry) Reap() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	ids := slices.Sorted(maps.Keys(r.agents))
	var events []Event
	for _, id := range ids {
		e := r.agents[id]
		derived, alive := r.ageHealth(now.Sub(e.info.LastHeartbeat))
		if !alive {
			events = append(events, r.removeLocked(e, ReasonExpired))
			continue
		}
		if ev, changed := r.setHealthLocked(e, worse(e.reported, derived), now); changed {
			events = append(events, ev)
		}
	}
	return events
}

// Discover returns the agents matching q, sorted by id. It never returns nil.
func (r *Registry) Discover(q Query) []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentInfo, 0)
	if q.Capability != "" {
		for id := range r.index[q.Capability] {
			if e := r.agents[id]; q.matches(e.info) {
				out = append(out, e.info.Clone())
			}
		}
	} else {
		for _, e := range r.agents {
			if q.matches(e.info) {
				out = append(out, e.info.Clone())
			}
		}
	}
	slices.SortFunc(out, func(a, b AgentInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Capabilities returns an agent's declared capabilities, or KindNotFound.
func (r *Registry) Capabilities(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "registry.Capabilities", "agent %s is not registered", id)
	}
	return slices.Clone(e.info.Capabilities), nil
}

// Get returns a copy of one agent.
func (r *Registry) Get(id string) (AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return AgentInfo{}, false
	}
	return e.info.Clone(), true
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// HasCapability reports whether any registered agent declares capability.
func (r *Registry) HasCapability(capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index[capability]) > 0
}

// Snapshot returns every agent, sorted by id.
func (r *Registry) Snapshot() []AgentInfo {
	return r.Discover(Query{})
}

// CapabilityIndex returns a copy of the index as capability to sorted agent ids.
func (r *Registry) CapabilityIndex() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.index))
	for capability, ids := range r.index {
		out[capability] = slices.Sorted(maps.Keys(ids))
	}
	return out
}

func (r *Registry) indexAgent(info AgentInfo) {
	for _, c := range info.Capabilities {
		ids, ok := r.index[c]
		if !ok {
			ids = make(map[string]struct{})
			r.index[c] = ids
		}
		ids[info.ID] = struct{}{}
	}
}

func (r *Registry) unindex(info AgentInfo) {
	for _, c := range info.Capabilities {
		if ids, ok := r.index[c]; ok {
			delete(ids, info.ID)
			if len(ids) == 0 {
				delete(r.index, c)
			}
		}
	}
}
