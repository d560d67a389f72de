package registry

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// Health is the liveness state of a registered agent.
type Health string

// Health values.
const (
	Healthy      Health = "healthy"
	Degraded     Health = "degraded"
	Unresponsive Health = "unresponsive"
)

// Valid reports whether h is a known health value.
func (h Health) Valid() bool {
	switch h {
	case Healthy, Degraded, Unresponsive:
		return true
	}
	return false
}

func (h Health) rank() int {
	switch h {
	case Degraded:
		return 1
	case Unresponsive:
		return 2
	}
	return 0
}

// worse returns the less healthy of a and b.
func worse(a, b Health) Health {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// LoggingCapability marks agents that receive forwarded registry events.
const LoggingCapability = "logging"

// AgentInfo describes a registered agent.
type AgentInfo struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Capabilities  []string          `json:"capabilities"`
	Health        Health            `json:"health,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat,omitempty"`
	Tenant        string            `json:"tenant,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// HasCapability reports whether the agent declares capability.
func (a AgentInfo) HasCapability(capability string) bool {
	return slices.Contains(a.Capabilities, capability)
}

// Clone returns a deep copy.
func (a AgentInfo) Clone() AgentInfo {
	a.Capabilities = slices.Clone(a.Capabilities)
	a.Metadata = maps.Clone(a.Metadata)
	return a
}

// normalizeCapabilities trims, de-duplicates and sorts capability names, dropping empty ones.
func normalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Deregistration removes an agent.
type Deregistration struct {
	ID string `json:"id"`
}

// Heartbeat refreshes an agent's liveness. Status defaults to Healthy. A non-nil
// Capabilities list replaces the agent's capability set.
type Heartbeat struct {
	ID           string    `json:"id"`
	Status       Health    `json:"status,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

// Query filters discovery. Set fields combine with AND; an empty query matches every agent.
type Query struct {
	Capability string `json:"capability,omitempty"`
	Name       string `json:"name,omitempty"`
	Tenant     string `json:"tenant,omitempty"`
}

func (q Query) matches(a AgentInfo) bool {
	if q.Capability != "" && !a.HasCapability(q.Capability) {
		return false
	}
	if q.Name != "" && q.Name != a.Name {
		return false
	}
	if q.Tenant != "" && q.Tenant != a.Tenant {
		return false
	}
	return true
}

// CapabilitiesQuery asks for one agent's capability set.
type CapabilitiesQuery struct {
	ID string `json:"id"`
}

// CapabilitiesReply answers a CapabilitiesQuery.
type CapabilitiesReply struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
}

// RegistrationAck answers a registration request.
type RegistrationAck struct {
	ID     string `json:"id"`
	Joined bool   `json:"joined"`
}

// DeregistrationAck answers a deregistration request.
type DeregistrationAck struct {
	ID      string `json:"id"`
	Removed bool   `json:"removed"`
}

// HeartbeatAck answers a heartbeat sent as a request.
type HeartbeatAck struct {
	ID     string `json:"id"`
	Known  bool   `json:"known"`
	Health Health `json:"health,omitempty"`
}

// Reregistration asks the agent with ID to register again.
type Reregistration struct {
	ID string `json:"id"`
}

// EventType names a registry event.
type EventType string

// Event types.
const (
	EventJoined        EventType = "joined"
	EventLeft          EventType = "left"
	EventHealthChanged EventType = "health_changed"
)

// Reasons carried by Left events.
const (
	ReasonDeregistered = "deregistered"
	ReasonExpired      = "ttl_expired"
)

// Event is broadcast on the events subject. Seq increases by one per event published by a
// registry service, so consumers can detect gaps and order events.
type Event struct {
	Seq       uint64     `json:"seq"`
	Type      EventType  `json:"type"`
	AgentID   string     `json:"agent_id"`
	Agent     *AgentInfo `json:"agent,omitempty"`
	Previous  Health     `json:"previous,omitempty"`
	Health    Health     `json:"health,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
