package registry

import (
	"strings"
	"time"

	"github.com/c360/qollective/errors"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "qollective"

// Config configures the registry state and service.
type Config struct {
	// Prefix starts every registry subject: {prefix}.agents.{op}.
	Prefix string `json:"prefix" yaml:"prefix"`
	// TTL is how long an agent may go without a heartbeat before it is removed. Agents are
	// Degraded once half of it has passed.
	TTL             time.Duration `json:"ttl" yaml:"ttl"`
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`

	MaxAgents               int `json:"max_agents" yaml:"max_agents"`
	MaxCapabilitiesPerAgent int `json:"max_capabilities_per_agent" yaml:"max_capabilities_per_agent"`

	// RequestReregistration answers a heartbeat from an unknown agent with a request on the
	// reregister subject instead of ignoring it.
	RequestReregistration bool `json:"request_reregistration" yaml:"request_reregistration"`

	// EnableAgentLogging forwards events to agents with the logging capability on LogSubject.
	// Events wait in a queue of LogQueueSize while no such agent exists; the oldest are dropped.
	EnableAgentLogging bool   `json:"enable_agent_logging" yaml:"enable_agent_logging"`
	LogSubject         string `json:"log_subject,omitempty" yaml:"log_subject,omitempty"`
	LogQueueSize       int    `json:"log_queue_size" yaml:"log_queue_size"`

	// QueueGroup spreads discovery and capability queries across registry replicas.
	QueueGroup string `json:"queue_group" yaml:"queue_group"`
	// KVBucket names a key-value bucket mirroring membership. Empty disables the mirror.
	KVBucket string `json:"kv_bucket,omitempty" yaml:"kv_bucket,omitempty"`
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:                  DefaultPrefix,
		TTL:                     30 * time.Second,
		CleanupInterval:         5 * time.Second,
		MaxAgents:               1000,
		MaxCapabilitiesPerAgent: 32,
		LogQueueSize:            256,
		QueueGroup:              "qollective-registry",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	if c.TTL == 0 {
		c.TTL = d.TTL
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = min(d.CleanupInterval, c.TTL/4)
	}
	if c.MaxAgents == 0 {
		c.MaxAgents = d.MaxAgents
	}
	if c.MaxCapabilitiesPerAgent == 0 {
		c.MaxCapabilitiesPerAgent = d.MaxCapabilitiesPerAgent
	}
	if c.LogQueueSize == 0 {
		c.LogQueueSize = d.LogQueueSize
	}
	if c.LogSubject == "" {
		c.LogSubject = NewSubjects(c.Prefix).Logs
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	const op = "registry.Config.Validate"
	c = c.withDefaults()
	if strings.ContainsAny(c.Prefix, " \t*>") || strings.HasPrefix(c.Prefix, ".") || strings.HasSuffix(c.Prefix, ".") {
		return errors.Newf(errors.KindConfig, op, "invalid subject prefix %q", c.Prefix)
	}
	if c.TTL < 0 || c.CleanupInterval <= 0 {
		return errors.New(errors.KindConfig, op, "ttl and cleanup_interval must be positive")
	}
	if c.CleanupInterval > c.TTL {
		return errors.New(errors.KindConfig, op, "cleanup_interval cannot exceed ttl")
	}
	if c.MaxAgents < 0 || c.MaxCapabilitiesPerAgent < 0 || c.LogQueueSize < 0 {
		return errors.New(errors.KindConfig, op, "limits cannot be negative")
	}
	return nil
}

// Subjects are the registry's bus subjects for one prefix.
type Subjects struct {
	Registration   string
	Deregistration string
	Heartbeat      string
	Discovery      string
	Capabilities   string
	Events         string
	Reregister     string
	Logs           string

	prefix string
}

// NewSubjects derives the registry subjects from prefix.
func NewSubjects(prefix string) Subjects {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	base := prefix + ".agents."
	return Subjects{
		Registration:   base + "registration",
		Deregistration: base + "deregistration",
		Heartbeat:      base + "heartbeat",
		Discovery:      base + "discovery",
		Capabilities:   base + "capabilities",
		Events:         base + "registry.events",
		Reregister:     base + "reregister",
		Logs:           base + "logs",
		prefix:         prefix,
	}
}

// AgentRequest is the subject an agent serves requests on.
func (s Subjects) AgentRequest(agentID string) string {
	return s.prefix + ".agent." + agentID + ".request"
}
