package stream

import (
	"net/http"
	"slices"
	"time"

	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/pkg/tlsutil"
)

// DefaultSubprotocol is offered during the websocket handshake unless overridden.
const DefaultSubprotocol = "qollective"

// Config configures stream clients and servers.
type Config struct {
	// RequestTimeout bounds a request whose context has no deadline.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	// PingInterval is the time between pings; zero disables pinging.
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
	// PingTimeout is how long to wait for a pong before closing the connection.
	PingTimeout time.Duration `json:"ping_timeout" yaml:"ping_timeout"`
	// MaxMessageSize caps every frame in bytes, sent or received.
	MaxMessageSize int `json:"max_message_size" yaml:"max_message_size"`
	// MaxConcurrent bounds in-flight requests per connection.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
	// UnmatchedQueueSize bounds envelopes waiting for the unmatched handler. The oldest
	// is dropped when the handler falls behind.
	UnmatchedQueueSize int `json:"unmatched_queue_size" yaml:"unmatched_queue_size"`
	// Subprotocols are offered (client) or accepted (server) during the websocket handshake.
	Subprotocols []string `json:"subprotocols,omitempty" yaml:"subprotocols,omitempty"`
	// Headers are attached to websocket upgrade requests and gRPC stream metadata.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	// AllowedOrigins restricts websocket upgrades by Origin header; empty allows all.
	AllowedOrigins   []string      `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout" yaml:"write_timeout"`
	// IdleTimeout evicts pooled client connections left unused this long.
	IdleTimeout time.Duration  `json:"idle_timeout" yaml:"idle_timeout"`
	TLS         tlsutil.Config `json:"tls" yaml:"tls"`
}

// DefaultConfig returns the defaults applied to zero fields.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:     30 * time.Second,
		PingInterval:       30 * time.Second,
		PingTimeout:        10 * time.Second,
		MaxMessageSize:     1 << 20,
		MaxConcurrent:      64,
		UnmatchedQueueSize: 256,
		Subprotocols:       []string{DefaultSubprotocol},
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        5 * time.Minute,
	}
}

// WithDefaults fills zero fields from DefaultConfig. PingInterval is kept at zero only when
// PingTimeout is negative, which disables pinging.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.PingTimeout < 0 {
		c.PingInterval = 0
	} else {
		if c.PingInterval == 0 {
			c.PingInterval = d.PingInterval
		}
		if c.PingTimeout == 0 {
			c.PingTimeout = d.PingTimeout
		}
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.UnmatchedQueueSize == 0 {
		c.UnmatchedQueueSize = d.UnmatchedQueueSize
	}
	if len(c.Subprotocols) == 0 {
		c.Subprotocols = d.Subprotocols
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	const op = "stream.Config.Validate"
	if c.MaxMessageSize < 0 || c.MaxConcurrent < 0 || c.UnmatchedQueueSize < 0 {
		return errors.New(errors.KindConfig, op, "max_message_size, max_concurrent and unmatched_queue_size cannot be negative")
	}
	if c.RequestTimeout < 0 || c.PingInterval < 0 || c.IdleTimeout < 0 {
		return errors.New(errors.KindConfig, op, "timeouts cannot be negative")
	}
	if slices.Contains(c.Subprotocols, "") {
		return errors.New(errors.KindConfig, op, "subprotocols cannot contain an empty name")
	}
	return c.TLS.Validate()
}

func (c Config) header() http.Header {
	h := make(http.Header, len(c.Headers))
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	return h
}
