package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/c360/qollective/envelope/masking"
	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/natsclient"
	"github.com/c360/qollective/pkg/tlsutil"
	"github.com/c360/qollective/registry"
	"github.com/c360/qollective/registry/agent"
	"github.com/c360/qollective/transport/bus"
	"github.com/c360/qollective/transport/httpx"
	"github.com/c360/qollective/transport/stream"
)

// Config is the complete runtime configuration.
type Config struct {
	Version  string          `json:"version,omitempty" yaml:"version,omitempty"`
	TLS      tlsutil.Config  `json:"tls" yaml:"tls"`
	NATS     NATSConfig      `json:"nats" yaml:"nats"`
	Bus      bus.Config      `json:"bus" yaml:"bus"`
	Stream   stream.Config   `json:"stream" yaml:"stream"`
	HTTP     HTTPConfig      `json:"http" yaml:"http"`
	Registry registry.Config `json:"registry" yaml:"registry"`
	Agent    agent.Config    `json:"agent" yaml:"agent"`
	Masking  masking.Config  `json:"masking" yaml:"masking"`
	Logging  LoggingConfig   `json:"logging" yaml:"logging"`
}

// NATSConfig defines the bus connection.
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty" yaml:"urls,omitempty"`
	Name          string        `json:"name,omitempty" yaml:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	PingInterval  time.Duration `json:"ping_interval" yaml:"ping_interval"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	Username      string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string        `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty"`
	Compression   bool          `json:"compression,omitempty" yaml:"compression,omitempty"`
}

// URL joins the server list the way the NATS client expects it.
func (c NATSConfig) URL() string {
	return strings.Join(c.URLs, ",")
}

// ClientOptions translates the connection settings into natsclient options. tlsCfg applies
// to the connection when enabled.
func (c NATSConfig) ClientOptions(tlsCfg tlsutil.Config, logger *slog.Logger) []natsclient.ClientOption {
	opts := []natsclient.ClientOption{
		natsclient.WithMaxReconnects(c.MaxReconnects),
		natsclient.WithReconnectWait(c.ReconnectWait),
		natsclient.WithPingInterval(c.PingInterval),
		natsclient.WithSlog(logger),
		natsclient.WithCompression(c.Compression),
	}
	if c.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(c.Timeout))
	}
	if c.Name != "" {
		opts = append(opts, natsclient.WithName(c.Name))
	}
	if c.Username != "" {
		opts = append(opts, natsclient.WithCredentials(c.Username, c.Password))
	}
	if c.Token != "" {
		opts = append(opts, natsclient.WithToken(c.Token))
	}
	if tlsCfg.Enabled {
		opts = append(opts, natsclient.WithTLS(tlsCfg))
	}
	return opts
}

// HTTPConfig groups the HTTP client and server settings.
type HTTPConfig struct {
	Client httpx.ClientConfig `json:"client" yaml:"client"`
	Server httpx.ServerConfig `json:"server" yaml:"server"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `json:"level" yaml:"level"`
	// Format is json or text.
	Format string `json:"format" yaml:"format"`
}

// NewLogger builds a logger writing to stderr. Unknown values fall back to info and json.
func (c LoggingConfig) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}

	var handler slog.Handler
	if strings.ToLower(c.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// Default returns the configuration used before any file or environment layer.
func Default() *Config {
	return &Config{
		Version: "1.0.0",
		TLS:     tlsutil.Config{VerifyMode: tlsutil.SystemCA},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Name:          "qollective",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			PingInterval:  30 * time.Second,
			Timeout:       5 * time.Second,
		},
		Bus:    bus.DefaultConfig(),
		Stream: stream.DefaultConfig(),
		HTTP: HTTPConfig{
			Client: httpx.DefaultClientConfig(),
			Server: httpx.DefaultServerConfig(),
		},
		Registry: registry.DefaultConfig(),
		Agent:    agent.DefaultConfig(),
		Masking:  masking.DefaultConfig(),
		Logging:  LoggingConfig{Level: "info", Format: "json"},
	}
}

// Validate checks every section and returns the first problem as a KindConfig error.
func (c *Config) Validate() error {
	const op = "config.Validate"
	if len(c.NATS.URLs) == 0 {
		return errors.New(errors.KindConfig, op, "nats.urls is required")
	}
	for _, u := range c.NATS.URLs {
		if !strings.HasPrefix(u, "nats://") && !strings.HasPrefix(u, "tls://") && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return errors.Newf(errors.KindConfig, op, "nats.urls: unsupported url %q", u)
		}
	}
	if c.NATS.ReconnectWait < 0 || c.NATS.PingInterval < 0 || c.NATS.Timeout < 0 {
		return errors.New(errors.KindConfig, op, "nats durations cannot be negative")
	}
	if c.Registry.Prefix != "" && c.Agent.Prefix != "" && c.Registry.Prefix != c.Agent.Prefix {
		return errors.Newf(errors.KindConfig, op, "agent.prefix %q differs from registry.prefix %q",
			c.Agent.Prefix, c.Registry.Prefix)
	}

	sections := []struct {
		name     string
		validate func() error
	}{
		{"tls", c.TLS.Validate},
		{"bus", c.Bus.Validate},
		{"stream", c.Stream.Validate},
		{"http.client", c.HTTP.Client.Validate},
		{"http.server", c.HTTP.Server.Validate},
		{"registry", c.Registry.Validate},
		{"agent", c.Agent.Validate},
	}
	for _, s := range sections {
		if err := s.validate(); err != nil {
			return &errors.Error{Kind: errors.KindConfig, Op: op, Message: s.name, Err: err}
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String renders the configuration as JSON with credentials redacted.
func (c *Config) String() string {
	redacted := c.Clone()
	if redacted.NATS.Password != "" {
		redacted.NATS.Password = "***"
	}
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "***"
	}
	data, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

// SaveToFile writes the configuration as indented JSON with owner-only permissions.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return &errors.Error{Kind: errors.KindSerialization, Op: "config.SaveToFile", Err: err}
	}
	return safeWriteFile(path, data)
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps cfg. A nil cfg starts from Default.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update replaces the configuration after validating it.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New(errors.KindConfig, "config.SafeConfig.Update", "config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
