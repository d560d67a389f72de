package httpx

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/pkg/retry"
	"github.com/c360/qollective/pkg/tlsutil"
)

// ClientConfig configures the HTTP client transport.
type ClientConfig struct {
	// Timeout bounds each attempt when the request context has no deadline.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// Retry is applied to transport failures and 5xx responses.
	Retry retry.Policy `json:"retry" yaml:"retry"`
	// MaxResponseSize caps response bodies in bytes.
	MaxResponseSize int64             `json:"max_response_size" yaml:"max_response_size"`
	Headers         map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	// Context controls the meta block injected into JSON-RPC params.
	Context ContextInjection `json:"context" yaml:"context"`
	TLS     tlsutil.Config   `json:"tls" yaml:"tls"`
}

// DefaultClientConfig returns the client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:         30 * time.Second,
		Retry:           retry.FailFast(),
		MaxResponseSize: 10 << 20,
		Context:         DefaultContextInjection(),
	}
}

func (c ClientConfig) withDefaults() ClientConfig {
	d := DefaultClientConfig()
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxResponseSize == 0 {
		c.MaxResponseSize = d.MaxResponseSize
	}
	return c
}

// Validate checks the client configuration.
func (c ClientConfig) Validate() error {
	const op = "httpx.ClientConfig.Validate"
	if c.Timeout < 0 {
		return errors.New(errors.KindConfig, op, "timeout cannot be negative")
	}
	if c.MaxResponseSize < 0 {
		return errors.New(errors.KindConfig, op, "max_response_size cannot be negative")
	}
	if err := c.Retry.Validate(); err != nil {
		return &errors.Error{Kind: errors.KindConfig, Op: op, Err: err}
	}
	return c.TLS.Validate()
}

// ContextInjection selects which meta fields are copied into JSON-RPC params under the
// "_meta" key.
type ContextInjection struct {
	Enabled        bool `json:"enabled" yaml:"enabled"`
	IncludeTenant  bool `json:"include_tenant" yaml:"include_tenant"`
	IncludeUser    bool `json:"include_user" yaml:"include_user"`
	IncludeSession bool `json:"include_session" yaml:"include_session"`
	IncludeTrace   bool `json:"include_trace" yaml:"include_trace"`
	// CustomFields are copied from meta.context by key.
	CustomFields []string `json:"custom_fields,omitempty" yaml:"custom_fields,omitempty"`
	// SecurityFields are copied from the security block by wire name, such as "roles".
	SecurityFields []string `json:"security_fields,omitempty" yaml:"security_fields,omitempty"`
}

// DefaultContextInjection injects tenant, user, session and trace.
func DefaultContextInjection() ContextInjection {
	return ContextInjection{
		Enabled:        true,
		IncludeTenant:  true,
		IncludeUser:    true,
		IncludeSession: true,
		IncludeTrace:   true,
	}
}

// RateLimitConfig limits requests per tenant. Requests without a tenant share the
// "anonymous" bucket.
type RateLimitConfig struct {
	Enabled bool    `json:"enabled" yaml:"enabled"`
	RPS     float64 `json:"rps" yaml:"rps"`
	Burst   int     `json:"burst" yaml:"burst"`
}

// RouteMapping bridges an HTTP route to a bus subject.
type RouteMapping struct {
	// Path is the chi route pattern, for example "/agents/{id}/status".
	Path   string `json:"path" yaml:"path"`
	Method string `json:"method" yaml:"method"`
	// Subject receives the request body as an envelope payload.
	Subject string        `json:"subject" yaml:"subject"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

var validMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch}

// Validate ensures the route mapping is usable and fills the default timeout.
func (r *RouteMapping) Validate() error {
	const op = "httpx.RouteMapping.Validate"
	if r.Path == "" {
		return errors.New(errors.KindConfig, op, "path cannot be empty")
	}
	if !slices.Contains(validMethods, r.Method) {
		return errors.Newf(errors.KindConfig, op, "invalid HTTP method: %q", r.Method)
	}
	if r.Subject == "" {
		return errors.New(errors.KindConfig, op, "subject cannot be empty")
	}
	if r.Timeout == 0 {
		r.Timeout = 5 * time.Second
	}
	if r.Timeout < 100*time.Millisecond || r.Timeout > 30*time.Second {
		return errors.New(errors.KindConfig, op, "timeout must be between 100ms and 30s")
	}
	return nil
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
	// MaxRequestSize limits request bodies in bytes.
	MaxRequestSize  int64         `json:"max_request_size" yaml:"max_request_size"`
	RequestTimeout  time.Duration `json:"request_timeout" yaml:"request_timeout"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// EnableCORS requires explicit CORSOrigins; use ["*"] for development only.
	EnableCORS  bool            `json:"enable_cors" yaml:"enable_cors"`
	CORSOrigins []string        `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Routes      []RouteMapping  `json:"routes,omitempty" yaml:"routes,omitempty"`
	// ServerName and ServerVersion are reported by the JSON-RPC initialize method.
	ServerName    string         `json:"server_name" yaml:"server_name"`
	ServerVersion string         `json:"server_version" yaml:"server_version"`
	TLS           tlsutil.Config `json:"tls" yaml:"tls"`
}

// DefaultServerConfig returns the server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		MaxRequestSize:  1 << 20,
		RequestTimeout:  30 * time.Second,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		ServerName:      "qollective",
		ServerVersion:   "1.0",
	}
}

func (c ServerConfig) withDefaults() ServerConfig {
	d := DefaultServerConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = d.MaxRequestSize
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.ServerName == "" {
		c.ServerName = d.ServerName
	}
	if c.ServerVersion == "" {
		c.ServerVersion = d.ServerVersion
	}
	return c
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	const op = "httpx.ServerConfig.Validate"
	if c.MaxRequestSize < 0 {
		return errors.New(errors.KindConfig, op, "max_request_size cannot be negative")
	}
	if c.MaxRequestSize > 100<<20 {
		return errors.New(errors.KindConfig, op, "max_request_size cannot exceed 100MB")
	}
	if c.EnableCORS && len(c.CORSOrigins) == 0 {
		return errors.New(errors.KindConfig, op, "enable_cors requires explicit cors_origins")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		return errors.New(errors.KindConfig, op, "rate_limit requires positive rps and burst")
	}
	for i := range c.Routes {
		if err := c.Routes[i].Validate(); err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
	}
	if c.TLS.Enabled {
		return c.TLS.ValidateServer()
	}
	return nil
}
