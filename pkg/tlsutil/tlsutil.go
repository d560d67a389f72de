// Package tlsutil turns a single TLS configuration into the client and server crypto/tls
// settings shared by every Qollective transport.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/c360/qollective/errors"
)

// VerifyMode selects how peers are verified.
type VerifyMode int

// Verification modes
const (
	// SystemCA trusts the platform root store.
	SystemCA VerifyMode = iota
	// CustomCA trusts only the configured CA.
	CustomCA
	// Skip accepts any certificate chain and ignores the hostname. Development only.
	// Go dialers still send SNI for hostname targets; IP literal targets send none.
	Skip
	// MutualTLS presents a client certificate and, on servers, requires one from peers.
	MutualTLS
)

var verifyModeNames = map[VerifyMode]string{
	SystemCA:  "system_ca",
	CustomCA:  "custom_ca",
	Skip:      "skip",
	MutualTLS: "mutual_tls",
}

// String returns the config name of the mode.
func (m VerifyMode) String() string {
	if name, ok := verifyModeNames[m]; ok {
		return name
	}
	return "unknown"
}

// ParseVerifyMode parses system_ca, custom_ca, skip or mutual_tls. Hyphens and case are ignored.
func ParseVerifyMode(s string) (VerifyMode, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	if norm == "" {
		return SystemCA, nil
	}
	for mode, name := range verifyModeNames {
		if name == norm {
			return mode, nil
		}
	}
	return SystemCA, errors.Newf(errors.KindConfig, "tlsutil.ParseVerifyMode", "invalid verification mode %q", s)
}

// MarshalText encodes the mode by name.
func (m VerifyMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode by name.
func (m *VerifyMode) UnmarshalText(text []byte) error {
	parsed, err := ParseVerifyMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Config is the TLS configuration shared by all transports.
type Config struct {
	Enabled    bool       `json:"enabled" yaml:"enabled"`
	CertPath   string     `json:"cert_path,omitempty" yaml:"cert_path,omitempty"`
	KeyPath    string     `json:"key_path,omitempty" yaml:"key_path,omitempty"`
	CAPath     string     `json:"ca_path,omitempty" yaml:"ca_path,omitempty"`
	VerifyMode VerifyMode `json:"verify_mode" yaml:"verify_mode"`
	// MinVersion is "1.2" (default) or "1.3".
	MinVersion string     `json:"min_version,omitempty" yaml:"min_version,omitempty"`
	// ServerName overrides the name used for verification and SNI.
	ServerName string     `json:"server_name,omitempty" yaml:"server_name,omitempty"`
}

// EnvPrefix is the prefix of the TLS environment overrides.
const EnvPrefix = "QOLLECTIVE_TLS_"

// ApplyEnv overrides fields from QOLLECTIVE_TLS_ENABLED, _CERT_PATH, _KEY_PATH, _CA_PATH and
// _VERIFY_MODE. Unset variables leave the field untouched.
func (c *Config) ApplyEnv() error {
	return c.ApplyEnvLookup(os.LookupEnv)
}

// ApplyEnvLookup is ApplyEnv reading variables through lookup.
func (c *Config) ApplyEnvLookup(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPrefix + "ENABLED"); ok {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return errors.Newf(errors.KindConfig, "tlsutil.ApplyEnv", "%sENABLED: invalid boolean %q", EnvPrefix, v)
		}
		c.Enabled = enabled
	}
	if v, ok := lookup(EnvPrefix + "CERT_PATH"); ok {
		c.CertPath = v
	}
	if v, ok := lookup(EnvPrefix + "KEY_PATH"); ok {
		c.KeyPath = v
	}
	if v, ok := lookup(EnvPrefix + "CA_PATH"); ok {
		c.CAPath = v
	}
	if v, ok := lookup(EnvPrefix + "VERIFY_MODE"); ok {
		mode, err := ParseVerifyMode(v)
		if err != nil {
			return err
		}
		c.VerifyMode = mode
	}
	return nil
}

// Expanded returns a copy with ~ and ${VAR} expanded in every path.
func (c Config) Expanded() Config {
	c.CertPath = ExpandPath(c.CertPath)
	c.KeyPath = ExpandPath(c.KeyPath)
	c.CAPath = ExpandPath(c.CAPath)
	return c
}

// ExpandPath expands a leading ~ to the user's home directory and $VAR or ${VAR} references.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Validate checks the configuration for client use.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	const op = "tlsutil.Validate"
	if _, ok := verifyModeNames[c.VerifyMode]; !ok {
		return errors.Newf(errors.KindConfig, op, "invalid verification mode %d", c.VerifyMode)
	}
	if c.VerifyMode == CustomCA && c.CAPath == "" {
		return errors.New(errors.KindConfig, op, "custom_ca requires ca_path")
	}
	if c.VerifyMode == MutualTLS && (c.CertPath == "" || c.KeyPath == "") {
		return errors.New(errors.KindConfig, op, "mutual_tls requires cert_path and key_path")
	}
	if (c.CertPath == "") != (c.KeyPath == "") {
		return errors.New(errors.KindConfig, op, "cert_path and key_path must be set together")
	}
	if _, err := parseTLSVersion(c.MinVersion); err != nil {
		return err
	}
	return nil
}

// ValidateServer checks the configuration for server use. A server always presents a
// certificate, and mutual_tls needs the CA that client certificates chain to.
func (c Config) ValidateServer() error {
	if !c.Enabled {
		return nil
	}
	const op = "tlsutil.ValidateServer"
	if c.CertPath == "" || c.KeyPath == "" {
		return errors.New(errors.KindConfig, op, "tls enabled without cert_path and key_path")
	}
	if c.VerifyMode == MutualTLS && c.CAPath == "" {
		return errors.New(errors.KindConfig, op, "mutual_tls server requires ca_path")
	}
	return c.Validate()
}

func parseTLSVersion(version string) (uint16, error) {
	switch version {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, errors.Newf(errors.KindConfig, "tlsutil.parseTLSVersion", "unsupported min_version %q", version)
	}
}

// ClientConfig builds the client-side tls.Config. It returns nil when TLS is disabled.
func ClientConfig(cfg Config) (*tls.Config, error) {
	return defaultLoader.ClientConfig(cfg)
}

// ServerConfig builds the server-side tls.Config. It returns nil when TLS is disabled.
func ServerConfig(cfg Config) (*tls.Config, error) {
	return defaultLoader.ServerConfig(cfg)
}

// ClientConfig builds the client-side tls.Config using the loader's cache.
func (l *Loader) ClientConfig(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cfg = cfg.Expanded()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	Init()

	minVersion, _ := parseTLSVersion(cfg.MinVersion)
	tc := &tls.Config{MinVersion: minVersion, ServerName: cfg.ServerName}

	switch cfg.VerifyMode {
	case SystemCA:
		tc.RootCAs = systemRoots()
	case CustomCA:
		pool, err := l.caPool(cfg.CAPath)
		if err != nil {
			return nil, err
		}
		tc.RootCAs = pool
	case Skip:
		// No chain or hostname checks. ServerName stays empty so the dialer fills it
		// from the target host: hostnames go out as SNI, IP literals go out without.
		tc.InsecureSkipVerify = true
		tc.ServerName = ""
	case MutualTLS:
		if cfg.CAPath != "" {
			pool, err := l.caPool(cfg.CAPath)
			if err != nil {
				return nil, err
			}
			tc.RootCAs = pool
		} else {
			tc.RootCAs = systemRoots()
		}
	}

	if cfg.CertPath != "" {
		cert, err := l.keyPair(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, err
		}
		tc.Certificates = []tls.Certificate{*cert}
	}
	return tc, nil
}

// ServerConfig builds the server-side tls.Config using the loader's cache.
func (l *Loader) ServerConfig(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cfg = cfg.Expanded()
	if err := cfg.ValidateServer(); err != nil {
		return nil, err
	}
	Init()

	cert, err := l.keyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	minVersion, _ := parseTLSVersion(cfg.MinVersion)
	tc := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   minVersion,
	}

	if cfg.VerifyMode == MutualTLS {
		pool, err := l.caPool(cfg.CAPath)
		if err != nil {
			return nil, err
		}
		tc.ClientCAs = pool
		tc.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tc, nil
}

func systemRoots() *x509.CertPool {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		return x509.NewCertPool()
	}
	return pool
}

func configError(op, format string, args ...any) error {
	return errors.Newf(errors.KindConfig, op, format, args...)
}

func wrapConfig(op string, err error, format string, args ...any) error {
	return &errors.Error{Kind: errors.KindConfig, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}
