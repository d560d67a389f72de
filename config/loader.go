package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/c360/qollective/errors"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "QOLLECTIVE"

// Loader builds a Config from defaults, file layers, an optional .env file and environment
// overrides, in that order.
type Loader struct {
	layers     []string
	envFiles   []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader reading QOLLECTIVE_* variables.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a JSON or YAML file. Later layers override earlier ones key by key.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// AddEnvFile loads a dotenv file before environment overrides are applied. Variables that
// are already set win over the file. A missing file is ignored.
func (l *Loader) AddEnvFile(path string) {
	l.envFiles = append(l.envFiles, path)
}

// EnableValidation makes Load validate the result.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads a single file layer.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges every layer over the defaults and applies environment overrides.
func (l *Loader) Load() (*Config, error) {
	const op = "config.Load"

	merged, err := toMap(Default())
	if err != nil {
		return nil, err
	}
	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, &errors.Error{Kind: errors.KindConfig, Op: op, Message: "load " + path, Err: err}
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, &errors.Error{Kind: errors.KindConfig, Op: op, Err: err}
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &errors.Error{Kind: errors.KindConfig, Op: op, Message: "decode merged layers", Err: err}
	}

	for _, path := range l.envFiles {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return nil, &errors.Error{Kind: errors.KindConfig, Op: op, Message: "load " + path, Err: err}
		}
	}
	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// loadRaw reads one layer into a generic map with duration strings converted to nanoseconds.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := parseDurations(raw, ""); err != nil {
		return nil, err
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, &errors.Error{Kind: errors.KindConfig, Op: "config.toMap", Err: err}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &errors.Error{Kind: errors.KindConfig, Op: "config.toMap", Err: err}
	}
	return m, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence. Nil values in
// override are skipped.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// isDurationKey reports whether a config key holds a time.Duration.
func isDurationKey(key string) bool {
	for _, suffix := range []string{"timeout", "interval", "delay", "wait", "ttl"} {
		if key == suffix || strings.HasSuffix(key, "_"+suffix) {
			return true
		}
	}
	return false
}

// parseDurations converts duration strings such as "30s" or "14d" under duration keys into
// nanoseconds so the JSON decoder accepts them.
func parseDurations(m map[string]any, path string) error {
	for k, v := range m {
		key := k
		if path != "" {
			key = path + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			if err := parseDurations(val, key); err != nil {
				return err
			}
		case []any:
			for i, item := range val {
				if nested, ok := item.(map[string]any); ok {
					if err := parseDurations(nested, key+"."+strconv.Itoa(i)); err != nil {
						return err
					}
				}
			}
		case string:
			if !isDurationKey(k) {
				continue
			}
			d, err := parseDurationWithDays(val)
			if err != nil {
				return errors.Newf(errors.KindConfig, "config.parseDurations", "%s: invalid duration %q", key, val)
			}
			m[k] = d.Nanoseconds()
		}
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d").
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func (l *Loader) env(name string) (string, bool, error) {
	key := l.envPrefix + "_" + name
	v, ok := l.lookupEnv(key)
	if !ok || v == "" {
		return "", false, nil
	}
	if err := validateEnvVar(key, v); err != nil {
		return "", false, err
	}
	return v, true, nil
}

// applyEnvOverrides applies the prefixed variables. TLS always reads the QOLLECTIVE_TLS_*
// names shared with every transport; see tlsutil.Config.ApplyEnv.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	const op = "config.applyEnvOverrides"

	if err := cfg.TLS.ApplyEnvLookup(l.lookupEnv); err != nil {
		return err
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"NATS_NAME", &cfg.NATS.Name},
		{"REGISTRY_PREFIX", &cfg.Registry.Prefix},
		{"REGISTRY_KV_BUCKET", &cfg.Registry.KVBucket},
		{"HTTP_ADDR", &cfg.HTTP.Server.Addr},
		{"LOG_LEVEL", &cfg.Logging.Level},
		{"LOG_FORMAT", &cfg.Logging.Format},
	}
	for _, s := range strs {
		v, ok, err := l.env(s.name)
		if err != nil {
			return &errors.Error{Kind: errors.KindConfig, Op: op, Err: err}
		}
		if ok {
			*s.dst = v
		}
	}

	if v, ok, err := l.env("NATS_URL"); err != nil {
		return &errors.Error{Kind: errors.KindConfig, Op: op, Err: err}
	} else if ok {
		cfg.NATS.URLs = strings.Split(v, ",")
	}
	if cfg.Registry.Prefix != "" {
		cfg.Agent.Prefix = cfg.Registry.Prefix
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"REGISTRY_TTL", &cfg.Registry.TTL},
		{"REGISTRY_CLEANUP_INTERVAL", &cfg.Registry.CleanupInterval},
		{"AGENT_HEARTBEAT_INTERVAL", &cfg.Agent.HeartbeatInterval},
	}
	for _, d := range durations {
		v, ok, err := l.env(d.name)
		if err != nil {
			return &errors.Error{Kind: errors.KindConfig, Op: op, Err: err}
		}
		if !ok {
			continue
		}
		parsed, err := parseDurationWithDays(v)
		if err != nil {
			return errors.Newf(errors.KindConfig, op, "%s_%s: invalid duration %q", l.envPrefix, d.name, v)
		}
		*d.dst = parsed
	}

	if v, ok, err := l.env("REGISTRY_ENABLE_AGENT_LOGGING"); err != nil {
		return &errors.Error{Kind: errors.KindConfig, Op: op, Err: err}
	} else if ok {
		enabled, perr := strconv.ParseBool(v)
		if perr != nil {
			return errors.Newf(errors.KindConfig, op, "%s_REGISTRY_ENABLE_AGENT_LOGGING: invalid boolean %q", l.envPrefix, v)
		}
		cfg.Registry.EnableAgentLogging = enabled
	}
	return nil
}
