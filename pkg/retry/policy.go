package retry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PolicyKind selects how a request/reply transport reacts to a failed attempt.
type PolicyKind int

// Policy kinds
const (
	PolicyFailFast PolicyKind = iota
	PolicyBestEffort
	PolicyExponential
	PolicyLinear
)

var policyNames = map[PolicyKind]string{
	PolicyFailFast:    "fail_fast",
	PolicyBestEffort:  "best_effort",
	PolicyExponential: "retry_exponential",
	PolicyLinear:      "retry_linear",
}

// String returns the config name of the policy kind.
func (k PolicyKind) String() string {
	if name, ok := policyNames[k]; ok {
		return name
	}
	return "unknown"
}

// Policy describes a retry policy. MaxRetries counts retries, not attempts.
type Policy struct {
	Kind       PolicyKind    `json:"kind"                  yaml:"kind"`
	MaxRetries int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	BaseDelay  time.Duration `json:"base_delay,omitempty"  yaml:"base_delay,omitempty"`
	MaxDelay   time.Duration `json:"max_delay,omitempty"   yaml:"max_delay,omitempty"`
}

// FailFast never retries.
func FailFast() Policy {
	return Policy{Kind: PolicyFailFast}
}

// BestEffort never retries and swallows the final error into a neutral result.
func BestEffort() Policy {
	return Policy{Kind: PolicyBestEffort}
}

// Exponential doubles the delay after each retry, capped at maxDelay.
func Exponential(maxRetries int, base, maxDelay time.Duration) Policy {
	return Policy{Kind: PolicyExponential, MaxRetries: maxRetries, BaseDelay: base, MaxDelay: maxDelay}
}

// Linear waits a fixed delay between retries.
func Linear(maxRetries int, delay time.Duration) Policy {
	return Policy{Kind: PolicyLinear, MaxRetries: maxRetries, BaseDelay: delay, MaxDelay: delay}
}

// Retries returns how many retries the policy allows after the first attempt.
func (p Policy) Retries() int {
	switch p.Kind {
	case PolicyExponential, PolicyLinear:
		if p.MaxRetries < 0 {
			return 0
		}
		return p.MaxRetries
	default:
		return 0
	}
}

// SwallowsErrors reports whether the final error is replaced by a neutral result.
func (p Policy) SwallowsErrors() bool {
	return p.Kind == PolicyBestEffort
}

// Delay returns the sleep before retry number n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	switch p.Kind {
	case PolicyLinear:
		return p.BaseDelay
	case PolicyExponential:
		d := p.BaseDelay
		for i := 1; i < n; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
		if p.MaxDelay > 0 && d > p.MaxDelay {
			return p.MaxDelay
		}
		return d
	default:
		return 0
	}
}

// Config converts the policy into a retry Config. Jitter is disabled so observed delays
// follow the policy exactly.
func (p Policy) Config() Config {
	cfg := Config{
		MaxAttempts:  p.Retries() + 1,
		InitialDelay: p.BaseDelay,
		MaxDelay:     p.MaxDelay,
		Multiplier:   2.0,
	}
	if p.Kind == PolicyLinear {
		cfg.Multiplier = 1.0
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Millisecond
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	return cfg
}

// Validate checks the policy parameters.
func (p Policy) Validate() error {
	switch p.Kind {
	case PolicyFailFast, PolicyBestEffort:
		return nil
	case PolicyExponential:
		if p.MaxRetries < 0 {
			return fmt.Errorf("retry_exponential: max_retries must be >= 0")
		}
		if p.BaseDelay <= 0 {
			return fmt.Errorf("retry_exponential: base_delay must be > 0")
		}
		if p.MaxDelay < p.BaseDelay {
			return fmt.Errorf("retry_exponential: max_delay must be >= base_delay")
		}
		return nil
	case PolicyLinear:
		if p.MaxRetries < 0 {
			return fmt.Errorf("retry_linear: max_retries must be >= 0")
		}
		if p.BaseDelay <= 0 {
			return fmt.Errorf("retry_linear: delay must be > 0")
		}
		return nil
	default:
		return fmt.Errorf("unknown retry policy kind %d", p.Kind)
	}
}

// ParsePolicyKind parses a config name such as "retry_exponential".
func ParsePolicyKind(s string) (PolicyKind, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for kind, name := range policyNames {
		if name == norm {
			return kind, nil
		}
	}
	switch norm {
	case "", "failfast":
		return PolicyFailFast, nil
	case "besteffort":
		return PolicyBestEffort, nil
	case "exponential":
		return PolicyExponential, nil
	case "linear":
		return PolicyLinear, nil
	}
	return PolicyFailFast, fmt.Errorf("unknown retry policy %q", s)
}

// MarshalText encodes the kind by name.
func (k PolicyKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind by name.
func (k *PolicyKind) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicyKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// UnmarshalJSON accepts durations either as Go duration strings or integer milliseconds.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind       PolicyKind      `json:"kind"`
		MaxRetries int             `json:"max_retries"`
		BaseDelay  json.RawMessage `json:"base_delay"`
		MaxDelay   json.RawMessage `json:"max_delay"`
		BaseMs     int64           `json:"base_ms"`
		MaxMs      int64           `json:"max_ms"`
		DelayMs    int64           `json:"delay_ms"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	base, err := parseDurationJSON(raw.BaseDelay)
	if err != nil {
		return fmt.Errorf("base_delay: %w", err)
	}
	maxDelay, err := parseDurationJSON(raw.MaxDelay)
	if err != nil {
		return fmt.Errorf("max_delay: %w", err)
	}
	if base == 0 && raw.BaseMs > 0 {
		base = time.Duration(raw.BaseMs) * time.Millisecond
	}
	if base == 0 && raw.DelayMs > 0 {
		base = time.Duration(raw.DelayMs) * time.Millisecond
	}
	if maxDelay == 0 && raw.MaxMs > 0 {
		maxDelay = time.Duration(raw.MaxMs) * time.Millisecond
	}
	if raw.Kind == PolicyLinear && maxDelay == 0 {
		maxDelay = base
	}
	*p = Policy{Kind: raw.Kind, MaxRetries: raw.MaxRetries, BaseDelay: base, MaxDelay: maxDelay}
	return nil
}

func parseDurationJSON(raw json.RawMessage) (time.Duration, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return time.ParseDuration(s)
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return time.Duration(n), nil
}
