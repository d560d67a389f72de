// Package health aggregates the health of the parts of a Qollective process, such as the NATS
// connection and the registry service, into one status for /healthz.
package health

import (
	"regexp"
	"strings"
	"time"
)

// State is the health of one component.
type State string

// Health states. Aggregation ranks them Healthy < Degraded < Unhealthy.
const (
	Healthy   State = "healthy"
	Degraded  State = "degraded"
	Unhealthy State = "unhealthy"
)

func (s State) rank() int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	default:
		return 2
	}
}

var (
	urlRegex         = regexp.MustCompile(`(?:https?|nats|tls|wss?)://[^\s]+`)
	unixPathRegex    = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrRegex      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex        = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex  = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of a component or, when aggregated, of the whole process.
type Status struct {
	Component   string         `json:"component"`
	State       State          `json:"status"`
	Message     string         `json:"message"`
	Timestamp   time.Time      `json:"timestamp"`
	Details     map[string]any `json:"details,omitempty"`
	SubStatuses []Status       `json:"sub_statuses,omitempty"`
}

// NewStatus builds a status stamped with the current time.
func NewStatus(component string, state State, message string) Status {
	return Status{Component: component, State: state, Message: message, Timestamp: time.Now()}
}

// FromError reports err as unhealthy with URLs, paths, addresses and credentials removed from
// the message. A nil err is healthy.
func FromError(component string, err error) Status {
	if err == nil {
		return NewStatus(component, Healthy, "ok")
	}
	return NewStatus(component, Unhealthy, sanitizeErrorMessage(err.Error()))
}

// IsHealthy reports whether the state is Healthy.
func (s Status) IsHealthy() bool { return s.State == Healthy }

// WithDetail returns a copy with key set in Details.
func (s Status) WithDetail(key string, value any) Status {
	details := make(map[string]any, len(s.Details)+1)
	for k, v := range s.Details {
		details[k] = v
	}
	details[key] = value
	s.Details = details
	return s
}

// Aggregate combines statuses into one whose state is the worst of them. No statuses is
// healthy.
func Aggregate(component string, subStatuses []Status) Status {
	worst := Healthy
	for _, sub := range subStatuses {
		if sub.State.rank() > worst.rank() {
			worst = sub.State
		}
	}

	var message string
	switch {
	case len(subStatuses) == 0:
		message = "no components registered"
	case worst == Healthy:
		message = "all components healthy"
	default:
		var names []string
		for _, sub := range subStatuses {
			if sub.State == worst {
				names = append(names, sub.Component)
			}
		}
		message = string(worst) + ": " + strings.Join(names, ", ")
	}

	status := NewStatus(component, worst, message)
	status.SubStatuses = append([]Status(nil), subStatuses...)
	return status
}

// sanitizeErrorMessage keeps connection details out of health output.
func sanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}
	sanitized := urlRegex.ReplaceAllString(msg, "[URL]")
	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = windowsPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")
	return credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
}
