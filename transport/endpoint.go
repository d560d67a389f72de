package transport

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/c360/qollective/errors"
)

// Kind names a concrete transport.
type Kind int

// Transport kinds
const (
	KindBus Kind = iota
	KindGRPC
	KindWebSocket
	KindHTTP
)

// String returns the transport name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindBus:
		return "nats"
	case KindGRPC:
		return "grpc"
	case KindWebSocket:
		return "websocket"
	case KindHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// Mode selects whether a transport carries bare payloads or whole envelopes.
type Mode int

// Modes
const (
	ModeRaw Mode = iota
	ModeEnvelope
)

// String returns "raw" or "envelope".
func (m Mode) String() string {
	if m == ModeEnvelope {
		return "envelope"
	}
	return "raw"
}

const envelopeSchemePrefix = "qollective-"

type schemeRoute struct {
	kind Kind
	mode Mode
}

var schemes = map[string]schemeRoute{
	"nats":             {KindBus, ModeRaw},
	"qollective-nats":  {KindBus, ModeEnvelope},
	"grpc":             {KindGRPC, ModeRaw},
	"qollective-grpc":  {KindGRPC, ModeEnvelope},
	"http":             {KindHTTP, ModeRaw},
	"https":            {KindHTTP, ModeRaw},
	"qollective-http":  {KindHTTP, ModeEnvelope},
	"qollective-https": {KindHTTP, ModeEnvelope},
	"ws":               {KindWebSocket, ModeEnvelope},
	"wss":              {KindWebSocket, ModeEnvelope},
}

// Endpoint is a parsed endpoint URL.
type Endpoint struct {
	// Raw is the endpoint as given.
	Raw string
	// Scheme is the URL scheme as given, lower-cased.
	Scheme string
	Kind   Kind
	Mode   Mode
	// Host is host[:port]. Empty for bus endpoints that use the configured connection.
	Host string
	// Target is the bus subject for nats schemes, the gRPC method path for grpc schemes
	// (may be empty), and the dialable URL with the qollective- prefix and timeout query
	// removed for http and websocket schemes.
	Target string
	// Timeout comes from the ?timeout= query parameter; zero means the caller's default.
	Timeout time.Duration
}

// ParseEndpoint parses an endpoint URL. An unsupported scheme fails with KindTransport;
// malformed URLs, bus endpoints without a subject and bad timeouts fail with KindValidation.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Endpoint{}, &errors.Error{Kind: errors.KindValidation, Op: "transport.ParseEndpoint",
			Message: fmt.Sprintf("invalid endpoint %q", raw), Err: err}
	}

	scheme := strings.ToLower(u.Scheme)
	route, ok := schemes[scheme]
	if !ok {
		return Endpoint{}, errors.Newf(errors.KindTransport, "transport.ParseEndpoint",
			"unsupported endpoint scheme %q", u.Scheme)
	}

	ep := Endpoint{
		Raw:    raw,
		Scheme: scheme,
		Kind:   route.kind,
		Mode:   route.mode,
		Host:   u.Host,
	}

	query := u.Query()
	if t := query.Get("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil || d <= 0 {
			return Endpoint{}, errors.Newf(errors.KindValidation, "transport.ParseEndpoint",
				"invalid timeout %q", t)
		}
		ep.Timeout = d
		query.Del("timeout")
	}

	switch route.kind {
	case KindBus:
		ep.Target = strings.Trim(u.Path, "/")
		if ep.Target == "" && u.Opaque != "" {
			ep.Target = u.Opaque
		}
		if ep.Target == "" {
			return Endpoint{}, errors.Newf(errors.KindValidation, "transport.ParseEndpoint",
				"endpoint %q has no subject", raw)
		}
		if strings.ContainsAny(ep.Target, " /\t") {
			return Endpoint{}, errors.Newf(errors.KindValidation, "transport.ParseEndpoint",
				"invalid subject %q", ep.Target)
		}
	case KindGRPC:
		if u.Host == "" {
			return Endpoint{}, errors.Newf(errors.KindValidation, "transport.ParseEndpoint",
				"endpoint %q has no host", raw)
		}
		if p := strings.Trim(u.Path, "/"); p != "" {
			ep.Target = "/" + p
		}
	default:
		if u.Host == "" {
			return Endpoint{}, errors.Newf(errors.KindValidation, "transport.ParseEndpoint",
				"endpoint %q has no host", raw)
		}
		target := *u
		target.Scheme = strings.TrimPrefix(scheme, envelopeSchemePrefix)
		target.RawQuery = query.Encode()
		ep.Target = target.String()
	}

	return ep, nil
}

// String returns the endpoint as given.
func (e Endpoint) String() string {
	return e.Raw
}
