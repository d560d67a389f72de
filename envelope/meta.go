package envelope

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version stamped by NewMeta.
const Version = "1.0"

// Meta is the metadata half of an envelope. Every field is optional on the wire; an empty
// field means unknown. Keys this type does not model are kept in Extensions and written back
// out unchanged.
type Meta struct {
	Version   string         `json:"version,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp time.Time      `json:"-"`
	Tenant    string         `json:"tenant,omitempty"`
	Tracing   *Tracing       `json:"tracing,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Security  *Security      `json:"security,omitempty"`
	Routing   *Routing       `json:"routing,omitempty"`

	Extensions map[string]json.RawMessage `json:"-"`
}

// Tracing carries distributed trace identity. TraceID never changes across a request, its
// reply or any transport hop.
type Tracing struct {
	TraceID       string            `json:"trace_id,omitempty"`
	SpanID        string            `json:"span_id,omitempty"`
	ParentSpanID  string            `json:"parent_span_id,omitempty"`
	Sampled       bool              `json:"sampled,omitempty"`
	Baggage       map[string]string `json:"baggage,omitempty"`
	OperationName string            `json:"operation_name,omitempty"`
	SpanKind      string            `json:"span_kind,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`

	// Extensions holds keys this type does not model; they are written back out unchanged.
	Extensions map[string]json.RawMessage `json:"-"`
}

// Security is the caller identity block. It travels in clear on the wire; log output goes
// through the masking package.
type Security struct {
	UserID      string   `json:"userId,omitempty"`
	SessionID   string   `json:"sessionId,omitempty"`
	IPAddress   string   `json:"ipAddress,omitempty"`
	AuthMethod  string   `json:"authMethod,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`

	Extensions map[string]json.RawMessage `json:"-"`
}

// Routing names where a message came from and where it is headed.
type Routing struct {
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
	ProtocolTag string `json:"protocol,omitempty"`

	Extensions map[string]json.RawMessage `json:"-"`
}

// NewMeta returns meta with the protocol version, a fresh time-ordered request id and the
// current UTC time.
func NewMeta() Meta {
	return Meta{
		Version:   Version,
		RequestID: NewRequestID(),
		Timestamp: time.Now().UTC(),
	}
}

// NewRequestID returns a UUIDv7 string, which sorts by creation time.
func NewRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewTraceID returns a 32 hex character trace id.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewSpanID returns a 16 hex character span id.
func NewSpanID() string {
	return NewTraceID()[:16]
}

// NewTracing starts a new trace with a root span.
func NewTracing(operation string) *Tracing {
	return &Tracing{
		TraceID:       NewTraceID(),
		SpanID:        NewSpanID(),
		Sampled:       true,
		OperationName: operation,
	}
}

// ChildSpan returns a span in the same trace whose parent is t. Baggage is inherited.
func (t *Tracing) ChildSpan(operation string) *Tracing {
	if t == nil {
		return nil
	}
	child := &Tracing{
		TraceID:       t.TraceID,
		SpanID:        NewSpanID(),
		ParentSpanID:  t.SpanID,
		Sampled:       t.Sampled,
		Baggage:       maps.Clone(t.Baggage),
		OperationName: operation,
		SpanKind:      t.SpanKind,
		Extensions:    maps.Clone(t.Extensions),
	}
	if child.OperationName == "" {
		child.OperationName = t.OperationName
	}
	return child
}

// TraceID returns the trace id, or "" when the meta carries no tracing block.
func (m Meta) TraceID() string {
	if m.Tracing == nil {
		return ""
	}
	return m.Tracing.TraceID
}

// ReplyMeta derives the meta for a response to m. Tenant, request id and trace id are
// carried over; the reply gets a child span, a fresh timestamp and swapped routing.
func (m Meta) ReplyMeta() Meta {
	reply := m.Clone()
	reply.Timestamp = time.Now().UTC()
	if reply.Version == "" {
		reply.Version = Version
	}
	if m.Tracing != nil {
		reply.Tracing = m.Tracing.ChildSpan("")
		reply.Tracing.Tags = maps.Clone(m.Tracing.Tags)
	}
	if m.Routing != nil {
		reply.Routing = &Routing{
			Source:      m.Routing.Destination,
			Destination: m.Routing.Source,
			ProtocolTag: m.Routing.ProtocolTag,
			Extensions:  maps.Clone(m.Routing.Extensions),
		}
	}
	return reply
}

// Merge fills fields that are empty in m from other. Nothing already set in m is removed
// or overwritten, including map keys.
func (m *Meta) Merge(other Meta) {
	if m.Version == "" {
		m.Version = other.Version
	}
	if m.RequestID == "" {
		m.RequestID = other.RequestID
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = other.Timestamp
	}
	if m.Tenant == "" {
		m.Tenant = other.Tenant
	}
	if m.Tracing == nil && other.Tracing != nil {
		t := other.Tracing.clone()
		m.Tracing = &t
	}
	if m.Security == nil && other.Security != nil {
		s := other.Security.clone()
		m.Security = &s
	}
	if m.Routing == nil && other.Routing != nil {
		r := *other.Routing
		r.Extensions = maps.Clone(other.Routing.Extensions)
		m.Routing = &r
	}
	m.Context = mergeMissing(m.Context, other.Context)
	m.Extensions = mergeMissing(m.Extensions, other.Extensions)
}

func mergeMissing[V any](dst, src map[string]V) map[string]V {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]V, len(src))
	}
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
	return dst
}

// Clone returns a copy of m that shares no maps, slices or pointers with it.
func (m Meta) Clone() Meta {
	c := m
	if m.Tracing != nil {
		t := m.Tracing.clone()
		c.Tracing = &t
	}
	if m.Security != nil {
		s := m.Security.clone()
		c.Security = &s
	}
	if m.Routing != nil {
		r := *m.Routing
		r.Extensions = maps.Clone(m.Routing.Extensions)
		c.Routing = &r
	}
	c.Context = maps.Clone(m.Context)
	c.Extensions = maps.Clone(m.Extensions)
	return c
}

func (t *Tracing) clone() Tracing {
	c := *t
	c.Baggage = maps.Clone(t.Baggage)
	c.Tags = maps.Clone(t.Tags)
	c.Extensions = maps.Clone(t.Extensions)
	return c
}

func (s *Security) clone() Security {
	c := *s
	c.Roles = slices.Clone(s.Roles)
	c.Permissions = slices.Clone(s.Permissions)
	c.Extensions = maps.Clone(s.Extensions)
	return c
}

// metaWire is Meta without its methods, with the timestamp as an omittable pointer.
type metaWire struct {
	Version   string         `json:"version,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Tenant    string         `json:"tenant,omitempty"`
	Tracing   *Tracing       `json:"tracing,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Security  *Security      `json:"security,omitempty"`
	Routing   *Routing       `json:"routing,omitempty"`
}

var knownMetaKeys = map[string]struct{}{
	"version": {}, "request_id": {}, "timestamp": {}, "tenant": {},
	"tracing": {}, "context": {}, "security": {}, "routing": {},
}

// MarshalJSON writes the modelled fields followed by any extensions, in sorted key order.
func (m Meta) MarshalJSON() ([]byte, error) {
	w := metaWire{
		Version:   m.Version,
		RequestID: m.RequestID,
		Tenant:    m.Tenant,
		Tracing:   m.Tracing,
		Context:   m.Context,
		Security:  m.Security,
		Routing:   m.Routing,
	}
	if !m.Timestamp.IsZero() {
		ts := m.Timestamp.UTC()
		w.Timestamp = &ts
	}
	return marshalWithExtensions(w, m.Extensions, knownMetaKeys)
}

// UnmarshalJSON reads the modelled fields and keeps every other key in Extensions.
// Timestamps are normalized to UTC.
func (m *Meta) UnmarshalJSON(data []byte) error {
	var w metaWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ext, err := unknownFields(data, knownMetaKeys)
	if err != nil {
		return err
	}

	*m = Meta{
		Version:    w.Version,
		RequestID:  w.RequestID,
		Tenant:     w.Tenant,
		Tracing:    w.Tracing,
		Context:    w.Context,
		Security:   w.Security,
		Routing:    w.Routing,
		Extensions: ext,
	}
	if w.Timestamp != nil {
		m.Timestamp = w.Timestamp.UTC()
	}
	return nil
}

// The wire types drop the methods so the codecs below can call encoding/json on them.
type (
	tracingWire  Tracing
	securityWire Security
	routingWire  Routing
)

var (
	knownTracingKeys = map[string]struct{}{
		"trace_id": {}, "span_id": {}, "parent_span_id": {}, "sampled": {},
		"baggage": {}, "operation_name": {}, "span_kind": {}, "tags": {},
	}
	knownSecurityKeys = map[string]struct{}{
		"userId": {}, "sessionId": {}, "ipAddress": {}, "authMethod": {}, "roles": {}, "permissions": {},
	}
	knownRoutingKeys = map[string]struct{}{
		"source": {}, "destination": {}, "protocol": {},
	}
)

func (t Tracing) MarshalJSON() ([]byte, error) {
	return marshalWithExtensions(tracingWire(t), t.Extensions, knownTracingKeys)
}

func (t *Tracing) UnmarshalJSON(data []byte) error {
	var w tracingWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ext, err := unknownFields(data, knownTracingKeys)
	if err != nil {
		return err
	}
	w.Extensions = ext
	*t = Tracing(w)
	return nil
}

func (s Security) MarshalJSON() ([]byte, error) {
	return marshalWithExtensions(securityWire(s), s.Extensions, knownSecurityKeys)
}

func (s *Security) UnmarshalJSON(data []byte) error {
	var w securityWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ext, err := unknownFields(data, knownSecurityKeys)
	if err != nil {
		return err
	}
	w.Extensions = ext
	*s = Security(w)
	return nil
}

func (r Routing) MarshalJSON() ([]byte, error) {
	return marshalWithExtensions(routingWire(r), r.Extensions, knownRoutingKeys)
}

func (r *Routing) UnmarshalJSON(data []byte) error {
	var w routingWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ext, err := unknownFields(data, knownRoutingKeys)
	if err != nil {
		return err
	}
	w.Extensions = ext
	*r = Routing(w)
	return nil
}

// marshalWithExtensions encodes v and adds the extension keys that do not collide with a
// modelled key.
func marshalWithExtensions(v any, ext map[string]json.RawMessage, known map[string]struct{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(ext) == 0 {
		return data, err
	}
	fields := make(map[string]json.RawMessage, len(ext)+len(known))
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for k, raw := range ext {
		if _, reserved := known[k]; reserved {
			continue
		}
		fields[k] = raw
	}
	return json.Marshal(fields)
}

// unknownFields returns the keys of the JSON object data that are not in known, or nil.
func unknownFields(data []byte, known map[string]struct{}) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	var ext map[string]json.RawMessage
	for k, raw := range fields {
		if _, ok := known[k]; ok {
			continue
		}
		if ext == nil {
			ext = make(map[string]json.RawMessage)
		}
		ext[k] = raw
	}
	return ext, nil
}
