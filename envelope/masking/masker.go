// Package masking hides sensitive envelope fields in log and debug output. It never touches
// wire encoding: transports send envelopes unmasked.
package masking

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/metric"
)

// extensionsSegment names the virtual parent of meta keys the envelope does not model, so
// rules such as "extensions.**" can target them.
const extensionsSegment = "extensions"

var knownMetaKeys = map[string]bool{
	"version": true, "request_id": true, "timestamp": true, "tenant": true,
	"tracing": true, "context": true, "security": true, "routing": true,
}

// FieldMasker rewrites matching fields of a JSON document. It is safe for concurrent use.
type FieldMasker struct {
	cfg     Config
	rules   []compiledRule
	logger  *slog.Logger
	metrics *metric.Metrics
}

// Option configures a FieldMasker.
type Option func(*FieldMasker)

// WithLogger sets the logger for audit events.
func WithLogger(logger *slog.Logger) Option {
	return func(m *FieldMasker) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics counts masked fields by mask type.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *FieldMasker) {
		m.metrics = metrics
	}
}

// New builds a masker from cfg. Rules with an empty field pattern are rejected.
func New(cfg Config, opts ...Option) (*FieldMasker, error) {
	rules := append(LevelRules(cfg.Level), cfg.Rules...)
	for _, r := range cfg.Rules {
		if strings.TrimSpace(r.Field) == "" {
			return nil, errors.New(errors.KindConfig, "masking.New", "rule with empty field pattern")
		}
	}

	m := &FieldMasker{
		cfg:    cfg,
		rules:  compile(rules),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Active reports whether the masker changes anything.
func (m *FieldMasker) Active() bool {
	return m != nil && m.cfg.Enabled && m.cfg.Level != LevelNone && len(m.rules) > 0
}

// Rule returns the first rule matching a dotted path.
func (m *FieldMasker) Rule(path string) (Rule, bool) {
	r, ok := m.match(strings.Split(path, "."), false)
	return r.Rule, ok
}

// MaskValue masks value if path matches a rule.
func (m *FieldMasker) MaskValue(path, value string) (string, bool) {
	if !m.Active() {
		return value, false
	}
	r, ok := m.match(strings.Split(path, "."), false)
	if !ok {
		return value, false
	}
	m.record(path, r)
	return r.Mask.Apply(value), true
}

func (m *FieldMasker) match(path []string, metaRoot bool) (compiledRule, bool) {
	var virtual []string
	if metaRoot && len(path) > 0 && !knownMetaKeys[path[0]] {
		virtual = append([]string{extensionsSegment}, path...)
	}
	for _, r := range m.rules {
		if r.matches(path) || (virtual != nil && r.matches(virtual)) {
			return r, true
		}
	}
	return compiledRule{}, false
}

// MaskJSON masks a JSON document, matching rules against paths from its root.
func (m *FieldMasker) MaskJSON(data []byte) ([]byte, error) {
	return m.maskDocument(data, "", false)
}

// MaskMeta returns meta as masked JSON text. Paths are relative to the meta object, so
// "security.userId" addresses the caller id.
func (m *FieldMasker) MaskMeta(meta envelope.Meta) (string, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return "", &errors.Error{Kind: errors.KindSerialization, Op: "masking.MaskMeta", Err: err}
	}
	out, err := m.maskDocument(data, "", true)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// MaskEnvelope returns env as masked JSON text. Meta fields match rules relative to the
// meta object and payload fields relative to the payload.
func MaskEnvelope[T any](m *FieldMasker, env envelope.Envelope[T]) (string, error) {
	data, err := envelope.Encode(env)
	if err != nil {
		return "", err
	}
	if !m.Active() {
		return string(data), nil
	}
	if data, err = m.maskDocument(data, "meta", true); err != nil {
		return "", err
	}
	if data, err = m.maskDocument(data, "payload", false); err != nil {
		return "", err
	}
	return string(data), nil
}

// LogValue returns meta as a masked slog value for structured log lines.
func (m *FieldMasker) LogValue(meta envelope.Meta) slog.Value {
	text, err := m.MaskMeta(meta)
	if err != nil {
		return slog.StringValue(fmt.Sprintf("<unprintable meta: %v>", err))
	}
	return slog.StringValue(text)
}

type replacement struct {
	path  string
	value string
}

// maskDocument masks the subtree at root (the whole document when root is empty).
func (m *FieldMasker) maskDocument(data []byte, root string, metaRoot bool) ([]byte, error) {
	if !m.Active() {
		return data, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, errors.New(errors.KindSerialization, "masking.MaskJSON", "invalid JSON document")
	}

	subtree := gjson.ParseBytes(data)
	var prefix []string
	if root != "" {
		subtree = subtree.Get(escapeSegment(root))
		prefix = []string{root}
		if !subtree.Exists() {
			return data, nil
		}
	}

	var replacements []replacement
	walk(subtree, nil, func(path []string, value gjson.Result) {
		r, ok := m.match(path, metaRoot)
		if !ok {
			return
		}
		dotted := strings.Join(path, ".")
		m.record(dotted, r)
		replacements = append(replacements, replacement{
			path:  joinEscaped(append(append([]string(nil), prefix...), path...)),
			value: r.Mask.Apply(value.String()),
		})
	})

	out := data
	for _, rep := range replacements {
		var err error
		out, err = sjson.SetBytes(out, rep.path, rep.value)
		if err != nil {
			return nil, &errors.Error{Kind: errors.KindSerialization, Op: "masking.MaskJSON", Err: err}
		}
	}
	return out, nil
}

// walk visits every scalar under value with its path.
func walk(value gjson.Result, path []string, visit func([]string, gjson.Result)) {
	switch {
	case value.IsObject():
		value.ForEach(func(key, child gjson.Result) bool {
			walk(child, append(path[:len(path):len(path)], key.String()), visit)
			return true
		})
	case value.IsArray():
		i := 0
		value.ForEach(func(_, child gjson.Result) bool {
			walk(child, append(path[:len(path):len(path)], strconv.Itoa(i)), visit)
			i++
			return true
		})
	case value.Type == gjson.Null:
	default:
		if len(path) > 0 {
			visit(path, value)
		}
	}
}

func (m *FieldMasker) record(path string, r compiledRule) {
	m.metrics.RecordMasked(maskKindNames[r.Mask.Kind])
	if m.cfg.AuditOnAccess {
		m.logger.Info("field masked",
			"event", "masking_audit",
			"path", path,
			"mask_type", r.Mask.String(),
			"rule", r.Field)
	}
}

func escapeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', ':', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func joinEscaped(path []string) string {
	escaped := make([]string, len(path))
	for i, seg := range path {
		escaped[i] = escapeSegment(seg)
	}
	return strings.Join(escaped, ".")
}
