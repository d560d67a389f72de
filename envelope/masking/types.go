package masking

import (
	"fmt"
	"strconv"
	"strings"
)

// Level selects a predefined rule set.
type Level int

// Masking levels
const (
	LevelNone Level = iota
	LevelMinimal
	LevelStandard
	LevelStrict
	LevelCustom
)

var levelNames = map[Level]string{
	LevelNone:     "none",
	LevelMinimal:  "minimal",
	LevelStandard: "standard",
	LevelStrict:   "strict",
	LevelCustom:   "custom",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseLevel parses a level name.
func ParseLevel(s string) (Level, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for l, name := range levelNames {
		if name == norm {
			return l, nil
		}
	}
	return LevelNone, fmt.Errorf("unknown masking level %q", s)
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level by name.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MaskKind is the shape of a mask.
type MaskKind int

// Mask kinds
const (
	KindFull MaskKind = iota
	KindRedact
	KindHash
	KindPartial
	KindPrefix
	KindSuffix
	KindCustom
)

var maskKindNames = map[MaskKind]string{
	KindFull:    "full",
	KindRedact:  "redact",
	KindHash:    "hash",
	KindPartial: "partial",
	KindPrefix:  "prefix",
	KindSuffix:  "suffix",
	KindCustom:  "custom",
}

// MaskType is a mask kind plus its argument: the number of visible characters for Prefix
// and Suffix, the template for Custom.
type MaskType struct {
	Kind     MaskKind
	N        int
	Template string
}

// Mask type constructors
var (
	Full    = MaskType{Kind: KindFull}
	Redact  = MaskType{Kind: KindRedact}
	Hash    = MaskType{Kind: KindHash}
	Partial = MaskType{Kind: KindPartial}
)

// Prefix shows the first n characters.
func Prefix(n int) MaskType { return MaskType{Kind: KindPrefix, N: n} }

// Suffix shows the last n characters.
func Suffix(n int) MaskType { return MaskType{Kind: KindSuffix, N: n} }

// Custom substitutes {masked}, {redacted} and {hash} in template.
func Custom(template string) MaskType { return MaskType{Kind: KindCustom, Template: template} }

// String returns the config form: "hash", "prefix:4", "custom:<template>".
func (t MaskType) String() string {
	name := maskKindNames[t.Kind]
	switch t.Kind {
	case KindPrefix, KindSuffix:
		return name + ":" + strconv.Itoa(t.N)
	case KindCustom:
		return name + ":" + t.Template
	default:
		return name
	}
}

// ParseMaskType parses the config form produced by String.
func ParseMaskType(s string) (MaskType, error) {
	name, arg, hasArg := strings.Cut(strings.TrimSpace(s), ":")
	name = strings.ToLower(name)

	var kind MaskKind
	found := false
	for k, n := range maskKindNames {
		if n == name {
			kind, found = k, true
			break
		}
	}
	if !found {
		return MaskType{}, fmt.Errorf("unknown mask type %q", s)
	}

	switch kind {
	case KindPrefix, KindSuffix:
		if !hasArg {
			return MaskType{}, fmt.Errorf("mask type %q needs a length, e.g. %s:4", s, name)
		}
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return MaskType{}, fmt.Errorf("mask type %q: invalid length %q", s, arg)
		}
		return MaskType{Kind: kind, N: n}, nil
	case KindCustom:
		if !hasArg {
			return MaskType{}, fmt.Errorf("mask type %q needs a template", s)
		}
		return MaskType{Kind: kind, Template: arg}, nil
	default:
		return MaskType{Kind: kind}, nil
	}
}

// MarshalText encodes the mask type in config form.
func (t MaskType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes the config form.
func (t *MaskType) UnmarshalText(text []byte) error {
	parsed, err := ParseMaskType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Rule masks every field whose dotted path matches Field. In Field, "*" matches one path
// segment and "**" any number of segments. Higher Priority rules are tried first.
type Rule struct {
	Field    string   `json:"field"    yaml:"field"`
	Mask     MaskType `json:"mask"     yaml:"mask"`
	Priority int      `json:"priority" yaml:"priority"`
}

// Config configures a FieldMasker. Level rules and Rules are combined; LevelCustom uses
// Rules alone.
type Config struct {
	Enabled       bool   `json:"enabled"         yaml:"enabled"`
	Level         Level  `json:"level"           yaml:"level"`
	Rules         []Rule `json:"rules,omitempty" yaml:"rules,omitempty"`
	AuditOnAccess bool   `json:"audit_on_access" yaml:"audit_on_access"`
}

// DefaultConfig enables standard masking without audit.
func DefaultConfig() Config {
	return Config{Enabled: true, Level: LevelStandard}
}
