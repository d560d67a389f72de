package masking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestMaskType_Apply(t *testing.T) {
	tests := []struct {
		name  string
		mask  MaskType
		value string
		want  string
	}{
		{"full", Full, "secret", "***MASKED***"},
		{"redact", Redact, "secret", "[REDACTED]"},
		{"partial ip", Partial, "10.0.0.5", "10***.5"},
		{"partial email", Partial, "alice@example.com", "al***@***.com"},
		{"partial short", Partial, "abcd", "***"},
		{"partial short email", Partial, "a@b.io", "***"},
		{"prefix", Prefix(3), "abcdef", "abc***"},
		{"prefix too short", Prefix(3), "abc", "***"},
		{"suffix", Suffix(2), "abcdef", "***ef"},
		{"custom", Custom("[{masked}|{redacted}]"), "x", "[***MASKED***|[REDACTED]]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.mask.Apply(tt.value))
		})
	}
}

func TestHash_IsStable(t *testing.T) {
	a := Hash.Apply("u123")
	assert.Equal(t, a, Hash.Apply("u123"))
	assert.NotEqual(t, a, Hash.Apply("u124"))
	assert.True(t, strings.HasPrefix(a, "sha256:"))
	assert.Len(t, a, len("sha256:")+64)
	assert.Equal(t, "id="+a, Custom("id={hash}").Apply("u123"))
}

func TestParseMaskType(t *testing.T) {
	for _, mt := range []MaskType{Full, Redact, Hash, Partial, Prefix(4), Suffix(2), Custom("x{hash}")} {
		parsed, err := ParseMaskType(mt.String())
		require.NoError(t, err)
		assert.Equal(t, mt, parsed)
	}
	for _, bad := range []string{"", "blur", "prefix", "prefix:x", "suffix:-1", "custom"} {
		_, err := ParseMaskType(bad)
		assert.Error(t, err, bad)
	}
}

func TestConfig_YAML(t *testing.T) {
	var cfg Config
	err := yaml.Unmarshal([]byte(`
enabled: true
level: strict
audit_on_access: true
rules:
  - field: "payload.card.number"
    mask: "suffix:4"
    priority: 500
`), &cfg)
	require.NoError(t, err)
	assert.Equal(t, LevelStrict, cfg.Level)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, Suffix(4), cfg.Rules[0].Mask)
}

func TestMatchSegments(t *testing.T) {
	tests := []struct {
		glob, path string
		want       bool
	}{
		{"security.userId", "security.userid", true},
		{"security.*", "security.userId", true},
		{"security.*", "security.a.b", false},
		{"security.**", "security.a.b", true},
		{"security.**", "security", false},
		{"**.token", "token", true},
		{"**.token", "jwt.claims.token", true},
		{"**.token", "jwt.tokens", false},
		{"jwt.**.email", "jwt.claims.email", true},
	}
	for _, tt := range tests {
		got := matchSegments(strings.Split(strings.ToLower(tt.glob), "."), strings.Split(tt.path, "."))
		assert.Equal(t, tt.want, got, "%s vs %s", tt.glob, tt.path)
	}
}

func TestLevelRules_Nest(t *testing.T) {
	assert.Empty(t, LevelRules(LevelNone))
	assert.Empty(t, LevelRules(LevelCustom))
	assert.Less(t, len(LevelRules(LevelMinimal)), len(LevelRules(LevelStandard)))
	assert.Less(t, len(LevelRules(LevelStandard)), len(LevelRules(LevelStrict)))
}
