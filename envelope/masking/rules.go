package masking

import (
	"sort"
	"strings"
)

// Priorities of the built-in rule sets. Secrets outrank identity rules, which outrank the
// strict catch-alls.
const (
	prioritySecrets  = 300
	priorityIdentity = 200
	priorityStrict   = 100
)

var minimalRules = []Rule{
	{Field: "**.token", Mask: Redact, Priority: prioritySecrets},
	{Field: "**.access_token", Mask: Redact, Priority: prioritySecrets},
	{Field: "**.accessToken", Mask: Redact, Priority: prioritySecrets},
	{Field: "**.refresh_token", Mask: Redact, Priority: prioritySecrets},
	{Field: "**.refreshToken", Mask: Redact, Priority: prioritySecrets},
	{Field: "**.password", Mask: Redact, Priority: prioritySecrets},
	{Field: "**.secret", Mask: Redact, Priority: prioritySecrets},
	{Field: "**.api_key", Mask: Redact, Priority: prioritySecrets},
	{Field: "**.apiKey", Mask: Redact, Priority: prioritySecrets},
	{Field: "**.private_key", Mask: Redact, Priority: prioritySecrets},
	{Field: "**.authorization", Mask: Redact, Priority: prioritySecrets},
}

var standardRules = []Rule{
	{Field: "**.userId", Mask: Hash, Priority: priorityIdentity},
	{Field: "**.user_id", Mask: Hash, Priority: priorityIdentity},
	{Field: "**.sessionId", Mask: Hash, Priority: priorityIdentity},
	{Field: "**.session_id", Mask: Hash, Priority: priorityIdentity},
	{Field: "**.email", Mask: Partial, Priority: priorityIdentity},
	{Field: "**.ipAddress", Mask: Partial, Priority: priorityIdentity},
	{Field: "**.ip_address", Mask: Partial, Priority: priorityIdentity},
	{Field: "**.phone", Mask: Partial, Priority: priorityIdentity},
	{Field: "jwt.claims.sub", Mask: Hash, Priority: priorityIdentity},
}

var strictRules = []Rule{
	{Field: "security.**", Mask: Full, Priority: priorityStrict},
	{Field: "jwt.claims.**", Mask: Full, Priority: priorityStrict},
	{Field: "extensions.**", Mask: Full, Priority: priorityStrict},
	{Field: "context.**", Mask: Redact, Priority: priorityStrict},
}

// LevelRules returns the built-in rules for level. LevelNone and LevelCustom have none.
func LevelRules(level Level) []Rule {
	var rules []Rule
	switch level {
	case LevelStrict:
		rules = append(rules, strictRules...)
		fallthrough
	case LevelStandard:
		rules = append(rules, standardRules...)
		fallthrough
	case LevelMinimal:
		rules = append(rules, minimalRules...)
	}
	return rules
}

type compiledRule struct {
	Rule
	segments []string
}

// compile orders rules by descending priority. Ties keep declaration order.
func compile(rules []Rule) []compiledRule {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, compiledRule{
			Rule:     r,
			segments: strings.Split(strings.ToLower(r.Field), "."),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

func (r compiledRule) matches(path []string) bool {
	return matchSegments(r.segments, path)
}

// matchSegments matches a lower-cased glob against a path, comparing case-insensitively.
func matchSegments(glob, path []string) bool {
	for len(glob) > 0 {
		switch glob[0] {
		case "**":
			rest := glob[1:]
			if len(rest) == 0 {
				return len(path) > 0
			}
			for i := 0; i <= len(path); i++ {
				if matchSegments(rest, path[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(path) == 0 {
				return false
			}
		default:
			if len(path) == 0 || !strings.EqualFold(glob[0], path[0]) {
				return false
			}
		}
		glob, path = glob[1:], path[1:]
	}
	return len(path) == 0
}
