package masking

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// Replacement strings
const (
	MaskedText   = "***MASKED***"
	RedactedText = "[REDACTED]"
	shortMask    = "***"
	hashPrefix   = "sha256:"
)

// Apply masks value according to t.
func (t MaskType) Apply(value string) string {
	switch t.Kind {
	case KindFull:
		return MaskedText
	case KindRedact:
		return RedactedText
	case KindHash:
		return hashValue(value)
	case KindPartial:
		return partial(value)
	case KindPrefix:
		runes := []rune(value)
		if len(runes) <= t.N {
			return shortMask
		}
		return string(runes[:t.N]) + shortMask
	case KindSuffix:
		runes := []rune(value)
		if len(runes) <= t.N {
			return shortMask
		}
		return shortMask + string(runes[len(runes)-t.N:])
	case KindCustom:
		return strings.NewReplacer(
			"{masked}", MaskedText,
			"{redacted}", RedactedText,
			"{hash}", hashValue(value),
		).Replace(t.Template)
	default:
		return MaskedText
	}
}

// hashValue is stable for equal inputs so masked log lines stay correlatable.
func hashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hashPrefix + hex.EncodeToString(sum[:])
}

// partial keeps two leading and two trailing characters. Emails keep two characters of the
// local part and the last four of the domain. Values too short to hide anything become "***".
func partial(value string) string {
	if local, domain, ok := strings.Cut(value, "@"); ok {
		if utf8.RuneCountInString(local) < 2 || utf8.RuneCountInString(domain) < 4 {
			return shortMask
		}
		l, d := []rune(local), []rune(domain)
		return string(l[:2]) + shortMask + "@" + shortMask + string(d[len(d)-4:])
	}

	runes := []rune(value)
	if len(runes) <= 4 {
		return shortMask
	}
	return string(runes[:2]) + shortMask + string(runes[len(runes)-2:])
}
