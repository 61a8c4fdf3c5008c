// Package filter classifies content sensitivity for scoring penalties and
// cache admission gating.
package filter

import (
	"regexp"
	"strings"
	"sync"
)

// PrivacyLevel grades how sensitive a piece of content is.
type PrivacyLevel int

const (
	// LevelPublic is content with no detected personal data.
	LevelPublic PrivacyLevel = iota

	// LevelPersonal is content carrying personal identifiers (email, phone,
	// card numbers). It may be stored but scores with a PII penalty.
	LevelPersonal

	// LevelConfidential is content carrying credentials or explicitly marked
	// confidential. It is never admitted to the answer cache.
	LevelConfidential
)

func (l PrivacyLevel) String() string {
	switch l {
	case LevelPersonal:
		return "personal"
	case LevelConfidential:
		return "confidential"
	default:
		return "public"
	}
}

// ParseLevel converts a wire string to a PrivacyLevel. Unknown values parse
// as public so the content classifier remains the effective gate.
func ParseLevel(s string) PrivacyLevel {
	switch s {
	case "confidential":
		return LevelConfidential
	case "personal":
		return LevelPersonal
	default:
		return LevelPublic
	}
}

// Precompiled patterns for common sensitive data formats. Compilation is
// deferred to first use.
var (
	emailPattern = sync.OnceValue(func() *regexp.Regexp {
		return regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)
	})

	phonePattern = sync.OnceValue(func() *regexp.Regexp {
		return regexp.MustCompile(`\+?\d[\d\s().-]{8,}\d`)
	})

	cardPattern = sync.OnceValue(func() *regexp.Regexp {
		return regexp.MustCompile(`\b(?:\d[ -]?){12,19}\b`)
	})

	ssnPattern = sync.OnceValue(func() *regexp.Regexp {
		return regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	})

	secretPattern = sync.OnceValue(func() *regexp.Regexp {
		return regexp.MustCompile(`(?i)\b(api[_-]?key|secret|password|passwd|token|private[_-]?key|credential)s?\b\s*[:=]?\s*\S*`)
	})

	keyMaterialPattern = sync.OnceValue(func() *regexp.Regexp {
		return regexp.MustCompile(`\b(sk-[A-Za-z0-9]{16,}|ghp_[A-Za-z0-9]{20,}|AKIA[A-Z0-9]{16})\b`)
	})
)

// confidentialMarkers are plain-text markers users attach to content they
// never want cached.
var confidentialMarkers = []string{"[confidential]", "do not store", "off the record"}

// Classify returns the privacy level for a content payload.
func Classify(content string) PrivacyLevel {
	lower := strings.ToLower(content)
	for _, marker := range confidentialMarkers {
		if strings.Contains(lower, marker) {
			return LevelConfidential
		}
	}
	if keyMaterialPattern().MatchString(content) || secretPattern().MatchString(content) {
		return LevelConfidential
	}
	if emailPattern().MatchString(content) ||
		ssnPattern().MatchString(content) ||
		cardPattern().MatchString(content) ||
		phonePattern().MatchString(content) {
		return LevelPersonal
	}
	return LevelPublic
}

// IsSensitive reports whether content carries any personal data at all,
// feeding the relevance scorer's penalty flag.
func IsSensitive(content string) bool {
	return Classify(content) != LevelPublic
}
