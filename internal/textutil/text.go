// Package textutil provides text normalization helpers shared by the
// store and the narrow query layer.
package textutil

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// MaxTopicLength is the longest topic name, in runes, that is stored.
const MaxTopicLength = 60

// FoldTopic returns the case-insensitive key for a topic name. Topic
// comparisons (narrowing, muting, moving) are done on this key rather than
// with SQL UPPER/LOWER, which only fold ASCII in SQLite.
//
// A cases.Caser keeps state between calls, so each call builds its own.
func FoldTopic(topic string) string {
	return cases.Fold().String(topic)
}

// NormalizeTopic sanitizes and truncates a topic name for storage.
func NormalizeTopic(topic string) string {
	return TruncateRunes(strings.TrimSpace(SanitizeUTF8(topic)), MaxTopicLength)
}

// SanitizeUTF8 replaces invalid UTF-8 bytes with replacement character.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune('�')
			i++
		} else {
			sb.WriteRune(r)
			i += size
		}
	}
	return sb.String()
}

// TruncateRunes truncates a string to maxRunes runes (not bytes), adding "..." if truncated.
// This is UTF-8 safe and won't split multi-byte characters.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}
