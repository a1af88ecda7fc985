// Package slug turns free-form task names into branch-safe identifiers.
package slug

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Slugify converts the provided text to a lowercase ASCII slug with hyphens.
// Accented letters are folded to their base form before filtering.
func Slugify(text string) string {
	clean := strings.TrimSpace(fold(text))
	if clean == "" {
		return ""
	}

	var builder strings.Builder
	builder.Grow(len(clean))
	prevHyphen := false
	for _, r := range strings.ToLower(clean) {
		switch {
		case r >= 'a' && r <= 'z':
			builder.WriteRune(r)
			prevHyphen = false
		case r >= '0' && r <= '9':
			builder.WriteRune(r)
			prevHyphen = false
		default:
			if !prevHyphen {
				builder.WriteRune('-')
				prevHyphen = true
			}
		}
	}

	return strings.Trim(builder.String(), "-")
}

// Truncate shortens a slug to at most max bytes without leaving a trailing hyphen.
func Truncate(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	return strings.TrimRight(value[:max], "-")
}

func fold(text string) string {
	chain := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(chain, text)
	if err != nil {
		return text
	}
	return folded
}
