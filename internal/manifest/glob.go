package manifest

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dlclark/regexp2"
)

// Glob is a compiled path pattern supporting *, **, ?, [...] classes, and {a,b} alternation.
// Dotfiles are matched like any other name.
type Glob struct {
	pattern string
	regex   *regexp2.Regexp
}

var (
	globCacheMu sync.Mutex
	globCache   = map[string]*Glob{}
)

// CompileGlob translates a path glob into an anchored regular expression.
func CompileGlob(pattern string) (*Glob, error) {
	normalized := NormalizePath(pattern)
	if normalized == "" {
		return nil, fmt.Errorf("empty glob pattern")
	}

	globCacheMu.Lock()
	cached, ok := globCache[normalized]
	globCacheMu.Unlock()
	if ok {
		return cached, nil
	}

	expr, err := translateGlob(normalized)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	regex, err := regexp2.Compile(expr, regexp2.RE2)
	if err != nil {
		return nil, fmt.Errorf("glob %q: invalid expression: %w", pattern, err)
	}
	glob := &Glob{pattern: normalized, regex: regex}

	globCacheMu.Lock()
	globCache[normalized] = glob
	globCacheMu.Unlock()
	return glob, nil
}

// Match reports whether the path matches the glob.
func (glob *Glob) Match(path string) bool {
	matched, err := glob.regex.MatchString(NormalizePath(path))
	return err == nil && matched
}

// String returns the normalized source pattern.
func (glob *Glob) String() string {
	return glob.pattern
}

// MatchAny reports whether path matches at least one pattern. Invalid patterns never match.
func MatchAny(patterns []string, path string) bool {
	for _, pattern := range patterns {
		glob, err := CompileGlob(pattern)
		if err != nil {
			continue
		}
		if glob.Match(path) {
			return true
		}
	}
	return false
}

// NormalizePath converts a path to slash form and strips a leading "./".
func NormalizePath(path string) string {
	normalized := filepath.ToSlash(strings.TrimSpace(path))
	for strings.HasPrefix(normalized, "./") {
		normalized = strings.TrimPrefix(normalized, "./")
	}
	return normalized
}

// translateGlob converts glob syntax to a regular expression body.
func translateGlob(pattern string) (string, error) {
	if strings.HasSuffix(pattern, "/") {
		pattern += "**"
	}

	var builder strings.Builder
	builder.WriteString("^")
	runes := []rune(pattern)
	braceDepth := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				i++
				if i+1 < len(runes) && runes[i+1] == '/' {
					i++
					builder.WriteString("(?:.*/)?")
				} else {
					builder.WriteString(".*")
				}
				continue
			}
			builder.WriteString("[^/]*")
		case '?':
			builder.WriteString("[^/]")
		case '[':
			end := indexRune(runes[i+1:], ']')
			if end < 0 {
				return "", fmt.Errorf("unterminated character class")
			}
			class := string(runes[i+1 : i+1+end])
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			builder.WriteString("[" + strings.ReplaceAll(class, `\`, `\\`) + "]")
			i += end + 1
		case '{':
			braceDepth++
			builder.WriteString("(?:")
		case '}':
			if braceDepth == 0 {
				builder.WriteString(regexp2.Escape("}"))
				continue
			}
			braceDepth--
			builder.WriteString(")")
		case ',':
			if braceDepth > 0 {
				builder.WriteString("|")
				continue
			}
			builder.WriteString(",")
		default:
			builder.WriteString(regexp2.Escape(string(r)))
		}
	}
	if braceDepth != 0 {
		return "", fmt.Errorf("unbalanced braces")
	}
	builder.WriteString("$")
	return builder.String(), nil
}

func indexRune(runes []rune, target rune) int {
	for i, r := range runes {
		if r == target {
			return i
		}
	}
	return -1
}
