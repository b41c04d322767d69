package cardimage

import "strings"

// NameSlot is replaced by the cache key when a pattern is expanded.
const NameSlot = "{name}"

// Pattern is a remote file name template. Patterns are tried in order, so
// the most specific artwork variant must come first.
type Pattern string

// Identifier expands the pattern for one cache key.
func (p Pattern) Identifier(key string) string {
	return strings.ReplaceAll(string(p), NameSlot, key)
}

// String implements fmt.Stringer.
func (p Pattern) String() string { return string(p) }

// ParsePatterns converts configured templates, keeping their order.
func ParsePatterns(templates []string) []Pattern {
	patterns := make([]Pattern, 0, len(templates))
	for _, t := range templates {
		patterns = append(patterns, Pattern(t))
	}
	return patterns
}
