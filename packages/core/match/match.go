// Package match filters test titles with simple wildcard patterns.
//
// A pattern matches the whole title. '*' matches any run of characters,
// including none, and '?' matches exactly one. A leading '!' negates the
// pattern. A title is selected when it matches at least one positive pattern
// and no negated one; when every pattern is negated, titles only need to
// avoid them.
package match

import (
	"strings"

	wildcard "github.com/tidwall/match"
)

// Titles returns the titles selected by patterns, in input order.
func Titles(titles, patterns []string) []string {
	var out []string
	for _, title := range titles {
		if Matches(title, patterns) {
			out = append(out, title)
		}
	}
	return out
}

// Matches reports whether title is selected by patterns. An empty pattern
// list selects everything.
func Matches(title string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}

	positives := 0
	matched := false
	for _, pattern := range patterns {
		if negated, ok := strings.CutPrefix(pattern, "!"); ok {
			if matchesPattern(title, negated) {
				return false
			}
			continue
		}
		positives++
		if !matched && matchesPattern(title, pattern) {
			matched = true
		}
	}
	return positives == 0 || matched
}

func matchesPattern(name, pattern string) bool {
	return wildcard.Match(name, pattern)
}
