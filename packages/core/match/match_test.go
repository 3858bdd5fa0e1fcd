package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		name     string
		title    string
		patterns []string
		want     bool
	}{
		{"no patterns", "anything", nil, true},
		{"exact", "adds numbers", []string{"adds numbers"}, true},
		{"exact mismatch", "adds numbers", []string{"adds"}, false},
		{"prefix", "adds numbers", []string{"adds*"}, true},
		{"suffix", "adds numbers", []string{"*numbers"}, true},
		{"contains", "adds numbers", []string{"*ds num*"}, true},
		{"inner wildcard", "user can log in", []string{"user*in"}, true},
		{"inner wildcard order", "in can user", []string{"user*in"}, false},
		{"several wildcards", "a-b-c-d", []string{"a*b*d"}, true},
		{"overlapping affixes", "ab", []string{"ab*b"}, false},
		{"negation only", "slow test", []string{"!slow*"}, false},
		{"negation only passes others", "fast test", []string{"!slow*"}, true},
		{"positive and negation", "api slow", []string{"api*", "!*slow"}, false},
		{"positive and negation passes", "api fast", []string{"api*", "!*slow"}, true},
		{"any positive", "b", []string{"a", "b"}, true},
		{"empty pattern", "", []string{""}, true},
		{"empty pattern mismatch", "x", []string{""}, false},
		{"single character", "test 1", []string{"test ?"}, true},
		{"single character needs one", "test", []string{"test?"}, false},
		{"negated single character", "test 2", []string{"test*", "!test ?"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.title, tt.patterns))
		})
	}
}

func TestTitles(t *testing.T) {
	titles := []string{"login works", "logout works", "signup fails"}
	assert.Equal(t, []string{"login works", "logout works"}, Titles(titles, []string{"log*"}))
	assert.Empty(t, Titles(titles, []string{"nothing"}))
}
