package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeUsername(t *testing.T) {
	assert.Equal(t, "Anonymous", SanitizeUsername(""))
	assert.Equal(t, "Anonymous", SanitizeUsername("  \t \n"))
	assert.Equal(t, "Alice", SanitizeUsername("  Alice "))
	assert.Equal(t, "Alice B", SanitizeUsername("Alice \t\n  B"))

	long := strings.Repeat("x", 100)
	assert.Equal(t, strings.Repeat("x", MaxUsernameLen), SanitizeUsername(long))

	// rune based, not byte based.
	assert.Equal(t, strings.Repeat("日", MaxUsernameLen), SanitizeUsername(strings.Repeat("日", 30)))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "", TruncateRunes("abc", 0))
	assert.Equal(t, "abc", TruncateRunes("abc", 3))
	assert.Equal(t, "ab", TruncateRunes("abc", 2))
	assert.Equal(t, "日本", TruncateRunes("日本語", 2))
}
