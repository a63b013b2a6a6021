package store

import "strings"

// SanitizeUsername trims the name, collapses inner whitespace runs to
// one space, bounds the length and falls back to AnonymousName.
func SanitizeUsername(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return AnonymousName
	}
	return TruncateRunes(name, MaxUsernameLen)
}

// TruncateRunes cuts s to at most n runes.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func trimSpace(s string) string {
	return strings.TrimSpace(s)
}
