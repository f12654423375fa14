package utils

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var wrappingQuotes = regexp.MustCompile(`^["']|["']$`)

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// StripWrappingQuotes removes one leading and one trailing quote character.
func StripWrappingQuotes(s string) string {
	return wrappingQuotes.ReplaceAllString(s, "")
}

// HasMarker reports whether content starts with marker.
func HasMarker(content, marker string) bool {
	return marker != "" && strings.HasPrefix(content, marker)
}

// StripMarker removes every occurrence of marker and trims the result.
func StripMarker(content, marker string) string {
	if marker == "" {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(strings.ReplaceAll(content, marker, ""))
}
