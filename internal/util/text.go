package util

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var whitespace = regexp.MustCompile(`\s+`)

// NormalizeWhitespace trims and collapses whitespace to single spaces.
func NormalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// ContainsAnyCaseInsensitive returns true if text contains any of the needles (case-insensitive).
func ContainsAnyCaseInsensitive(text string, needles []string) bool {
	return len(MatchedNeedles(text, needles)) > 0
}

// MatchedNeedles returns the needles found in text, case-insensitive, in needle order.
func MatchedNeedles(text string, needles []string) []string {
	lt := strings.ToLower(text)
	var out []string
	for _, n := range needles {
		if n == "" {
			continue
		}
		if strings.Contains(lt, strings.ToLower(n)) {
			out = append(out, n)
		}
	}
	return out
}

// TruncateRunes shortens s to at most max runes, ending with "…" when cut.
func TruncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	if max == 1 {
		return string(r[:1])
	}
	return string(r[:max-1]) + "…"
}
