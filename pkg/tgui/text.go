package tgui

import (
	"strings"
	"unicode/utf8"
)

// TruncRunes returns s truncated to at most n runes.
// It appends an ellipsis "…" when truncated.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	// Single pass: remember the byte index after the n-th rune; an (n+1)-th
	// rune means truncate.
	count := 0
	cut := 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			if cut <= 0 {
				cut = i
			}
			return s[:cut] + "…"
		}
	}
	return s
}

// FirstLine returns the first non-empty line of s, truncated to n runes.
func FirstLine(s string, n int) string {
	s = strings.TrimSpace(s)
	s, _, _ = strings.Cut(s, "\n")
	return TruncRunes(strings.TrimSpace(s), n)
}
