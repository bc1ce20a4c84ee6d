// Package textnorm folds text into the comparison form shared by the gates:
// column markers dropped, quote variants unified, diacritics stripped,
// lowercased, whitespace collapsed.
package textnorm

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var columnMarker = regexp.MustCompile(`(?i)\[col\.\s*\d+[a-d]?\]`)

var quotes = strings.NewReplacer(
	"«", `"`, "»", `"`,
	"“", `"`, "”", `"`, "„", `"`,
	"‘", "'", "’", "'", "‚", "'",
)

// Normalize returns the comparison form of s.
func Normalize(s string) string {
	s = columnMarker.ReplaceAllString(s, " ")
	s = quotes.Replace(s)
	s = FoldDiacritics(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

// FoldDiacritics decomposes s and drops combining marks, so "é" and "e" compare equal where the
// decomposition allows it.
func FoldDiacritics(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// CollapseSpace joins the whitespace-separated fields of s with single spaces.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Tail returns the last n runes of s, or s when it is shorter.
func Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := utf8.RuneCountInString(s)
	if count <= n {
		return s
	}
	skip := count - n
	for i := range s {
		if skip == 0 {
			return s[i:]
		}
		skip--
	}
	return ""
}

// Len is the rune length of s.
func Len(s string) int {
	return utf8.RuneCountInString(s)
}
