package feed

import (
	"regexp"
	"strings"
)

const shortenPlaceholder = "[...]"

var asciiSpaceRun = regexp.MustCompile(`[\t\n\v\f\r ]+`)

func collapseSpace(s string) string {
	return strings.Trim(asciiSpaceRun.ReplaceAllString(s, " "), " ")
}

// ShortenToBytes returns s with ASCII whitespace runs collapsed and, if
// needed, truncated at a word boundary so its UTF-8 encoding fits in
// width bytes, a [...] placeholder marking the cut. Widths below the
// placeholder's own length are raised to it. The cut never splits a
// multi-byte rune: the byte after the last space of the truncated
// prefix is where the placeholder goes, and spaces cannot occur inside
// a UTF-8 sequence.
func ShortenToBytes(s string, width int) string {
	if width < len(shortenPlaceholder) {
		width = len(shortenPlaceholder)
	}
	s = collapseSpace(s)
	if s == "" {
		return ""
	}
	if len(s) <= width {
		return s
	}
	cut := s[:width-len(shortenPlaceholder)]
	if i := strings.LastIndexByte(cut, ' '); i >= 0 {
		return cut[:i] + " " + shortenPlaceholder
	}
	return shortenPlaceholder
}
