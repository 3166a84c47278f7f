package feed

import (
	"fmt"
	"strings"

	"github.com/ergochat/irc-go/ircfmt"

	"github.com/hazyhaar/ircfeedbot/config"
)

// StyleName renders the feed-name prefix per its style config. With a
// color configured, mIRC control codes carry the whole style; with only
// bold or italics, the text is transliterated to the equivalent
// mathematical sans-serif alphabet instead, which survives clients that
// strip control codes.
func StyleName(name string, st *config.Style) string {
	if st == nil {
		return name
	}
	if st.Fg == "" && st.Bg == "" {
		return mathSans(name, st.Bold, st.Italics)
	}
	var b strings.Builder
	if st.Bold {
		b.WriteString("$b")
	}
	if st.Italics {
		b.WriteString("$i")
	}
	switch {
	case st.Fg != "" && st.Bg != "":
		fmt.Fprintf(&b, "$c[%s,%s]", st.Fg, st.Bg)
	case st.Fg != "":
		fmt.Fprintf(&b, "$c[%s]", st.Fg)
	default:
		fmt.Fprintf(&b, "$c[default,%s]", st.Bg)
	}
	b.WriteString(ircfmt.Escape(name))
	b.WriteString("$r")
	return ircfmt.Unescape(b.String())
}

// italicize emphasizes a matched title span: IRC italics for styled
// feeds, asterisks otherwise.
func italicize(s string, irc bool) string {
	if irc {
		return ircfmt.Unescape("$i" + ircfmt.Escape(s) + "$r")
	}
	return "*" + s + "*"
}

// Mathematical sans-serif alphanumeric block offsets.
const (
	sansBoldUpper       = 0x1D5D4
	sansBoldLower       = 0x1D5EE
	sansBoldDigit       = 0x1D7EC
	sansItalicUpper     = 0x1D608
	sansItalicLower     = 0x1D622
	sansBoldItalicUpper = 0x1D63C
	sansBoldItalicLower = 0x1D656
)

func mathSans(s string, bold, italics bool) string {
	var upper, lower, digit rune
	switch {
	case bold && italics:
		upper, lower, digit = sansBoldItalicUpper, sansBoldItalicLower, sansBoldDigit
	case bold:
		upper, lower, digit = sansBoldUpper, sansBoldLower, sansBoldDigit
	case italics:
		// There are no italic digit codepoints.
		upper, lower, digit = sansItalicUpper, sansItalicLower, 0
	default:
		return s
	}
	var b strings.Builder
	b.Grow(len(s) * 4)
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			b.WriteRune(upper + (r - 'A'))
		case r >= 'a' && r <= 'z':
			b.WriteRune(lower + (r - 'a'))
		case r >= '0' && r <= '9' && digit != 0:
			b.WriteRune(digit + (r - '0'))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
