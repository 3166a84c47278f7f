package feed

import (
	"strings"
	"testing"

	"github.com/hazyhaar/ircfeedbot/config"
)

// WHAT: bold/italic styling without colors transliterates the name to
// mathematical sans-serif codepoints; digits only exist in bold.
// WHY: many clients strip mIRC control codes, but Unicode styling
// survives any relay.
func TestMathSans(t *testing.T) {
	if got, want := mathSans("Ab1", true, false), "\U0001D5D4\U0001D5EF\U0001D7ED"; got != want {
		t.Errorf("bold = %q, want %q", got, want)
	}
	if got, want := mathSans("Ab1", false, true), "\U0001D608\U0001D623"+"1"; got != want {
		t.Errorf("italic = %q, want %q (digits untouched)", got, want)
	}
	if got, want := mathSans("Ab", true, true), "\U0001D63C\U0001D657"; got != want {
		t.Errorf("bold italic = %q, want %q", got, want)
	}
	if got := mathSans("a-b_c", true, false); !strings.Contains(got, "-") || !strings.Contains(got, "_") {
		t.Errorf("punctuation altered: %q", got)
	}
	if got := mathSans("plain", false, false); got != "plain" {
		t.Errorf("unstyled = %q, want identity", got)
	}
}

// WHAT: StyleName renders nothing for nil style, Unicode for pure
// bold/italics, and mIRC control codes when colors are configured.
// WHY: the feed-name prefix is the one styled element of a post; its
// rendering mode follows what the style asks for.
func TestStyleName(t *testing.T) {
	if got := StyleName("news", nil); got != "news" {
		t.Errorf("nil style = %q", got)
	}
	if got, want := StyleName("go", &config.Style{Bold: true}), "\U0001D5F4\U0001D5FC"; got != want {
		t.Errorf("bold without color = %q, want %q", got, want)
	}

	got := StyleName("news", &config.Style{Fg: "red", Bg: "blue"})
	if !strings.HasPrefix(got, "\x03") || !strings.Contains(got, "news") || !strings.HasSuffix(got, "\x0f") {
		t.Errorf("colored = %q, want color code, name, reset", got)
	}

	got = StyleName("news", &config.Style{Fg: "green", Bold: true, Italics: true})
	if !strings.HasPrefix(got, "\x02\x1d\x03") {
		t.Errorf("bold italic colored = %q, want \\x02\\x1d\\x03 prefix", got)
	}
	if !strings.HasSuffix(got, "\x0f") {
		t.Errorf("colored = %q, want trailing reset", got)
	}

	// Background without foreground still needs a foreground slot.
	got = StyleName("n", &config.Style{Bg: "yellow"})
	if !strings.HasPrefix(got, "\x03") || !strings.Contains(got, ",") {
		t.Errorf("bg only = %q, want fg,bg color pair", got)
	}
}

// WHAT: italicize wraps in IRC italics for styled feeds, asterisks
// otherwise.
// WHY: explain-mode emphasis must match the feed's overall rendering.
func TestItalicize(t *testing.T) {
	if got, want := italicize("hot", false), "*hot*"; got != want {
		t.Errorf("plain = %q, want %q", got, want)
	}
	if got, want := italicize("hot", true), "\x1dhot\x0f"; got != want {
		t.Errorf("irc = %q, want %q", got, want)
	}
}
