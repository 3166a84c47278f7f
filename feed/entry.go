// CLAUDE:SUMMARY Feed entries: the post-pipeline value type plus IRC message rendering within the 510-byte line budget and topic derivation.
// CLAUDE:EXPORTS Entry, StyleName, ShortenToBytes
package feed

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hazyhaar/ircfeedbot/config"
)

// Entry is one feed item flowing through the pipeline toward a channel.
// Identity for dedup purposes is LongURL alone.
type Entry struct {
	Title      string
	LongURL    string
	ShortURL   string
	Summary    string
	Categories []string

	// Extra carries parser-provided fields (JSON keys, CSV columns)
	// usable as format-template parameters.
	Extra map[string]string

	// MatchedPattern is the allow-list title pattern that admitted the
	// entry, kept for explain-mode emphasis.
	MatchedPattern *regexp.Regexp

	Feed *config.Feed
}

// URL is the link to post: the shortened URL when one was obtained.
func (e *Entry) URL() string {
	if e.ShortURL != "" {
		return e.ShortURL
	}
	return e.LongURL
}

// Message renders the announcement for this entry. identity is the
// bot's full nick!user@host as seen by the network; the title is
// truncated so the relayed line
// ":identity PRIVMSG scope :[feed] title → url" fits the raw 512-byte
// frame (two bytes reserved for CRLF).
func (e *Entry) Message(identity string) string {
	f := e.Feed

	title := ""
	if f.MessageTitle {
		title = e.Title
		if f.Explain && e.MatchedPattern != nil {
			// Sub and format rules may have rewritten the title since
			// the allow filter ran, so the pattern can fail here.
			if loc := e.MatchedPattern.FindStringIndex(title); loc != nil {
				title = title[:loc[0]] + italicize(title[loc[0]:loc[1]], f.Style != nil) + title[loc[1]:]
			}
		}
	}

	name := StyleName(f.Name, f.Style)
	url := e.URL()

	var prefix, tail string
	if f.MessageTitle {
		prefix = fmt.Sprintf("[%s] ", name)
		tail = fmt.Sprintf(" → %s", url)
	} else {
		prefix = fmt.Sprintf("[%s] → ", name)
		tail = url
	}
	base := len(fmt.Sprintf(":%s PRIVMSG %s :", identity, f.Scope)) + len(prefix) + len(tail)

	if f.MessageTitle {
		budget := config.QuoteLenMax - base
		if budget < 0 {
			budget = 0
		}
		title = ShortenToBytes(title, budget)
	}
	msg := prefix + title + tail

	if f.MessageSummary && e.Summary != "" {
		if remaining := config.QuoteLenMax - base - len(title) - len(": "); remaining >= len(shortenPlaceholder) {
			msg += ": " + ShortenToBytes(e.Summary, remaining)
		}
	}
	return msg
}

// Topic merges this entry's derived topic segments into the current
// channel topic. Each matching rule contributes a "key: value" segment
// from its first capture group over the long URL; segments are joined
// by " | ", updating an existing segment with the same key in place.
func (e *Entry) Topic(current string) string {
	if len(e.Feed.Topic) == 0 {
		return current
	}

	var segments []string
	if current != "" {
		segments = strings.Split(current, " | ")
	}
	for _, rule := range e.Feed.Topic {
		m := rule.Re.FindStringSubmatch(e.LongURL)
		if m == nil || len(m) < 2 {
			continue
		}
		segment := rule.Key + ": " + m[1]
		replaced := false
		for i, existing := range segments {
			if strings.HasPrefix(existing, rule.Key+": ") {
				segments[i] = segment
				replaced = true
				break
			}
		}
		if !replaced {
			segments = append(segments, segment)
		}
	}
	return strings.Join(segments, " | ")
}
