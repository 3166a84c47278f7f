package parse

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"
)

// syndication parses RSS/Atom/JSON-feed documents with gofeed after an
// XML repair pass. It has no selector and produces no follow-URLs.
type syndication struct {
	feed *gofeed.Feed
}

func newSyndication(body []byte, _ Selection) (Parser, error) {
	cleaned := bytes.TrimLeft(body, " \t\r\n")
	// JSON-feed bodies keep their bare ampersands; the repair pass is
	// for malformed XML only.
	if len(cleaned) == 0 || cleaned[0] != '{' {
		cleaned = bytes.TrimLeft(SanitizeXML(cleaned), " \t\r\n")
	}
	f, err := gofeed.NewParser().Parse(bytes.NewReader(cleaned))
	if err != nil {
		return nil, fmt.Errorf("parse: syndication: %w", err)
	}
	return &syndication{feed: f}, nil
}

func (s *syndication) Entries() ([]RawEntry, error) {
	entries := make([]RawEntry, 0, len(s.feed.Items))
	for _, it := range s.feed.Items {
		link := it.Link
		if link == "" && len(it.Links) > 0 {
			link = it.Links[0]
		}
		var cats []string
		for _, c := range it.Categories {
			if c = strings.TrimSpace(c); c != "" {
				cats = append(cats, c)
			}
		}
		entries = append(entries, RawEntry{
			Title:      strings.TrimSpace(it.Title),
			Link:       strings.TrimSpace(link),
			Summary:    it.Description,
			Categories: cats,
		})
	}
	return entries, nil
}

func (s *syndication) FollowURLs() ([]string, error) { return nil, nil }
