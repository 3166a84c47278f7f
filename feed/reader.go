// CLAUDE:SUMMARY Feed reader: one poll cycle fetching source and follow URLs, parsing, and piping entries; Feed computes the postable subset against the dedup store.
// CLAUDE:EXPORTS Reader, Feed, ReadStats, Fetcher, Shortener, Alerter
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/ircfeedbot/config"
	"github.com/hazyhaar/ircfeedbot/fetch"
	"github.com/hazyhaar/ircfeedbot/parse"
)

// Fetcher retrieves one URL, serving from cache within maxCacheAge.
type Fetcher interface {
	Fetch(ctx context.Context, url string, maxCacheAge time.Duration) (*fetch.URLContent, error)
}

// Shortener produces short URLs for announcement. Shortening is best
// effort; callers keep long URLs on error.
type Shortener interface {
	Shorten(ctx context.Context, urls []string) ([]string, error)
}

// Alerter posts an operator-facing message to the alerts channel.
type Alerter func(msg string)

// Reader drives one configured feed through poll cycles.
type Reader struct {
	Feed *config.Feed

	fetcher Fetcher
	alert   Alerter
}

func NewReader(f *config.Feed, fetcher Fetcher, alert Alerter) *Reader {
	return &Reader{Feed: f, fetcher: fetcher, alert: alert}
}

// MaxCacheAge is how stale a cached body may be while still serving
// this feed's fetches: half the shortest possible period, so a cached
// read can satisfy at most every other cycle.
func (r *Reader) MaxCacheAge() time.Duration {
	return r.Feed.PeriodMin() / 2
}

// Read performs one poll cycle: fetch each source URL plus any
// follow-URLs the parsers return, parse, accumulate, then run the
// entry pipeline. Fetches of distinct URLs are spaced at least
// SecondsBetweenFeedURLs apart. Any fetch or parse error fails the
// whole cycle.
func (r *Reader) Read(ctx context.Context) (*Feed, error) {
	start := time.Now()
	f := r.Feed

	pending := append([]string(nil), f.URLs...)
	read := make(map[string]bool, len(pending))
	approaches := make(map[fetch.Approach]int)
	var entries []*Entry

	for len(pending) > 0 {
		url := pending[0]
		pending = pending[1:]
		if read[url] {
			continue
		}

		content, err := r.fetcher.Fetch(ctx, url, r.MaxCacheAge())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		fetched := time.Now()
		read[url] = true
		approaches[content.Approach]++

		p, err := parse.New(f.Parser, content.Body, f.Selection)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		raw, err := p.Entries()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		follow, err := p.FollowURLs()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}

		for _, re := range raw {
			entries = append(entries, &Entry{
				Title:      re.Title,
				LongURL:    re.Link,
				Summary:    re.Summary,
				Categories: re.Categories,
				Extra:      re.Extra,
				Feed:       f,
			})
		}
		for _, fu := range follow {
			if !read[fu] {
				pending = append(pending, fu)
			}
		}
		slog.Debug("feed: parsed url", "feed", f.String(), "url", url, "entries", len(raw), "follow", len(follow))

		if len(raw) == 0 {
			msg := fmt.Sprintf("Read 0 entries from %s for %s.", url, f)
			if f.AlertEmpty && r.alert != nil {
				r.alert(msg + " Either check the feed configuration, or wait for its next read, or set alerts.empty to false for it.")
			} else {
				slog.Warn("feed: read no entries", "feed", f.String(), "url", url)
			}
		}

		if len(pending) > 0 {
			if d := config.SecondsBetweenFeedURLs - time.Since(fetched); d > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(d):
				}
			}
		}
	}

	entries = Process(f, entries)
	stats := ReadStats{Approaches: approaches, Duration: time.Since(start)}
	slog.Debug("feed: read cycle done", "feed", f.String(), "entries", len(entries), "via", stats.String())
	return &Feed{Config: f, Entries: entries, Stats: stats}, nil
}

// ReadStats describes how one cycle obtained its documents.
type ReadStats struct {
	Approaches map[fetch.Approach]int
	Duration   time.Duration
}

func (s ReadStats) String() string {
	out := ""
	for _, a := range []fetch.Approach{fetch.ApproachRead, fetch.ApproachCacheHit, fetch.ApproachETagHit} {
		if n := s.Approaches[a]; n > 0 {
			if out != "" {
				out += ", "
			}
			out += fmt.Sprintf("%d %s", n, a)
		}
	}
	if out == "" {
		out = "nothing"
	}
	return out
}
