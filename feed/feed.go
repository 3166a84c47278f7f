package feed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/ircfeedbot/config"
	"github.com/hazyhaar/ircfeedbot/dedup"
)

// Feed is the outcome of one read cycle, handed to a channel poster.
// The unposted and postable subsets are computed lazily and memoized;
// a Feed is owned by a single poster goroutine after enqueue.
type Feed struct {
	Config  *config.Feed
	Entries []*Entry
	Stats   ReadStats

	unposted   []*Entry
	unpostedOK bool
	postable   []*Entry
	postableOK bool
}

func (fd *Feed) String() string {
	return fd.Config.String()
}

// UnpostedEntries is the ordered subset of Entries whose long URLs are
// absent from the dedup store, under the feed's dedup scope.
func (fd *Feed) UnpostedEntries(ctx context.Context, store *dedup.Store) ([]*Entry, error) {
	if fd.unpostedOK {
		return fd.unposted, nil
	}
	urls := longURLs(fd.Entries)

	var unpostedURLs []string
	var err error
	if fd.Config.Dedup == "feed" {
		unpostedURLs, err = store.UnpostedForFeed(ctx, fd.Config.Scope, fd.Config.Name, urls)
	} else {
		unpostedURLs, err = store.Unposted(ctx, fd.Config.Scope, urls)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fd, err)
	}

	set := make(map[string]struct{}, len(unpostedURLs))
	for _, u := range unpostedURLs {
		set[u] = struct{}{}
	}
	var unposted []*Entry
	for _, e := range fd.Entries {
		if _, ok := set[e.LongURL]; ok {
			unposted = append(unposted, e)
		}
	}
	fd.unposted, fd.unpostedOK = unposted, true
	return unposted, nil
}

// PostableEntries is the subset that will actually be announced: the
// unposted entries, capped when the feed has no dedup history, with
// short URLs filled in when shortening is on.
func (fd *Feed) PostableEntries(ctx context.Context, store *dedup.Store, shortener Shortener) ([]*Entry, error) {
	if fd.postableOK {
		return fd.postable, nil
	}
	unposted, err := fd.UnpostedEntries(ctx, store)
	if err != nil {
		return nil, err
	}

	postable := unposted
	isNew, err := store.IsNewFeed(ctx, fd.Config.Scope, fd.Config.Name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fd, err)
	}
	if isNew {
		if limit := fd.Config.MaxPostsIfNew(); limit >= 0 && len(postable) > limit {
			slog.Debug("feed: capping new feed", "feed", fd.String(), "unposted", len(postable), "limit", limit)
			postable = postable[:limit]
		}
	}

	if len(postable) > 0 && fd.Config.Shorten && shortener != nil {
		short, err := shortener.Shorten(ctx, longURLs(postable))
		if err != nil {
			slog.Warn("feed: url shortening failed, posting long urls", "feed", fd.String(), "error", err)
		} else if len(short) == len(postable) {
			for i, e := range postable {
				e.ShortURL = short[i]
			}
		}
	}

	fd.postable, fd.postableOK = postable, true
	return postable, nil
}

// Postable reports whether anything would be announced.
func (fd *Feed) Postable(ctx context.Context, store *dedup.Store, shortener Shortener) (bool, error) {
	postable, err := fd.PostableEntries(ctx, store, shortener)
	if err != nil {
		return false, err
	}
	return len(postable) > 0, nil
}

// MarkPosted records every currently-unposted URL of the bundle,
// including entries the new-feed cap suppressed, so the feed stops
// being new and re-appearances are pre-deduped.
func (fd *Feed) MarkPosted(ctx context.Context, store *dedup.Store) error {
	unposted, err := fd.UnpostedEntries(ctx, store)
	if err != nil {
		return err
	}
	if len(unposted) == 0 {
		return nil
	}
	if err := store.InsertPosted(ctx, fd.Config.Scope, fd.Config.Name, longURLs(unposted)); err != nil {
		return fmt.Errorf("%s: %w", fd, err)
	}
	return nil
}

func longURLs(entries []*Entry) []string {
	urls := make([]string, len(entries))
	for i, e := range entries {
		urls[i] = e.LongURL
	}
	return urls
}
