package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/ircfeedbot/feed"
	"github.com/hazyhaar/ircfeedbot/publish"
	"github.com/hazyhaar/ircfeedbot/stats"
)

// runPoster announces queued bundles for one channel, one bundle at a
// time. Bundles with nothing postable are only recorded; the rest wait
// for the channel's idle requirement, survive disconnects, and are
// posted entry by entry under the global throttle.
func (b *Bot) runPoster(ctx context.Context, scope string) {
	defer b.wg.Done()
	if err := b.waitJoins(ctx, scope); err != nil {
		return
	}
	if m := b.cfg.Mirror; m != "" && m != scope {
		if err := b.joined[m].wait(ctx); err != nil {
			return
		}
	}
	slog.Debug("bot: channel poster started", "channel", scope)

	q := b.queues[scope]
	for b.active.Load() {
		select {
		case <-ctx.Done():
			return
		case fd := <-q:
			if err := b.postBundle(ctx, scope, fd); err != nil {
				if ctx.Err() != nil {
					return
				}
				b.alert(fmt.Sprintf("Error processing %s: %v", fd, err))
			}
		}
	}
}

// postBundle runs one bundle through announcement. Ordering matters:
// dedup records are written only after every message of the bundle
// went out, so an interrupted bundle is re-announced next cycle rather
// than silently lost.
func (b *Bot) postBundle(ctx context.Context, scope string, fd *feed.Feed) error {
	postable, err := fd.Postable(ctx, b.store, b.shortener)
	if err != nil {
		return err
	}
	if !postable {
		slog.Debug("bot: nothing postable", "feed", fd.String())
		return fd.MarkPosted(ctx, b.store)
	}

	if err := b.acquireOutgoing(ctx, scope, fd.Config.MinIdle()); err != nil {
		return err
	}
	defer b.outMu.Unlock()
	if err := b.awaitConnected(ctx, scope); err != nil {
		return err
	}
	lock := b.busy[scope]
	if err := lock.lock(ctx); err != nil {
		return err
	}
	defer lock.unlock()

	entries, err := fd.PostableEntries(ctx, b.store, b.shortener)
	if err != nil {
		return err
	}
	if err := b.postEntries(ctx, scope, fd, entries); err != nil {
		return err
	}
	if err := fd.MarkPosted(ctx, b.store); err != nil {
		return err
	}
	b.publishEntries(ctx, scope, entries)
	b.mirrorEntries(ctx, scope, entries)
	return nil
}

// acquireOutgoing takes the outgoing lock once the channel has been
// quiet for minIdle. The lock is released while sleeping so other
// channels' posters are not starved by a busy one. minIdle zero means
// no quiet requirement. On success the caller holds outMu.
func (b *Bot) acquireOutgoing(ctx context.Context, scope string, minIdle time.Duration) error {
	for {
		b.outMu.Lock()
		if minIdle <= 0 {
			return nil
		}
		wait := minIdle - time.Since(b.lastInboundTime(scope))
		if wait <= 0 {
			return nil
		}
		b.outMu.Unlock()
		slog.Info("bot: waiting out channel activity", "channel", scope, "wait", wait.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// awaitConnected polls until the client reports a live connection.
// Bundles ride out netsplits here instead of being dropped.
func (b *Bot) awaitConnected(ctx context.Context, scope string) error {
	for !b.client.Connected() {
		slog.Warn("bot: disconnected, delaying bundle", "channel", scope)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.reconnectPoll):
		}
	}
	return nil
}

// postEntries announces each entry and applies any topic change it
// implies. Caller holds outMu.
func (b *Bot) postEntries(ctx context.Context, scope string, fd *feed.Feed, entries []*feed.Entry) error {
	slog.Info("bot: posting entries", "feed", fd.String(), "entries", len(entries))
	identity := b.Identity()
	for _, e := range entries {
		if err := b.sendMessage(ctx, scope, e.Message(identity)); err != nil {
			return err
		}
		if len(fd.Config.Topic) == 0 {
			continue
		}
		current := b.topicOf(scope)
		updated := e.Topic(current)
		if updated == current {
			continue
		}
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := b.client.Quote("TOPIC", scope, updated); err != nil {
			return fmt.Errorf("topic %s: %w", scope, err)
		}
		b.setTopic(scope, updated)
		b.count(stats.CounterTopicsSet, 1)
		b.logLine(stats.DirOut, "TOPIC "+scope+" :"+updated)
		slog.Info("bot: updated topic", "channel", scope, "topic", updated)
	}
	b.count(stats.CounterEntriesPosted, int64(len(entries)))
	return nil
}

// sendMessage sends one PRIVMSG under the throttle. Caller holds outMu.
func (b *Bot) sendMessage(ctx context.Context, target, text string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := b.client.Msg(target, text); err != nil {
		return fmt.Errorf("msg %s: %w", target, err)
	}
	b.count(stats.CounterMessagesSent, 1)
	b.logLine(stats.DirOut, "PRIVMSG "+target+" :"+text)
	return nil
}

// publishEntries hands the announced entries to every publisher.
// Publishers queue failed batches internally, so a failure here is
// logged without failing the bundle.
func (b *Bot) publishEntries(ctx context.Context, scope string, entries []*feed.Entry) {
	if len(b.pubs) == 0 || len(entries) == 0 {
		return
	}
	records := publishRecords(entries, time.Now().UTC())
	for _, p := range b.pubs {
		if err := p.Publish(ctx, scope, records); err != nil {
			slog.Warn("bot: publish failed, batch queued", "publisher", p.Name(), "channel", scope, "error", err)
		}
	}
}

func publishRecords(entries []*feed.Entry, now time.Time) []publish.Record {
	records := make([]publish.Record, 0, len(entries))
	for _, e := range entries {
		records = append(records, publish.Record{
			Time:     now,
			Feed:     e.Feed.Name,
			Title:    e.Title,
			LongURL:  e.LongURL,
			ShortURL: e.ShortURL,
		})
	}
	return records
}

// mirrorEntries copies the announced entries to the mirror channel.
// Mirroring is best effort and never fails the bundle, which is
// already marked posted. Caller holds outMu.
func (b *Bot) mirrorEntries(ctx context.Context, scope string, entries []*feed.Entry) {
	m := b.cfg.Mirror
	if m == "" || m == scope {
		return
	}
	identity := b.Identity()
	for _, e := range entries {
		if err := b.sendMessage(ctx, m, e.Message(identity)); err != nil {
			slog.Warn("bot: mirror send failed", "channel", m, "error", err)
			return
		}
	}
}
