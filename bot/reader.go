package bot

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hazyhaar/ircfeedbot/config"
	"github.com/hazyhaar/ircfeedbot/feed"
	"github.com/hazyhaar/ircfeedbot/stats"
)

// runReader polls one feed forever on a jittered period and enqueues
// each read's bundle for the channel's poster. Consecutive failures
// are alerted once they cross the threshold, then re-alerted no more
// often than the feed's repeat-alert interval.
func (b *Bot) runReader(ctx context.Context, f *config.Feed) {
	defer b.wg.Done()
	reader := feed.NewReader(f, b.fetcher, b.alert)

	// Aim the first read at about half a period out, so a restart
	// neither hammers every feed at once nor goes a full period dark.
	queryTime := time.Now().Add(-f.Period() / 2)

	if err := b.waitJoins(ctx, f.Scope); err != nil {
		return
	}
	slog.Debug("bot: feed reader started", "feed", f.String())

	failures := 0
	var lastFailureAlert time.Time
	for b.active.Load() {
		queryTime = nextQueryTime(queryTime, drawPeriod(f))
		if wait := time.Until(queryTime); wait > 0 {
			slog.Debug("bot: waiting to read feed", "feed", f.String(), "wait", wait.Round(time.Second))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		fd, err := reader.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			b.count(stats.CounterReadFailures, 1)
			b.noteFeedFailed(f)
			b.noteReadFailure(f, failures, &lastFailureAlert, err)
			continue
		}
		b.count(stats.CounterFeedsRead, 1)
		b.count(stats.CounterEntriesListed, int64(len(fd.Entries)))
		b.noteFeedRead(f, len(fd.Entries))
		for approach, n := range fd.Stats.Approaches {
			b.count(stats.CounterFetchPrefix+approach.String(), int64(n))
		}

		if f.Group != "" {
			slog.Debug("bot: waiting on group barrier", "feed", f.String(), "group", f.Group)
			if err := b.barriers[f.Group].Await(ctx); err != nil {
				return
			}
		}

		if !b.enqueue(ctx, fd) {
			return
		}
		failures = 0

		if b.cfg.Once {
			slog.Warn("bot: discontinuing reader", "feed", f.String())
			b.readerDone(ctx)
			return
		}
	}
}

// nextQueryTime schedules the next read one period after the previous
// target, but never in the past, so a slow cycle does not cause a
// catch-up burst.
func nextQueryTime(prev time.Time, period time.Duration) time.Time {
	next := prev.Add(period)
	if now := time.Now(); next.Before(now) {
		return now
	}
	return next
}

// drawPeriod picks this cycle's period uniformly within the feed's
// jitter bounds, de-synchronizing feeds that share a period.
func drawPeriod(f *config.Feed) time.Duration {
	lo, hi := f.PeriodMin(), f.PeriodMax()
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Float64()*float64(hi-lo))
}

// enqueue hands the bundle to the channel's poster, alerting when the
// queue is full before falling back to a blocking put. It reports
// false only when ctx ended while blocked.
func (b *Bot) enqueue(ctx context.Context, fd *feed.Feed) bool {
	q := b.queues[fd.Config.Scope]
	select {
	case q <- fd:
		slog.Debug("bot: queued bundle", "feed", fd.String())
		return true
	default:
	}
	b.alert(fmt.Sprintf("The %s cannot currently be queued for being posted to %s, perhaps because the channel has been too active. The queue for this channel is full. The feed will be put in the queue in blocking mode.", fd, fd.Config.Scope))
	select {
	case q <- fd:
		return true
	case <-ctx.Done():
		return false
	}
}

// noteReadFailure alerts a failing feed once failures reach the
// threshold, at most once per repeat-alert interval, and logs
// otherwise.
func (b *Bot) noteReadFailure(f *config.Feed, failures int, lastAlert *time.Time, err error) {
	msg := "Failed"
	if failures > 1 {
		msg += fmt.Sprintf(" %d consecutive times", failures)
	}
	msg += fmt.Sprintf(" while reading or processing %s: %v", f, err)

	alertable := f.AlertRead &&
		failures >= config.MinConsecutiveFeedFailuresForAlert &&
		time.Since(*lastAlert) >= f.RepeatAlertInterval()
	if !alertable {
		slog.Error("bot: feed read failed", "feed", f.String(), "failures", failures, "error", err)
		return
	}
	b.alert(msg)
	b.alert("Either check the feed configuration, or wait for its next successful read, or set `alerts.read: false` for it.")
	*lastAlert = time.Now()
}
