package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/ircfeedbot/config"
	"github.com/hazyhaar/ircfeedbot/feed"
)

// checkSampleMax caps the rendered sample lines in a CheckFeed result.
const checkSampleMax = 5

// ChannelState is a point-in-time snapshot of one channel for the ops
// surfaces. Queued counts bundles waiting for the channel's poster.
type ChannelState struct {
	Scope        string    `json:"scope"`
	Joined       bool      `json:"joined"`
	Topic        string    `json:"topic,omitempty"`
	LastActivity time.Time `json:"last_activity,omitzero"`
	Queued       int       `json:"queued"`
}

// FeedState pairs a feed's configuration with what its reader last
// reported.
type FeedState struct {
	Scope       string    `json:"scope"`
	Name        string    `json:"name"`
	URLs        []string  `json:"urls"`
	Parser      string    `json:"parser"`
	Period      string    `json:"period"`
	Group       string    `json:"group,omitempty"`
	Shorten     bool      `json:"shorten"`
	LastReadAt  time.Time `json:"last_read_at,omitzero"`
	LastEntries int       `json:"last_entries"`
	Failures    int       `json:"failures"`
}

// CheckResult reports a one-shot feed probe: what a read returns right
// now, and how much of it the dedup store considers new. Nothing is
// posted or recorded.
type CheckResult struct {
	Feed     string   `json:"feed"`
	Scope    string   `json:"scope"`
	Entries  int      `json:"entries"`
	Unposted int      `json:"unposted"`
	Sample   []string `json:"sample,omitempty"`
	Stats    string   `json:"stats,omitempty"`
}

// ChannelStates snapshots every channel the bot occupies. The alerts
// channel is always a scope; the mirror is appended when it is not.
func (b *Bot) ChannelStates() []ChannelState {
	scopes := b.cfg.Scopes()
	if m := b.cfg.Mirror; m != "" {
		if _, configured := b.cfg.Feeds[m]; !configured {
			scopes = append(scopes, m)
		}
	}

	states := make([]ChannelState, 0, len(scopes))
	for _, scope := range scopes {
		st := ChannelState{Scope: scope}
		if l, ok := b.joined[scope]; ok {
			st.Joined = l.signaled()
		}
		st.Topic = b.topicOf(scope)
		st.LastActivity = b.lastInboundTime(scope)
		if q, ok := b.queues[scope]; ok {
			st.Queued = len(q)
		}
		states = append(states, st)
	}
	return states
}

// FeedStates snapshots every configured feed in scope-then-name order.
func (b *Bot) FeedStates() []FeedState {
	feeds := b.cfg.AllFeeds()
	states := make([]FeedState, 0, len(feeds))
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range feeds {
		st := FeedState{
			Scope:   f.Scope,
			Name:    f.Name,
			URLs:    f.URLs,
			Parser:  string(f.Parser),
			Period:  f.Period().String(),
			Group:   f.Group,
			Shorten: f.Shorten,
		}
		if rs, ok := b.readState[f.String()]; ok {
			st.LastReadAt = rs.lastReadAt
			st.LastEntries = rs.lastEntries
			st.Failures = rs.failures
		}
		states = append(states, st)
	}
	return states
}

// CheckFeed reads one configured feed immediately and reports what a
// posting cycle would see, without posting, recording dedup state, or
// alerting. An empty scope matches the first feed with the name.
func (b *Bot) CheckFeed(ctx context.Context, scope, name string) (*CheckResult, error) {
	var f *config.Feed
	for _, candidate := range b.cfg.AllFeeds() {
		if candidate.Name != name {
			continue
		}
		if scope != "" && candidate.Scope != scope {
			continue
		}
		f = candidate
		break
	}
	if f == nil {
		if scope != "" {
			return nil, fmt.Errorf("bot: no feed %q in %s", name, scope)
		}
		return nil, fmt.Errorf("bot: no feed named %q", name)
	}

	reader := feed.NewReader(f, b.fetcher, func(string) {})
	fd, err := reader.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("bot: check %s: %w", f, err)
	}
	unposted, err := fd.UnpostedEntries(ctx, b.store)
	if err != nil {
		return nil, fmt.Errorf("bot: check %s: %w", f, err)
	}

	res := &CheckResult{
		Feed:     f.Name,
		Scope:    f.Scope,
		Entries:  len(fd.Entries),
		Unposted: len(unposted),
		Stats:    fd.Stats.String(),
	}
	identity := b.Identity()
	for i, e := range unposted {
		if i == checkSampleMax {
			break
		}
		res.Sample = append(res.Sample, e.Message(identity))
	}
	return res, nil
}

func (b *Bot) noteFeedRead(f *config.Feed, entries int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readState[f.String()] = feedStatus{
		lastReadAt:  time.Now(),
		lastEntries: entries,
	}
}

func (b *Bot) noteFeedFailed(f *config.Feed) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.readState[f.String()]
	st.failures++
	b.readState[f.String()] = st
}
