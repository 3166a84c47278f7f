// CLAUDE:SUMMARY Bot fabric: one reader goroutine per feed and one poster per channel, joined by per-channel queues, busy locks, join latches, group barriers, and a global outgoing throttle; Run blocks until an exit is requested and then drains gracefully.
// CLAUDE:EXPORTS Bot, Option, WithShortener, WithPublishers, WithSearcher, WithStats, New
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marusama/cyclicbarrier"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/ircfeedbot/config"
	"github.com/hazyhaar/ircfeedbot/dedup"
	"github.com/hazyhaar/ircfeedbot/feed"
	"github.com/hazyhaar/ircfeedbot/irc"
	"github.com/hazyhaar/ircfeedbot/publish"
	"github.com/hazyhaar/ircfeedbot/search"
	"github.com/hazyhaar/ircfeedbot/stats"
)

// Bot wires the configured feeds to IRC. Readers poll feeds on jittered
// periods and enqueue bundles per channel; posters dequeue, honor the
// channel idle requirement and the global message throttle, announce,
// record dedup state, and hand posted entries to publishers.
type Bot struct {
	cfg       *config.Instance
	client    irc.Client
	store     *dedup.Store
	fetcher   feed.Fetcher
	shortener feed.Shortener
	pubs      []publish.Publisher
	searcher  *search.Searcher
	rec       *stats.Recorder

	joined   map[string]*latch
	queues   map[string]chan *feed.Feed
	busy     map[string]*busyLock
	barriers map[string]cyclicbarrier.CyclicBarrier

	// outMu serializes access to the outgoing message path; limiter
	// paces messages sent while it is held. A poster keeps outMu for
	// its whole bundle so entries are never interleaved across feeds.
	outMu   sync.Mutex
	limiter *rate.Limiter

	reconnectPoll time.Duration

	active      atomic.Bool
	exitCode    chan int
	readersLeft atomic.Int64
	wg          sync.WaitGroup

	mu          sync.Mutex
	identity    string
	lastInbound map[string]time.Time
	topics      map[string]string
	regainTimes []time.Time
	readState   map[string]feedStatus
}

// feedStatus is what a reader last reported about its feed.
type feedStatus struct {
	lastReadAt  time.Time
	lastEntries int
	failures    int
}

// Option configures optional collaborators on a Bot.
type Option func(*Bot)

// WithShortener enables URL shortening for feeds that request it.
func WithShortener(s feed.Shortener) Option {
	return func(b *Bot) { b.shortener = s }
}

// WithPublishers registers archival publishers receiving every posted
// entry.
func WithPublishers(ps ...publish.Publisher) Option {
	return func(b *Bot) { b.pubs = append(b.pubs, ps...) }
}

// WithSearcher enables the search command over the published archive.
func WithSearcher(s *search.Searcher) Option {
	return func(b *Bot) { b.searcher = s }
}

// WithStats sends counters and protocol lines to a recorder.
func WithStats(r *stats.Recorder) Option {
	return func(b *Bot) { b.rec = r }
}

// New builds a Bot around its collaborators. Run starts it.
func New(cfg *config.Instance, client irc.Client, store *dedup.Store, fetcher feed.Fetcher, opts ...Option) *Bot {
	b := &Bot{
		cfg:           cfg,
		client:        client,
		store:         store,
		fetcher:       fetcher,
		limiter:       rate.NewLimiter(rate.Every(config.SecondsPerMessage), 1),
		reconnectPoll: 5 * time.Second,
		exitCode:      make(chan int, 1),
		joined:        map[string]*latch{},
		queues:        map[string]chan *feed.Feed{},
		busy:          map[string]*busyLock{},
		barriers:      map[string]cyclicbarrier.CyclicBarrier{},
		lastInbound:   map[string]time.Time{},
		topics:        map[string]string{},
		readState:     map[string]feedStatus{},
		identity:      cfg.Nick,
	}
	for _, opt := range opts {
		opt(b)
	}

	for _, scope := range cfg.Scopes() {
		b.joined[scope] = newLatch()
		b.busy[scope] = newBusyLock()
		// Twice the feed count lets every feed of the channel hold two
		// pending bundles before its reader blocks on enqueue.
		b.queues[scope] = make(chan *feed.Feed, 2*len(cfg.Feeds[scope]))
	}
	if cfg.Mirror != "" {
		if _, ok := b.joined[cfg.Mirror]; !ok {
			b.joined[cfg.Mirror] = newLatch()
		}
	}
	parties := map[string]int{}
	for _, f := range cfg.AllFeeds() {
		if f.Group != "" {
			parties[f.Group]++
		}
	}
	for group, n := range parties {
		b.barriers[group] = cyclicbarrier.New(n)
	}
	return b
}

// Run connects, starts the fabric, and blocks until an exit is
// requested by an admin command, a fatal condition, or ctx
// cancellation. It returns the process exit code after draining
// in-flight bundles and publishers and disconnecting.
func (b *Bot) Run(ctx context.Context) (int, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.active.Store(true)
	b.registerHandlers()
	if err := b.client.Connect(); err != nil {
		return 1, fmt.Errorf("bot: connect: %w", err)
	}
	go b.client.Loop()

	scopes := b.cfg.Scopes()
	for _, scope := range scopes {
		b.wg.Add(1)
		go b.runPoster(runCtx, scope)
	}
	feeds := b.cfg.AllFeeds()
	b.readersLeft.Store(int64(len(feeds)))
	for _, f := range feeds {
		b.wg.Add(1)
		go b.runReader(runCtx, f)
	}
	if b.searcher != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.searcher.Run(runCtx)
		}()
	}
	slog.Info("bot: started", "channels", len(scopes), "feeds", len(feeds))

	var code int
	select {
	case code = <-b.exitCode:
	case <-ctx.Done():
		slog.Info("bot: shutdown signal received")
		code = 0
	}
	code = b.shutdown(code)
	cancel()
	b.wg.Wait()
	return code, nil
}

// shutdown performs the graceful exit sequence: stop the fabric,
// wait out in-flight bundles, flush publishers, and disconnect.
func (b *Bot) shutdown(code int) int {
	slog.Info("bot: initiating graceful exit", "code", code)
	b.active.Store(false)
	for _, scope := range b.cfg.Scopes() {
		lock := b.busy[scope]
		if lock.tryLock() {
			continue
		}
		b.alertInfo(fmt.Sprintf("Draining %s.", scope))
		lock.lockBlocking()
		b.alertInfo(fmt.Sprintf("Drained %s.", scope))
	}
	for _, p := range b.pubs {
		b.alertInfo(fmt.Sprintf("Draining the %s publisher. If the publisher is not operational, this will retry until it is operational.", p.Name()))
		if err := p.Drain(context.Background()); err != nil {
			slog.Error("bot: publisher drain failed", "publisher", p.Name(), "error", err)
			continue
		}
		b.alertInfo(fmt.Sprintf("Drained the %s publisher.", p.Name()))
	}
	b.client.Quit()
	slog.Info("bot: exiting", "code", code)
	return code
}

// requestExit asks Run to begin the graceful exit with the given code.
// The first request wins.
func (b *Bot) requestExit(code int) {
	select {
	case b.exitCode <- code:
	default:
	}
}

// readerDone accounts for a reader finishing its only cycle in once
// mode; after the last one, a clean exit is requested once the queues
// have drained.
func (b *Bot) readerDone(ctx context.Context) {
	if b.readersLeft.Add(-1) != 0 {
		return
	}
	slog.Info("bot: all feeds read once")
	go b.exitWhenDrained(ctx)
}

// exitWhenDrained requests the once-mode exit after every queued
// bundle has been picked up. The extra beat after the queues empty
// lets the last poster reach its busy lock, which the shutdown sweep
// then waits out.
func (b *Bot) exitWhenDrained(ctx context.Context) {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		drained := b.queuedBundles() == 0
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		if drained {
			b.requestExit(0)
			return
		}
	}
}

func (b *Bot) queuedBundles() int {
	n := 0
	for _, q := range b.queues {
		n += len(q)
	}
	return n
}

// waitJoins blocks until the given channel and the alerts channel have
// both been joined, so nothing is sent into channels the server has
// not acknowledged yet.
func (b *Bot) waitJoins(ctx context.Context, scope string) error {
	if err := b.joined[scope].wait(ctx); err != nil {
		return err
	}
	return b.joined[b.cfg.AlertsChannel].wait(ctx)
}

// alert reports an operational problem to the alerts channel and the
// log.
func (b *Bot) alert(msg string) {
	slog.Error("bot: alert", "msg", msg)
	b.deliverAlert(msg)
}

// Alert is the alert hook for collaborators built before the bot, such
// as the fetcher and the archive retrier.
func (b *Bot) Alert(msg string) {
	b.alert(msg)
}

// alertInfo is an alert for expected lifecycle notices.
func (b *Bot) alertInfo(msg string) {
	slog.Info("bot: alert", "msg", msg)
	b.deliverAlert(msg)
}

func (b *Bot) deliverAlert(msg string) {
	if err := b.client.Msg(b.cfg.AlertsChannel, msg); err != nil {
		slog.Warn("bot: alert delivery failed", "error", err)
		return
	}
	b.count(stats.CounterAlertsSent, 1)
}

// Say posts one line to a target under the outgoing throttle. It is
// the reply path for search results.
func (b *Bot) Say(target, text string) {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	if err := b.limiter.Wait(context.Background()); err != nil {
		return
	}
	if err := b.client.Msg(target, text); err != nil {
		slog.Warn("bot: say failed", "target", target, "error", err)
		return
	}
	b.count(stats.CounterMessagesSent, 1)
	b.logLine(stats.DirOut, "PRIVMSG "+target+" :"+text)
}

func (b *Bot) count(name string, n int64) {
	if b.rec != nil {
		b.rec.Count(name, n)
	}
}

func (b *Bot) logLine(dir stats.Direction, line string) {
	if b.rec != nil && b.cfg.LogIRC {
		b.rec.LogLine(dir, line)
	}
}

// Identity is the bot's nick!user@host as currently known; bare nick
// until the network reveals the full form.
func (b *Bot) Identity() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identity
}

func (b *Bot) setIdentity(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.identity = identity
}

// nick is the current nick per the tracked identity.
func (b *Bot) nick() string {
	n, _, _ := irc.ParsePrefix(b.Identity())
	return n
}

func (b *Bot) lastInboundTime(scope string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastInbound[scope]
}

func (b *Bot) touchInbound(scope string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastInbound[scope] = time.Now()
}

func (b *Bot) topicOf(scope string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topics[scope]
}

func (b *Bot) setTopic(scope, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics[scope] = topic
}

// isScope reports whether target is a channel the bot operates in.
func (b *Bot) isScope(target string) bool {
	_, ok := b.joined[target]
	return ok
}
