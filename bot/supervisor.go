package bot

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hazyhaar/ircfeedbot/irc"
	"github.com/hazyhaar/ircfeedbot/search"
	"github.com/hazyhaar/ircfeedbot/stats"
)

// Nick regain is rate limited so a nickserv fight cannot loop forever:
// past regainAttemptsMax attempts inside regainWindow the bot exits
// instead of retrying.
const (
	regainAttemptsMax = 3
	regainWindow      = 30 * time.Second
)

// registerHandlers installs the protocol supervision: join latching,
// channel activity tracking, topic caching, identity tracking, nick
// regain, and the admin/search command surface. Handlers run on the
// client's event loop and never block.
func (b *Bot) registerHandlers() {
	b.client.OnConnect(b.handleConnect)
	b.on("JOIN", b.handleJoin)
	b.on("PRIVMSG", b.handlePrivmsg)
	b.on("NOTICE", b.handleNotice)
	b.on("TOPIC", b.handleTopic)
	b.on("332", b.handleTopicReply)
	b.on("MODE", b.handleMode)
	b.on("NICK", b.handleNick)
	b.on("900", b.handleLoggedIn)
	b.on("433", b.handleNickInUse)
}

// on registers a handler with inbound protocol logging in front.
func (b *Bot) on(cmd string, h irc.Handler) {
	b.client.OnEvent(cmd, func(e irc.Event) {
		b.logLine(stats.DirIn, rawish(e))
		h(e)
	})
}

// rawish reconstructs an approximate wire line from an event, for the
// protocol log.
func rawish(e irc.Event) string {
	var sb strings.Builder
	if e.Source != "" {
		sb.WriteString(":")
		sb.WriteString(e.Source)
		sb.WriteString(" ")
	}
	sb.WriteString(e.Command)
	for i, p := range e.Params {
		if i == len(e.Params)-1 {
			sb.WriteString(" :")
		} else {
			sb.WriteString(" ")
		}
		sb.WriteString(p)
	}
	return sb.String()
}

func (b *Bot) handleConnect(irc.Event) {
	slog.Info("bot: connected", "nick", b.client.CurrentNick())
	if b.cfg.Mode != "" {
		if err := b.client.Quote("MODE", b.client.CurrentNick(), b.cfg.Mode); err != nil {
			slog.Warn("bot: mode send failed", "error", err)
		}
	}
	for _, scope := range b.cfg.Scopes() {
		if err := b.client.Join(scope); err != nil {
			slog.Warn("bot: join failed", "channel", scope, "error", err)
		}
	}
	if m := b.cfg.Mirror; m != "" {
		if _, configured := b.cfg.Feeds[m]; !configured {
			if err := b.client.Join(m); err != nil {
				slog.Warn("bot: join failed", "channel", m, "error", err)
			}
		}
	}
}

// handleJoin opens the channel's latch on the bot's own join and seeds
// the channel's activity clock, so idle waits start from the join
// rather than from zero.
func (b *Bot) handleJoin(e irc.Event) {
	channel := e.Param(0)
	if !strings.EqualFold(e.Nick(), b.client.CurrentNick()) {
		return
	}
	l, ok := b.joined[channel]
	if !ok {
		return
	}
	slog.Info("bot: joined channel", "channel", channel)
	b.touchInbound(channel)
	l.signal()
}

func (b *Bot) handlePrivmsg(e irc.Event) {
	target, text := e.Param(0), e.Param(1)
	sender := e.Nick()
	self := b.client.CurrentNick()
	if strings.EqualFold(sender, self) {
		return
	}

	directed := false
	body := text
	if b.isScope(target) {
		b.touchInbound(target)
		if rest, ok := directedAt(text, self); ok {
			directed, body = true, rest
		}
	}
	private := strings.EqualFold(target, self)
	if !private && !directed {
		return
	}

	replyTo := target
	if private {
		replyTo = sender
	}
	b.dispatchCommand(e.Source, replyTo, body)
}

// directedAt reports whether a channel message addresses nick with the
// conventional "nick: ..." prefix and returns the remainder.
func directedAt(text, nick string) (string, bool) {
	prefix := strings.ToLower(nick) + ":"
	if !strings.HasPrefix(strings.ToLower(text), prefix) {
		return "", false
	}
	return strings.TrimSpace(text[len(prefix):]), true
}

// dispatchCommand runs one command from a private or directed message.
// Lifecycle commands require the sender to match the admin glob;
// search is open to everyone.
func (b *Bot) dispatchCommand(source, replyTo, body string) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return
	}
	command := strings.ToLower(fields[0])
	admin := b.cfg.IsAdmin(source)

	switch command {
	case "exit", "quit":
		if !admin {
			slog.Warn("bot: exit refused", "sender", source)
			return
		}
		slog.Warn("bot: exit requested", "sender", source)
		b.requestExit(0)
	case "fail":
		if !admin {
			slog.Warn("bot: fail refused", "sender", source)
			return
		}
		slog.Warn("bot: failure exit requested", "sender", source)
		b.requestExit(1)
	case "search":
		b.submitSearch(strings.Join(fields[1:], " "), replyTo)
	default:
		if admin {
			// Replies share the throttled send path, so off the event
			// loop.
			go b.Say(replyTo, "Usage: exit | fail | search <query>")
		}
	}
}

func (b *Bot) submitSearch(query, replyTo string) {
	if b.searcher == nil {
		slog.Debug("bot: search requested but not configured")
		return
	}
	for _, prefix := range []string{"github:", "gh:"} {
		if rest, ok := strings.CutPrefix(query, prefix); ok {
			query = strings.TrimSpace(rest)
			break
		}
	}
	if !b.searcher.Submit(search.Query{Text: query, ReplyTo: replyTo}) {
		slog.Warn("bot: search dropped, queue full", "query", query)
		return
	}
	b.count(stats.CounterSearches, 1)
}

// handleNotice tracks channel activity; nickserv failure notices feed
// the regain limiter.
func (b *Bot) handleNotice(e irc.Event) {
	target := e.Param(0)
	if b.isScope(target) {
		b.touchInbound(target)
		return
	}
	if !strings.EqualFold(e.Nick(), "NickServ") {
		return
	}
	text := e.Param(1)
	slog.Info("bot: nickserv notice", "text", text)
	if strings.Contains(strings.ToLower(text), "denied") {
		b.regainNick()
	}
}

func (b *Bot) handleTopic(e irc.Event) {
	channel, topic := e.Param(0), e.Param(1)
	if b.topicOf(channel) == topic {
		return
	}
	b.setTopic(channel, topic)
	slog.Info("bot: topic changed", "channel", channel, "topic", topic)
}

// handleTopicReply caches the topic the server reports on join, the
// baseline for topic-rule updates.
func (b *Bot) handleTopicReply(e irc.Event) {
	channel, topic := e.Param(1), e.Param(2)
	b.setTopic(channel, topic)
	slog.Debug("bot: cached topic", "channel", channel)
}

// handleLoggedIn records the full identity the network reports and
// starts a regain when services logged us in under the wrong nick.
func (b *Bot) handleLoggedIn(e irc.Event) {
	identity := e.Param(1)
	if identity == "" {
		return
	}
	b.setIdentity(identity)
	slog.Info("bot: logged in", "identity", identity)
	nick, _, _ := irc.ParsePrefix(identity)
	if !strings.EqualFold(nick, b.cfg.Nick) {
		b.alert(fmt.Sprintf("The client nick was configured to be %s but it is %s. The configured nick will be regained.", b.cfg.Nick, nick))
		b.regainNick()
	}
}

// handleMode picks up the host cloak: a +x usermode echo carries the
// cloaked host in its source, which becomes the identity used for
// message length budgeting.
func (b *Bot) handleMode(e irc.Event) {
	if !strings.EqualFold(e.Param(0), b.client.CurrentNick()) {
		return
	}
	nick, user, host := irc.ParsePrefix(e.Source)
	if user == "" || host == "" || nick == host {
		return
	}
	if !modeAdds(e.Param(1), 'x') {
		return
	}
	identity := fmt.Sprintf("%s!%s@%s", nick, user, host)
	if identity == b.Identity() {
		return
	}
	b.setIdentity(identity)
	slog.Info("bot: host cloak applied", "identity", identity)
}

// modeAdds reports whether a mode string like "+ix-w" adds flag.
func modeAdds(modes string, flag byte) bool {
	adding := true
	for i := 0; i < len(modes); i++ {
		switch modes[i] {
		case '+':
			adding = true
		case '-':
			adding = false
		case flag:
			if adding {
				return true
			}
		}
	}
	return false
}

// handleNick rewrites the tracked identity when the bot's own nick
// changes, typically after a successful regain.
func (b *Bot) handleNick(e irc.Event) {
	oldNick, _, _ := irc.ParsePrefix(e.Source)
	newNick := e.Param(0)
	if newNick == "" || !strings.EqualFold(oldNick, b.nick()) {
		return
	}
	identity := strings.Replace(b.Identity(), oldNick, newNick, 1)
	b.setIdentity(identity)
	b.alert(fmt.Sprintf("The updated client identity as <nick>!<user>@<host> is inferred to be %s.", identity))
}

func (b *Bot) handleNickInUse(e irc.Event) {
	slog.Warn("bot: nick in use", "nick", e.Param(1))
	b.regainNick()
}

// regainNick asks services for the configured nick back, at most
// regainAttemptsMax times per regainWindow. Exhausting the budget is
// fatal: the network will not hand the nick over and retrying forever
// just spams services.
func (b *Bot) regainNick() {
	b.mu.Lock()
	now := time.Now()
	recent := b.regainTimes[:0]
	for _, t := range b.regainTimes {
		if now.Sub(t) < regainWindow {
			recent = append(recent, t)
		}
	}
	b.regainTimes = recent
	if len(b.regainTimes) >= regainAttemptsMax {
		b.mu.Unlock()
		b.alert(fmt.Sprintf("Giving up on regaining the nick %s after %d attempts within %s.", b.cfg.Nick, regainAttemptsMax, regainWindow))
		b.requestExit(1)
		return
	}
	b.regainTimes = append(b.regainTimes, now)
	attempt := len(b.regainTimes)
	b.mu.Unlock()

	slog.Warn("bot: regaining nick", "nick", b.cfg.Nick, "attempt", attempt)
	if err := b.client.Msg("NickServ", fmt.Sprintf("REGAIN %s %s", b.cfg.Nick, os.Getenv("IRC_PASSWORD"))); err != nil {
		slog.Error("bot: regain send failed", "error", err)
	}
}
