// CLAUDE:SUMMARY Chat client boundary: the Client interface the bot fabric drives, plus event and prefix plumbing shared with tests.
// CLAUDE:EXPORTS Client, Event, Handler, ParsePrefix
package irc

import (
	"github.com/ergochat/irc-go/ircmsg"
)

// Client is the IRC surface the bot depends on. The production
// implementation is Conn; fabric tests substitute a fake.
type Client interface {
	// Connect dials the server and performs registration (and SASL if
	// configured). It does not block on the event loop.
	Connect() error
	// Loop runs the event loop until Quit, reconnecting on errors.
	Loop()
	// Quit sends QUIT and makes Loop return.
	Quit()
	// Connected reports whether the connection is currently up.
	Connected() bool
	// CurrentNick is the nick the server knows us by right now.
	CurrentNick() string

	Join(channel string) error
	// Msg sends a PRIVMSG.
	Msg(target, text string) error
	// Quote sends a raw command with parameters.
	Quote(cmd string, params ...string) error

	// OnEvent registers a handler for a command or numeric ("PRIVMSG",
	// "332"). Handlers run on the event loop and must not block.
	OnEvent(cmd string, h Handler)
	// OnConnect registers a handler invoked after registration
	// completes, including after reconnects.
	OnConnect(h Handler)
}

// Event is one inbound protocol message.
type Event struct {
	Source  string
	Command string
	Params  []string
}

// Handler consumes one inbound event.
type Handler func(Event)

// Nick is the sender's nick, or the server name for server-sourced
// events.
func (e Event) Nick() string {
	nick, _, _ := ParsePrefix(e.Source)
	return nick
}

// Param returns the i-th parameter or "" when absent.
func (e Event) Param(i int) string {
	if i < 0 || i >= len(e.Params) {
		return ""
	}
	return e.Params[i]
}

// ParsePrefix splits a message source of the form nick!user@host.
// Sources without the full form (server names, bare nicks) come back
// as just the nick.
func ParsePrefix(source string) (nick, user, host string) {
	nuh, err := ircmsg.ParseNUH(source)
	if err != nil {
		return source, "", ""
	}
	return nuh.Name, nuh.User, nuh.Host
}
