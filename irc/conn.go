package irc

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"

	"github.com/hazyhaar/ircfeedbot/config"
)

// Conn is the production Client on ergochat's ircevent. The connection
// always uses TLS (the config only carries an ssl_port); SASL engages
// when IRC_PASSWORD is set.
type Conn struct {
	c *ircevent.Connection
}

// New builds a connection from the instance config. IRC_PASSWORD is
// read from the environment so the secret stays out of the config file.
func New(cfg *config.Instance) *Conn {
	c := &ircevent.Connection{
		Server:   fmt.Sprintf("%s:%d", cfg.Host, cfg.SSLPort),
		Nick:     cfg.Nick,
		User:     cfg.Nick,
		RealName: cfg.Nick,
		UseTLS:   true,
		TLSConfig: &tls.Config{
			InsecureSkipVerify: !cfg.SSLVerify,
		},
		QuitMessage:   "shutting down",
		Timeout:       1 * time.Minute,
		KeepAlive:     4 * time.Minute,
		ReconnectFreq: 30 * time.Second,
		Debug:         cfg.LogIRC,
		Log:           slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug),
	}
	if password := os.Getenv("IRC_PASSWORD"); password != "" {
		c.UseSASL = true
		c.SASLLogin = cfg.Nick
		c.SASLPassword = password
	}
	return &Conn{c: c}
}

func (cn *Conn) Connect() error {
	if err := cn.c.Connect(); err != nil {
		return fmt.Errorf("irc: connect %s: %w", cn.c.Server, err)
	}
	return nil
}

func (cn *Conn) Loop() { cn.c.Loop() }

func (cn *Conn) Quit() { cn.c.Quit() }

func (cn *Conn) Connected() bool { return cn.c.Connected() }

func (cn *Conn) CurrentNick() string { return cn.c.CurrentNick() }

func (cn *Conn) Join(channel string) error { return cn.c.Join(channel) }

func (cn *Conn) Msg(target, text string) error { return cn.c.Privmsg(target, text) }

func (cn *Conn) Quote(cmd string, params ...string) error { return cn.c.Send(cmd, params...) }

func (cn *Conn) OnEvent(cmd string, h Handler) {
	cn.c.AddCallback(cmd, func(m ircmsg.Message) { h(eventFrom(m)) })
}

func (cn *Conn) OnConnect(h Handler) {
	cn.c.AddConnectCallback(func(m ircmsg.Message) { h(eventFrom(m)) })
}

func eventFrom(m ircmsg.Message) Event {
	return Event{Source: m.Source, Command: m.Command, Params: m.Params}
}
