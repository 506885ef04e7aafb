// Package irc adapts a gopkg.in/irc.v4 session to the narrow
// event/action surface the downloader core drives.
//
// Inbound traffic is reduced to five events: server welcome, own
// channel joins, CTCP messages, private messages, and the end of the
// session (reported as Run's return value). Outbound traffic is the
// matching action set: Privmsg, Join, CTCPReply, and Quit. CTCP
// framing and the VERSION auto-reply live here so the core never sees
// raw protocol lines.
package irc

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
	ircv4 "gopkg.in/irc.v4"
)

// ctcpDelim frames CTCP payloads inside ordinary messages.
const ctcpDelim = "\x01"

// Handler receives inbound session events. All callbacks run on the
// client's single read goroutine, in arrival order.
type Handler interface {
	// OnWelcome fires once registration completes.
	OnWelcome()
	// OnJoined fires when this client's own nick joins a channel.
	// Joins of other participants are filtered out.
	OnJoined(channel string)
	// OnCTCP delivers a CTCP query. VERSION is answered by the
	// adapter and never reaches the handler.
	OnCTCP(source, command, args string)
	// OnPrivmsg delivers plain private messages and notices.
	OnPrivmsg(source, text string)
}

// Config configures the session adapter.
type Config struct {
	// Nick is the desired nickname. On a collision the adapter
	// retries with an underscore suffix.
	Nick string
	// UserAgent is the CTCP VERSION reply text.
	UserAgent string
	// Proxy, when set, is a SOCKS5 proxy address the connection is
	// dialed through.
	Proxy string
	// Handler receives the inbound events.
	Handler Handler
}

// Conn is a live IRC session.
type Conn struct {
	cfg       Config
	netConn   net.Conn
	client    *ircv4.Client
	closeOnce sync.Once
}

// Dial connects to addr ("host:port"), optionally through a SOCKS5
// proxy, and prepares the protocol client. The session does not
// process any traffic until Run is called.
func Dial(addr string, cfg Config) (*Conn, error) {
	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"address":  addr,
		"nick":     cfg.Nick,
		"proxied":  cfg.Proxy != "",
	}).Info("Connecting to IRC server")

	var netConn net.Conn
	var err error
	if cfg.Proxy != "" {
		var dialer proxy.Dialer
		dialer, err = proxy.SOCKS5("tcp", cfg.Proxy, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("configure proxy %q: %w", cfg.Proxy, err)
		}
		netConn, err = dialer.Dial("tcp", addr)
	} else {
		netConn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %q: %w", addr, err)
	}

	c := &Conn{cfg: cfg, netConn: netConn}
	c.client = ircv4.NewClient(netConn, ircv4.ClientConfig{
		Nick:    cfg.Nick,
		User:    cfg.Nick,
		Name:    cfg.Nick,
		Handler: ircv4.HandlerFunc(c.handle),
	})
	return c, nil
}

// Run processes the session until the connection ends or ctx is
// cancelled.
func (c *Conn) Run(ctx context.Context) error {
	defer c.Close()
	return c.client.RunContext(ctx)
}

// Close tears down the underlying network connection. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.netConn.Close() })
	return err
}

// CurrentNick reports the nickname currently held by this session.
func (c *Conn) CurrentNick() string { return c.client.CurrentNick() }

func (c *Conn) handle(client *ircv4.Client, m *ircv4.Message) {
	switch m.Command {
	case "001":
		c.cfg.Handler.OnWelcome()
	case "433":
		// Nickname already in use; retry with a suffix.
		retry := client.CurrentNick() + "_"
		logrus.WithFields(logrus.Fields{
			"function": "handle",
			"nick":     retry,
		}).Warn("Nickname already in use, retrying")
		client.WriteMessage(&ircv4.Message{Command: "NICK", Params: []string{retry}})
	case "JOIN":
		if m.Prefix != nil && strings.EqualFold(m.Prefix.Name, client.CurrentNick()) {
			c.cfg.Handler.OnJoined(joinedChannel(m))
		}
	case "PRIVMSG":
		text := m.Trailing()
		if cmd, args, ok := ParseCTCP(text); ok {
			c.handleCTCP(source(m), cmd, args)
			return
		}
		c.cfg.Handler.OnPrivmsg(source(m), text)
	case "NOTICE":
		c.cfg.Handler.OnPrivmsg(source(m), m.Trailing())
	}
}

func (c *Conn) handleCTCP(src, cmd, args string) {
	if cmd == "VERSION" {
		logrus.WithFields(logrus.Fields{
			"function": "handleCTCP",
			"source":   src,
		}).Debug("Answering CTCP VERSION query")
		c.CTCPReply(src, "VERSION "+c.cfg.UserAgent)
		return
	}
	c.cfg.Handler.OnCTCP(src, cmd, args)
}

// Privmsg sends a private message to a nick or channel.
func (c *Conn) Privmsg(target, text string) error {
	return c.client.WriteMessage(&ircv4.Message{
		Command: "PRIVMSG",
		Params:  []string{target, text},
	})
}

// Join asks the server to add this client to a channel.
func (c *Conn) Join(channel string) error {
	return c.client.WriteMessage(&ircv4.Message{
		Command: "JOIN",
		Params:  []string{channel},
	})
}

// CTCPReply sends a CTCP response as a notice.
func (c *Conn) CTCPReply(target, text string) error {
	return c.client.WriteMessage(&ircv4.Message{
		Command: "NOTICE",
		Params:  []string{target, ctcpDelim + text + ctcpDelim},
	})
}

// Quit ends the session with the given message.
func (c *Conn) Quit(message string) error {
	params := []string{}
	if message != "" {
		params = append(params, message)
	}
	return c.client.WriteMessage(&ircv4.Message{Command: "QUIT", Params: params})
}

// ParseCTCP splits a CTCP-framed message body into its command and
// argument string. ok is false for plain messages.
func ParseCTCP(text string) (cmd, args string, ok bool) {
	if !strings.HasPrefix(text, ctcpDelim) {
		return "", "", false
	}
	body := strings.Trim(text, ctcpDelim)
	cmd, args, _ = strings.Cut(body, " ")
	if cmd == "" {
		return "", "", false
	}
	return cmd, args, true
}

// joinedChannel extracts the channel name from a JOIN confirmation;
// servers deliver it either as a middle or a trailing parameter.
func joinedChannel(m *ircv4.Message) string {
	if len(m.Params) > 0 {
		return m.Params[0]
	}
	return m.Trailing()
}

// source names the message origin, or "" for a sourceless
// server-originated message.
func source(m *ircv4.Message) string {
	if m.Prefix == nil {
		return ""
	}
	return m.Prefix.Name
}
