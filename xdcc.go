package xdcc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xdcc/dcc"
	"github.com/opd-ai/xdcc/handshake"
	"github.com/opd-ai/xdcc/irc"
	"github.com/opd-ai/xdcc/progress"
	"github.com/opd-ai/xdcc/watchdog"
)

// ErrNoConnection indicates that no data connection was ever
// negotiated.
var ErrNoConnection = errors.New("failed to establish connection")

// ErrDownloadFailed indicates that an offer was received but the
// transfer did not complete.
var ErrDownloadFailed = errors.New("failed to download")

// ErrTimeout indicates that the session was aborted by the stall
// watchdog.
var ErrTimeout = errors.New("download timed out")

// ErrProtocolViolation indicates an unexpected CTCP or DCC command
// from an authorized source.
var ErrProtocolViolation = errors.New("protocol violation")

// DefaultTimeout is the default watchdog window.
const DefaultTimeout = 30 * time.Second

// DefaultUserAgent is the default CTCP VERSION reply.
const DefaultUserAgent = "XDCC.GO/0.1.0 (GO-IRC/4)"

// Options contains the immutable configuration of one session. Create
// it with NewOptions and fill in the request fields; it is read-only
// once the session starts.
type Options struct {
	// Nick is the nickname to register with.
	Nick string
	// Bot is the peer the file request is sent to.
	Bot string
	// Request is the full request command, e.g. "XDCC SEND #42".
	Request string
	// Output designates the destination: the stdout marker "-", an
	// existing directory, a literal file path, or empty for the
	// offered basename in the working directory.
	Output string
	// Channel, when set, is joined before the request is issued.
	Channel string
	// Timeout is both the connection deadline and the rolling
	// no-progress window.
	Timeout time.Duration
	// UserAgent answers CTCP VERSION queries.
	UserAgent string
	// ForceResponse sends acknowledgements even when the outbound
	// direction of the data connection would block.
	ForceResponse bool
	// QuitMessage accompanies the session quit at teardown.
	QuitMessage string
	// Sender authorizes offer sources.
	Sender SenderPolicy
	// PreMessages are delivered in order before the request.
	PreMessages []handshake.Message
	// Proxy is an optional SOCKS5 proxy for the IRC connection.
	Proxy string
	// Console receives user-facing terminal messages; defaults to
	// stderr.
	Console io.Writer
}

// NewOptions returns Options with the defaults every session starts
// from.
func NewOptions() *Options {
	return &Options{
		Timeout:   DefaultTimeout,
		UserAgent: DefaultUserAgent,
		Sender:    TargetOnlyPolicy(),
		Console:   os.Stderr,
	}
}

// Port is the outbound action surface of the IRC session the core
// drives. *irc.Conn implements it.
type Port interface {
	Privmsg(target, text string) error
	Join(channel string) error
	Quit(message string) error
}

// Session runs one XDCC request end to end. Inbound IRC events drive
// it through the irc.Handler interface; the data read loop, the stall
// watchdog, and the progress reporter run as session-owned goroutines
// that are all cancelled by the single idempotent teardown.
type Session struct {
	opts *Options
	seq  *handshake.Sequencer
	dog  *watchdog.Watchdog

	port   Port
	cancel context.CancelFunc

	engine   atomic.Pointer[dcc.Engine]
	reporter atomic.Pointer[progress.Reporter]

	mu        sync.Mutex
	offerName string
	failure   error

	teardownOnce sync.Once
	done         chan struct{}
}

// NewSession prepares a session for the given options. The session
// must be attached to a Port before events are delivered.
func NewSession(opts *Options) *Session {
	s := &Session{
		opts: opts,
		done: make(chan struct{}),
	}
	s.seq = handshake.New(s, handshake.Config{
		PreMessages: opts.PreMessages,
		Channel:     opts.Channel,
		Target:      opts.Bot,
		Request:     opts.Request,
		OnRequested: func() { s.dog.Start() },
	})
	s.dog = watchdog.New(opts.Timeout, s, s.onTimeout)
	return s
}

// Attach binds the session to its outbound port and the cancel
// function that ends the event loop. It must be called before the
// port delivers any event.
func (s *Session) Attach(port Port, cancel context.CancelFunc) {
	s.port = port
	s.cancel = cancel
}

// Privmsg implements handshake.Actions.
func (s *Session) Privmsg(target, text string) error { return s.port.Privmsg(target, text) }

// Join implements handshake.Actions.
func (s *Session) Join(channel string) error { return s.port.Join(channel) }

// Received implements watchdog.Transfer.
func (s *Session) Received() uint64 {
	if e := s.engine.Load(); e != nil {
		return e.Received()
	}
	return 0
}

// Active implements watchdog.Transfer.
func (s *Session) Active() bool {
	e := s.engine.Load()
	return e != nil && e.Active()
}

// Warn implements dcc.Notifier.
func (s *Session) Warn(text string, sticky bool) {
	if r := s.reporter.Load(); r != nil {
		r.Warn(text, sticky)
	}
}

// ClearWarning implements dcc.Notifier.
func (s *Session) ClearWarning() {
	if r := s.reporter.Load(); r != nil {
		r.ClearWarning()
	}
}

// ResetWindow implements dcc.Notifier.
func (s *Session) ResetWindow() { s.dog.ResetWindow() }

// OnWelcome implements irc.Handler.
func (s *Session) OnWelcome() {
	s.console("Waiting for connection.")
	if err := s.seq.HandleWelcome(); err != nil {
		s.Teardown(fmt.Errorf("handshake: %w", err))
	}
}

// OnJoined implements irc.Handler.
func (s *Session) OnJoined(channel string) {
	if err := s.seq.HandleJoined(channel); err != nil {
		s.Teardown(fmt.Errorf("handshake: %w", err))
	}
}

// OnCTCP implements irc.Handler. Only DCC queries are legitimate at
// this point; anything else from an authorized source violates the
// negotiation protocol.
func (s *Session) OnCTCP(source, command, args string) {
	if command != "DCC" {
		s.console("Unexpected CTCP command: " + command)
		s.Teardown(fmt.Errorf("%w: unexpected CTCP %q", ErrProtocolViolation, command))
		return
	}
	s.handleOffer(source, args)
}

// OnPrivmsg implements irc.Handler. Messages from the bot or an
// authorized source are echoed to the console.
func (s *Session) OnPrivmsg(source, text string) {
	if source == s.opts.Bot || s.opts.Sender.Allows(source, s.opts.Bot) {
		s.console("> " + text)
	}
}

// handleOffer validates an inbound DCC payload and, when it is an
// authorized SEND offer, opens the sink and starts the transfer.
func (s *Session) handleOffer(source, payload string) {
	if !s.opts.Sender.Allows(source, s.opts.Bot) {
		logrus.WithFields(logrus.Fields{
			"function": "handleOffer",
			"source":   source,
		}).Warn("Ignoring DCC offer from unauthorized source")
		return
	}

	if s.engine.Load() != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleOffer",
			"source":   source,
		}).Warn("Ignoring DCC offer while a transfer is already active")
		return
	}

	offer, err := dcc.ParseOffer(payload)
	if err != nil {
		s.console("Rejecting DCC offer: " + err.Error())
		s.Teardown(fmt.Errorf("%w: %v", ErrProtocolViolation, err))
		return
	}

	s.mu.Lock()
	s.offerName = offer.Filename
	s.mu.Unlock()

	sink, path, err := dcc.OpenSink(s.opts.Output, offer.Filename)
	if err != nil {
		s.Teardown(err)
		return
	}
	if path != "" && s.opts.Output == "" {
		s.console("Downloading into: " + path)
	}

	engine := dcc.NewEngine(offer, sink, s.opts.ForceResponse, s)
	if err := engine.Dial(); err != nil {
		engine.Close()
		s.Teardown(fmt.Errorf("%w: %v", ErrNoConnection, err))
		return
	}
	s.engine.Store(engine)

	reporter := progress.New(s.opts.Console, engine, offer.Size, offer.Filename)
	s.reporter.Store(reporter)
	reporter.Start()

	go func() {
		err := engine.Run()
		if err != nil {
			s.Teardown(err)
			return
		}
		s.Teardown(nil)
	}()
}

// onTimeout runs on the watchdog goroutine when the session stalls.
func (s *Session) onTimeout() {
	s.console("\nDownload timed out.")
	s.Teardown(ErrTimeout)
}

// Teardown ends the session exactly once: it closes the transfer
// engine (sink and data connection), stops the background timers,
// sends the session quit, and cancels the event loop. Every terminal
// condition funnels through here; whichever fires first wins and all
// later calls are no-ops.
func (s *Session) Teardown(reason error) {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.failure = reason
		s.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Teardown",
			"reason":   fmt.Sprintf("%v", reason),
		}).Info("Tearing down session")

		if e := s.engine.Load(); e != nil {
			e.Close()
		}
		if r := s.reporter.Load(); r != nil {
			r.Stop()
		}
		s.dog.Stop()
		s.seq.Finish()
		if s.port != nil {
			if err := s.port.Quit(s.opts.QuitMessage); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Teardown",
					"error":    err.Error(),
				}).Debug("Quit delivery failed")
			}
		}
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
	})
}

// Done is closed when teardown has run.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports the canonical session outcome: nil exactly when every
// declared byte arrived, otherwise the first recorded failure, or a
// generic classification distinguishing "no offer was ever received"
// from "an offered file did not finish".
func (s *Session) Err() error {
	if e := s.engine.Load(); e != nil && e.Complete() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	if s.offerName == "" {
		return ErrNoConnection
	}
	return fmt.Errorf("%w: %s", ErrDownloadFailed, s.offerName)
}

func (s *Session) console(text string) {
	fmt.Fprintln(s.opts.Console, text)
}

// Run performs one complete session against the given server
// ("host:port"): connect, handshake, request, transfer, teardown. It
// returns nil exactly when the declared size was fully received.
// Cancelling ctx (e.g. on an interrupt) triggers the same teardown
// path, including the session quit, before Run returns.
func Run(ctx context.Context, server string, opts *Options) error {
	if opts.Console == nil {
		opts.Console = os.Stderr
	}

	s := NewSession(opts)
	if err := s.seq.Start(); err != nil {
		return err
	}

	conn, err := irc.Dial(server, irc.Config{
		Nick:      opts.Nick,
		UserAgent: opts.UserAgent,
		Proxy:     opts.Proxy,
		Handler:   s,
	})
	if err != nil {
		return err
	}

	// The event loop must outlive ctx by one step: cancelling ctx
	// (e.g. on an interrupt) funnels through Teardown, which sends the
	// session quit on the still-open connection and only then ends
	// runCtx.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	s.Attach(conn, cancel)

	go func() {
		select {
		case <-ctx.Done():
			s.Teardown(nil)
		case <-runCtx.Done():
		}
	}()

	runErr := conn.Run(runCtx)
	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"error":    fmt.Sprintf("%v", runErr),
	}).Debug("IRC session ended")

	// A server-side drop must still funnel through the one teardown.
	s.Teardown(nil)

	if err := s.Err(); err != nil {
		return err
	}
	s.console("\nDownload complete.")
	return nil
}
