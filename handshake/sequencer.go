// Package handshake drives the ordered setup steps that precede a file
// request: optional pre-messages, channel joins, then the request
// command itself.
//
// The sequencer is an explicit finite-state machine advanced one step
// per relevant inbound event. Steps that need a channel membership
// suspend until the matching join confirmation for this client's own
// nick arrives; the caller is responsible for filtering out join
// confirmations of other participants.
package handshake

import (
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrAlreadyStarted indicates a second Start while a request sequence
// is already in flight for the session.
var ErrAlreadyStarted = errors.New("handshake already in flight")

// State names one position in the setup sequence.
type State uint8

const (
	// StateIdle is the state before Start.
	StateIdle State = iota
	// StateAwaitingWelcome waits for the server welcome.
	StateAwaitingWelcome
	// StateJoiningPremessageChannel waits for the join confirmation of
	// a pre-message's channel target.
	StateJoiningPremessageChannel
	// StateSendingPremessage is passed through while pre-messages are
	// delivered.
	StateSendingPremessage
	// StateJoiningRequiredChannel waits for the join confirmation of
	// the configured channel.
	StateJoiningRequiredChannel
	// StateRequesting is passed through while the file request is
	// issued.
	StateRequesting
	// StateTransferring means the request is out and the transfer
	// phase owns the session.
	StateTransferring
	// StateDone is terminal.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingWelcome:
		return "awaiting-welcome"
	case StateJoiningPremessageChannel:
		return "joining-premessage-channel"
	case StateSendingPremessage:
		return "sending-premessage"
	case StateJoiningRequiredChannel:
		return "joining-required-channel"
	case StateRequesting:
		return "requesting"
	case StateTransferring:
		return "transferring"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Message is one (target, text) pair delivered before the request.
type Message struct {
	Target string
	Text   string
}

// Actions is the outbound surface the sequencer drives.
type Actions interface {
	Privmsg(target, text string) error
	Join(channel string) error
}

// Config describes one request sequence.
type Config struct {
	// PreMessages are sent in order before the request. Channel
	// targets are joined first if not already a member.
	PreMessages []Message
	// Channel, when set, must be joined before the request is issued.
	Channel string
	// Target is the peer the request is sent to.
	Target string
	// Request is the full request command text.
	Request string
	// OnRequested fires right after the request goes out, so the
	// caller can arm its transfer watchdog.
	OnRequested func()
}

// Sequencer advances the setup sequence one step per inbound event.
// It is driven entirely from the session's event goroutine and needs
// no internal locking.
type Sequencer struct {
	actions Actions
	cfg     Config

	state       State
	next        int
	pending     string
	joined      map[string]struct{}
	requestedAt time.Time
}

// New creates a sequencer for one session.
func New(actions Actions, cfg Config) *Sequencer {
	return &Sequencer{
		actions: actions,
		cfg:     cfg,
		state:   StateIdle,
		joined:  make(map[string]struct{}),
	}
}

// Start arms the sequence. At most one request may be in flight per
// session; starting an active sequencer is an error.
func (s *Sequencer) Start() error {
	if s.state != StateIdle {
		return ErrAlreadyStarted
	}
	s.state = StateAwaitingWelcome
	return nil
}

// State reports the current position in the sequence.
func (s *Sequencer) State() State { return s.state }

// RequestedAt reports when the file request was issued, for
// diagnostics. Zero until the request goes out.
func (s *Sequencer) RequestedAt() time.Time { return s.requestedAt }

// Finish moves the sequencer to its terminal state.
func (s *Sequencer) Finish() { s.state = StateDone }

// HandleWelcome resumes the sequence on the server welcome. Welcomes
// in any other state are ignored.
func (s *Sequencer) HandleWelcome() error {
	if s.state != StateAwaitingWelcome {
		logrus.WithFields(logrus.Fields{
			"function": "HandleWelcome",
			"state":    s.state.String(),
		}).Debug("Ignoring welcome outside awaiting-welcome")
		return nil
	}
	return s.advance()
}

// HandleJoined resumes the sequence when the awaited channel has been
// joined. Confirmations for channels the sequence is not waiting on
// are recorded but do not advance the sequence.
func (s *Sequencer) HandleJoined(channel string) error {
	s.joined[casefold(channel)] = struct{}{}

	switch s.state {
	case StateJoiningPremessageChannel, StateJoiningRequiredChannel:
		if casefold(channel) != casefold(s.pending) {
			return nil
		}
		s.pending = ""
		return s.advance()
	default:
		return nil
	}
}

// advance performs every step that needs no confirmation, suspending
// on the first channel join and finally issuing the request.
func (s *Sequencer) advance() error {
	for s.next < len(s.cfg.PreMessages) {
		m := s.cfg.PreMessages[s.next]
		if IsChannel(m.Target) && !s.isJoined(m.Target) {
			s.state = StateJoiningPremessageChannel
			s.pending = m.Target
			return s.actions.Join(m.Target)
		}

		s.state = StateSendingPremessage
		s.next++
		logrus.WithFields(logrus.Fields{
			"function": "advance",
			"target":   m.Target,
		}).Debug("Sending pre-request message")
		if err := s.actions.Privmsg(m.Target, m.Text); err != nil {
			return err
		}
	}

	if s.cfg.Channel != "" && !s.isJoined(s.cfg.Channel) {
		s.state = StateJoiningRequiredChannel
		s.pending = s.cfg.Channel
		return s.actions.Join(s.cfg.Channel)
	}

	return s.issueRequest()
}

func (s *Sequencer) issueRequest() error {
	s.state = StateRequesting
	s.requestedAt = time.Now()

	logrus.WithFields(logrus.Fields{
		"function": "issueRequest",
		"target":   s.cfg.Target,
		"request":  s.cfg.Request,
	}).Info("Issuing file request")

	if err := s.actions.Privmsg(s.cfg.Target, s.cfg.Request); err != nil {
		return err
	}
	s.state = StateTransferring
	if s.cfg.OnRequested != nil {
		s.cfg.OnRequested()
	}
	return nil
}

func (s *Sequencer) isJoined(channel string) bool {
	_, ok := s.joined[casefold(channel)]
	return ok
}

// IsChannel reports whether an IRC target names a channel.
func IsChannel(target string) bool {
	return strings.HasPrefix(target, "#") || strings.HasPrefix(target, "&")
}

func casefold(s string) string { return strings.ToLower(s) }
