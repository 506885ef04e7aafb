package dcc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrIncomplete indicates that the data connection ended before the
// declared number of bytes arrived.
var ErrIncomplete = errors.New("transfer incomplete")

// AckSize is the length of a progress acknowledgement packet.
const AckSize = 4

// CompletionGrace is how long a completed engine waits for the peer to
// close the data connection before closing it itself.
const CompletionGrace = 2 * time.Second

// readBufferSize is the chunk size of the data read loop.
const readBufferSize = 32 * 1024

// ackProbeTimeout bounds an acknowledgement send attempt. The deadline
// must lie in the future for the runtime to attempt the send at all;
// expiring with nothing written means the peer stopped draining.
const ackProbeTimeout = 10 * time.Millisecond

// StuckWarning is the status-line text raised when a forced
// acknowledgement is about to block the read loop.
const StuckWarning = "Download may be stuck."

// Notifier receives out-of-band engine signals. Warn and ClearWarning
// feed the status-line reporter; ResetWindow tells the stall watchdog
// that a blocking acknowledgement send is expected and must not count
// as missing progress.
type Notifier interface {
	Warn(text string, sticky bool)
	ClearWarning()
	ResetWindow()
}

// NopNotifier discards all engine signals.
type NopNotifier struct{}

func (NopNotifier) Warn(string, bool) {}
func (NopNotifier) ClearWarning()     {}
func (NopNotifier) ResetWindow()      {}

// Engine owns the raw data connection and the destination sink for one
// transfer. The read loop is the sole writer of the received-byte
// counter; background timers observe it through Received and Active.
type Engine struct {
	offer  *Offer
	sink   io.WriteCloser
	force  bool
	notify Notifier

	conn     net.Conn
	received atomic.Uint64
	active   atomic.Bool

	graceOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// NewEngine prepares a transfer engine for a parsed offer. The sink is
// owned by the engine from this point on and is closed during Close
// even if the data connection is never established.
func NewEngine(offer *Offer, sink io.WriteCloser, force bool, notify Notifier) *Engine {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Engine{
		offer:  offer,
		sink:   sink,
		force:  force,
		notify: notify,
	}
}

// Dial opens the TCP connection to the offered endpoint.
func (e *Engine) Dial() error {
	addr := net.JoinHostPort(e.offer.Addr.String(), strconv.Itoa(e.offer.Port))

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"address":  addr,
		"filename": e.offer.Filename,
	}).Info("Opening data connection")

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to establish data connection: %w", err)
	}

	e.conn = conn
	e.active.Store(true)
	return nil
}

// Received reports the cumulative bytes written to the sink so far.
// The value is monotonically non-decreasing for the engine's lifetime.
func (e *Engine) Received() uint64 { return e.received.Load() }

// Active reports whether the data connection is still live. Once
// cleared by Close it is never set again.
func (e *Engine) Active() bool { return e.active.Load() }

// Complete reports whether every declared byte has arrived.
func (e *Engine) Complete() bool { return e.received.Load() >= e.offer.Size }

// Run streams the data connection into the sink until the peer closes,
// an error occurs, or the engine is shut down. It returns nil exactly
// when the declared size was fully received.
func (e *Engine) Run() error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := e.conn.Read(buf)
		if n > 0 {
			if _, werr := e.sink.Write(buf[:n]); werr != nil {
				e.Close()
				return fmt.Errorf("write destination: %w", werr)
			}
			total := e.received.Add(uint64(n))
			e.sendAck(total)

			// Some peers never close after the last byte; close
			// ourselves once a short grace period elapses.
			if total >= e.offer.Size {
				e.graceOnce.Do(func() {
					time.AfterFunc(CompletionGrace, func() { e.Close() })
				})
			}
		}
		if err != nil {
			e.Close()
			if e.Complete() {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("%w: %d of %d bytes", ErrIncomplete, e.received.Load(), e.offer.Size)
			}
			return fmt.Errorf("read data connection: %w", err)
		}
	}
}

// sendAck reports the cumulative byte count back to the peer as a
// 4-byte big-endian packet on the data connection.
//
// The send is probed under a short write deadline so the read loop
// never stays blocked on a peer that stopped draining its side: a
// drainable connection accepts the packet immediately, a full outbound
// buffer expires the deadline with nothing written. In that case the
// acknowledgement is dropped silently unless force-response is
// configured, in which case the engine warns the reporter, grants the
// watchdog a fresh window, and sends blocking. A torn packet is never
// left on the wire: a partial probe write is always completed with a
// blocking send.
func (e *Engine) sendAck(total uint64) {
	var pkt [AckSize]byte
	binary.BigEndian.PutUint32(pkt[:], uint32(total))

	e.conn.SetWriteDeadline(time.Now().Add(ackProbeTimeout))
	n, err := e.conn.Write(pkt[:])
	e.conn.SetWriteDeadline(time.Time{})
	if err == nil {
		return
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		logrus.WithFields(logrus.Fields{
			"function": "sendAck",
			"total":    total,
			"error":    err.Error(),
		}).Warn("Acknowledgement send failed")
		return
	}

	if n == 0 && !e.force {
		// Peer is not draining; skip this acknowledgement.
		return
	}

	blocks := e.force && n == 0
	if blocks {
		e.notify.Warn(StuckWarning, true)
		e.notify.ResetWindow()
	}

	if _, err := e.conn.Write(pkt[n:]); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendAck",
			"total":    total,
			"error":    err.Error(),
		}).Warn("Blocking acknowledgement send failed")
	}

	if blocks {
		e.notify.ClearWarning()
	}
}

// Close tears down the sink and the data connection. It is idempotent
// and safe to call from any goroutine; whichever trigger fires first
// wins and all later calls are no-ops.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.active.Store(false)
		if e.conn != nil {
			if err := e.conn.Close(); err != nil {
				e.closeErr = err
			}
		}
		if err := e.sink.Close(); err != nil && e.closeErr == nil {
			e.closeErr = err
		}

		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"received": e.received.Load(),
			"size":     e.offer.Size,
			"complete": e.Complete(),
		}).Info("Transfer engine closed")
	})
	return e.closeErr
}
