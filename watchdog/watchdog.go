// Package watchdog aborts download sessions that never establish a
// data connection or stop making byte progress.
package watchdog

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Transfer is the read-only view of transfer state the watchdog polls.
// Received must be monotonically non-decreasing; Active reports
// whether the data connection is currently open.
type Transfer interface {
	Received() uint64
	Active() bool
}

// Watchdog waits one full timeout for the data connection, then polls
// for byte progress in rolling windows of the same duration until the
// session ends. At most one watchdog runs per session; Start arms it
// exactly once and Stop halts it permanently.
type Watchdog struct {
	timeout   time.Duration
	poll      time.Duration
	transfer  Transfer
	onTimeout func()

	reset    chan struct{}
	stop     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// New creates a watchdog over the given transfer view. onTimeout is
// invoked at most once, from the watchdog goroutine, when the session
// stalls.
func New(timeout time.Duration, transfer Transfer, onTimeout func()) *Watchdog {
	return &Watchdog{
		timeout:   timeout,
		poll:      time.Second,
		transfer:  transfer,
		onTimeout: onTimeout,
		reset:     make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Start arms the watchdog. Calls after the first are no-ops.
func (w *Watchdog) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run()
}

// ResetWindow restarts the current polling window early. The transfer
// engine raises it when a blocking acknowledgement send is expected,
// so that the pause is not mistaken for a stall.
func (w *Watchdog) ResetWindow() {
	select {
	case w.reset <- struct{}{}:
	default:
	}
}

// Stop halts the watchdog permanently. Idempotent.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Watchdog) run() {
	// Armed: the peer has one full timeout to open the data
	// connection.
	select {
	case <-w.stop:
		return
	case <-time.After(w.timeout):
	}
	if !w.transfer.Active() {
		w.fire("no data connection established")
		return
	}

	for {
		start := w.transfer.Received()
		switch w.window() {
		case windowEnded:
			return
		case windowReset:
			// A blocking acknowledgement send announced itself;
			// start a fresh window without a stall comparison.
			continue
		case windowElapsed:
		}
		// The session may have just finished; completion is checked
		// before the stall comparison.
		if !w.transfer.Active() {
			return
		}
		if w.transfer.Received() == start {
			w.fire("no byte progress within window")
			return
		}
	}
}

type windowResult uint8

const (
	windowElapsed windowResult = iota
	windowReset
	windowEnded
)

// window sleeps through one polling window in poll-sized increments,
// checking each increment whether the session ended or an early reset
// was raised.
func (w *Watchdog) window() windowResult {
	ticks := int(w.timeout / w.poll)
	if ticks < 1 {
		ticks = 1
	}
	for i := 0; i < ticks; i++ {
		select {
		case <-w.stop:
			return windowEnded
		case <-w.reset:
			logrus.WithFields(logrus.Fields{
				"function": "window",
			}).Debug("Early watchdog window reset")
			return windowReset
		case <-time.After(w.poll):
		}
		if !w.transfer.Active() {
			return windowEnded
		}
	}
	return windowElapsed
}

func (w *Watchdog) fire(reason string) {
	logrus.WithFields(logrus.Fields{
		"function": "fire",
		"timeout":  w.timeout,
		"received": w.transfer.Received(),
		"reason":   reason,
	}).Warn("Download timed out")

	if w.onTimeout != nil {
		w.onTimeout()
	}
}
