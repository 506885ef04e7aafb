// Package progress renders a single overwritten status line for an
// active transfer.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// BarWidth is the fixed width of the rendered progress bar.
const BarWidth = 30

// throughputWidth is the minimum surface width at which the byte-rate
// estimate is shown.
const throughputWidth = 70

// fallbackWidth is assumed when the output is not a terminal.
const fallbackWidth = 80

// Source exposes the counters the reporter reads each tick.
type Source interface {
	Received() uint64
	Active() bool
}

// Reporter emits one status line per second while the transfer is
// active: byte counters, a proportional bar, a throughput estimate
// when the surface is wide enough, and either the offered filename or
// the currently raised warning.
type Reporter struct {
	out      io.Writer
	src      Source
	size     uint64
	filename string
	width    func() int

	mu        sync.Mutex
	warning   string
	sticky    bool
	lastBytes uint64
	lastLen   int

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a reporter writing to out, which is normally stderr.
func New(out io.Writer, src Source, size uint64, filename string) *Reporter {
	return &Reporter{
		out:      out,
		src:      src,
		size:     size,
		filename: filename,
		width:    terminalWidth,
		stop:     make(chan struct{}),
	}
}

// Warn publishes a warning for the status line. A sticky warning stays
// until cleared; otherwise it is consumed by the next tick.
func (r *Reporter) Warn(text string, sticky bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warning = text
	r.sticky = sticky
}

// ClearWarning removes any published warning.
func (r *Reporter) ClearWarning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warning = ""
	r.sticky = false
}

// Start launches the once-per-second render loop. It exits on Stop or
// when the transfer goes inactive.
func (r *Reporter) Start() {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
			}
			if !r.src.Active() {
				return
			}
			r.tick()
		}
	}()
}

// Stop halts the render loop. Idempotent.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Reporter) tick() {
	width := r.width()
	line := r.render(width)

	r.mu.Lock()
	pad := r.lastLen - len(line)
	r.lastLen = len(line)
	r.mu.Unlock()

	if pad > 0 {
		line += strings.Repeat(" ", pad)
	}
	fmt.Fprint(r.out, "\r"+line)
}

// render computes the status line for the given surface width. A zero
// declared size renders as no progress rather than dividing by zero.
func (r *Reporter) render(width int) string {
	received := r.src.Received()

	frac := 0.0
	if r.size > 0 {
		frac = float64(received) / float64(r.size)
	}
	pos := int(BarWidth * frac)
	if pos > BarWidth {
		pos = BarWidth
	}
	bar := strings.Repeat("=", pos) + ">"
	if len(bar) < BarWidth {
		bar += strings.Repeat(" ", BarWidth-len(bar))
	} else {
		bar = bar[:BarWidth]
	}

	extra := r.takeExtra()

	line := fmt.Sprintf("%.2f/%.2f [%s] %s", mib(received), mib(r.size), bar, extra)

	if width >= throughputWidth {
		r.mu.Lock()
		delta := received - r.lastBytes
		r.lastBytes = received
		r.mu.Unlock()
		line += fmt.Sprintf(" %s/s", humanBytes(delta))
	}

	if len(line) > width {
		line = line[:width]
	}
	return line
}

// takeExtra returns the warning text, consuming it unless sticky, or
// the quoted offered filename when no warning is raised.
func (r *Reporter) takeExtra() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.warning != "" {
		text := ">> " + r.warning + " <<"
		if !r.sticky {
			r.warning = ""
		}
		return text
	}
	return fmt.Sprintf("%q", r.filename)
}

func mib(b uint64) float64 { return float64(b) / 1024 / 1024 }

// humanBytes formats a byte count with a binary unit suffix.
func humanBytes(b uint64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.2fGiB", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.2fMiB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.2fKiB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%dB", b)
	}
}

// terminalWidth probes the stderr terminal, falling back to a fixed
// width when the output is not a tty.
func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stderr.Fd())); err == nil && w > 0 {
		return w
	}
	return fallbackWidth
}
