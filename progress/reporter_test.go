package progress

import (
	"bytes"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	received atomic.Uint64
	active   atomic.Bool
}

func (f *fakeSource) Received() uint64 { return f.received.Load() }
func (f *fakeSource) Active() bool     { return f.active.Load() }

func newTestReporter(src Source, size uint64, width int) *Reporter {
	r := New(&bytes.Buffer{}, src, size, "pack.bin")
	r.width = func() int { return width }
	return r
}

func TestRenderBarProportion(t *testing.T) {
	src := &fakeSource{}
	src.received.Store(512 * 1024)
	r := newTestReporter(src, 1024*1024, 60)

	line := r.render(60)
	assert.Contains(t, line, "0.50/1.00")
	assert.Contains(t, line, "["+strings.Repeat("=", 15)+">"+strings.Repeat(" ", 14)+"]")
	assert.Contains(t, line, `"pack.bin"`)
}

func TestRenderCompleteBar(t *testing.T) {
	src := &fakeSource{}
	src.received.Store(2048)
	r := newTestReporter(src, 2048, 200)

	line := r.render(200)
	assert.Contains(t, line, "["+strings.Repeat("=", BarWidth)+"]")
}

func TestRenderZeroSize(t *testing.T) {
	src := &fakeSource{}
	src.received.Store(100)
	r := newTestReporter(src, 0, 60)

	line := r.render(60)
	assert.Contains(t, line, "[>"+strings.Repeat(" ", BarWidth-1)+"]")
}

func TestRenderTruncatesToWidth(t *testing.T) {
	src := &fakeSource{}
	r := newTestReporter(src, 1024, 20)

	line := r.render(20)
	assert.LessOrEqual(t, len(line), 20)
}

func TestRenderThroughputOnlyWhenWide(t *testing.T) {
	src := &fakeSource{}
	src.received.Store(4096)
	r := newTestReporter(src, 1<<20, 200)

	line := r.render(200)
	assert.Contains(t, line, "4.00KiB/s")

	src.received.Store(4096) // no delta since last render
	line = r.render(200)
	assert.Contains(t, line, "0B/s")

	narrow := newTestReporter(src, 1<<20, 60)
	line = narrow.render(60)
	assert.NotContains(t, line, "/s")
}

func TestWarningConsumedWhenShortLived(t *testing.T) {
	src := &fakeSource{}
	r := newTestReporter(src, 1024, 60)

	r.Warn("peer paused", false)
	assert.Contains(t, r.render(60), ">> peer paused <<")
	assert.Contains(t, r.render(60), `"pack.bin"`)
}

func TestStickyWarningPersistsUntilCleared(t *testing.T) {
	// Wide enough that the warning survives the width truncation.
	src := &fakeSource{}
	r := newTestReporter(src, 1024, 100)

	r.Warn("Download may be stuck.", true)
	assert.Contains(t, r.render(100), ">> Download may be stuck. <<")
	assert.Contains(t, r.render(100), ">> Download may be stuck. <<")

	r.ClearWarning()
	assert.Contains(t, r.render(100), `"pack.bin"`)
}

func TestReporterStopsWhenTransferEnds(t *testing.T) {
	src := &fakeSource{}
	src.active.Store(false)

	out := &bytes.Buffer{}
	r := New(out, src, 1024, "pack.bin")
	r.width = func() int { return 60 }
	r.Start()
	defer r.Stop()

	time.Sleep(1200 * time.Millisecond)
	assert.Empty(t, out.String(), "inactive transfer must not be rendered")
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "512B", humanBytes(512))
	assert.Equal(t, "1.00KiB", humanBytes(1024))
	assert.Equal(t, "1.50MiB", humanBytes(3*1<<19))
	assert.Equal(t, "2.00GiB", humanBytes(2*1<<30))
}
