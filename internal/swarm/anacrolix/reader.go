package anacrolix

import (
	"context"
	"io"
	"sync"
	"time"

	"swarmstream/internal/domain"
	"swarmstream/internal/domain/ports"
)

const (
	minPriorityWindowBytes = 8 << 20
	maxPriorityWindowBytes = 64 << 20
	minPriorityStep        = 1 << 20

	// Target: keep ~30 seconds of content prioritized ahead of the
	// consumer at the observed read rate.
	targetBufferSeconds = 30.0
)

// priorityReader wraps a torrent file reader and keeps a high-priority
// window sliding ahead of the read position. The window size adapts to the
// observed consumption rate (EMA smoothed) and is temporarily doubled
// after a seek to reduce stalls.
type priorityReader struct {
	reader ports.StreamReader
	swarm  *swarm
	file   domain.FileRef

	mu              sync.Mutex
	pos             int64
	lastOff         int64
	window          int64
	bytesSince      int64
	lastAdjust      time.Time
	rateBytesPerSec float64
	seekBoostUntil  time.Time
}

func newPriorityReader(reader ports.StreamReader, s *swarm, file domain.FileRef) ports.StreamReader {
	return &priorityReader{
		reader:     reader,
		swarm:      s,
		file:       file,
		window:     minPriorityWindowBytes,
		lastAdjust: time.Now(),
	}
}

func (r *priorityReader) SetContext(ctx context.Context) { r.reader.SetContext(ctx) }
func (r *priorityReader) SetReadahead(n int64)           { r.reader.SetReadahead(n) }
func (r *priorityReader) SetResponsive()                 { r.reader.SetResponsive() }

func (r *priorityReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.mu.Lock()
		r.pos += int64(n)
		r.bytesSince += int64(n)
		r.adjustWindowLocked()
		r.updateWindowLocked(false)
		r.mu.Unlock()
	}
	return n, err
}

func (r *priorityReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := r.reader.Seek(offset, whence)
	if err != nil {
		return pos, err
	}
	r.mu.Lock()
	r.pos = pos
	boosted := r.window * 2
	if boosted > maxPriorityWindowBytes {
		boosted = maxPriorityWindowBytes
	}
	r.window = boosted
	r.seekBoostUntil = time.Now().Add(10 * time.Second)
	r.updateWindowLocked(true)
	r.mu.Unlock()
	return pos, nil
}

func (r *priorityReader) Close() error {
	return r.reader.Close()
}

// adjustWindowLocked recalculates the window from observed throughput.
// Called on every Read; the recalculation itself runs at most every 500ms.
func (r *priorityReader) adjustWindowLocked() {
	now := time.Now()
	elapsed := now.Sub(r.lastAdjust).Seconds()
	if elapsed < 0.5 {
		return
	}

	instantRate := float64(r.bytesSince) / elapsed
	if r.rateBytesPerSec <= 0 {
		r.rateBytesPerSec = instantRate
	} else {
		r.rateBytesPerSec = 0.7*r.rateBytesPerSec + 0.3*instantRate
	}
	r.bytesSince = 0
	r.lastAdjust = now

	if now.Before(r.seekBoostUntil) {
		return
	}

	dynamicWindow := int64(r.rateBytesPerSec * targetBufferSeconds)
	if dynamicWindow < minPriorityWindowBytes {
		dynamicWindow = minPriorityWindowBytes
	}
	if dynamicWindow > maxPriorityWindowBytes {
		dynamicWindow = maxPriorityWindowBytes
	}
	r.window = dynamicWindow
}

func (r *priorityReader) updateWindowLocked(force bool) {
	off := r.pos
	if !force {
		delta := off - r.lastOff
		if delta < 0 {
			delta = -delta
		}
		if delta < minPriorityStep {
			return
		}
	}
	r.swarm.SetPiecePriority(r.file, domain.Range{Off: off, Length: r.window}, domain.PriorityHigh)
	r.lastOff = off
}

var _ io.ReadSeekCloser = (*priorityReader)(nil)
