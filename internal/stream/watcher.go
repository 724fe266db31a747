package stream

import (
	"context"
	"io"
	"sync"
	"time"

	"swarmstream/internal/domain"
	"swarmstream/internal/domain/ports"
	"swarmstream/internal/status"
)

// Watcher is one playback consumer attached to one file of one swarm.
// Its lifetime bounds the swarm membership refcount.
type Watcher struct {
	ID        string
	Key       domain.StreamKey
	Source    string
	CreatedAt time.Time

	Status *status.Publisher

	// seekSeconds is the requested start offset; honored only on the
	// transcode path, where ffmpeg seeks before encoding.
	seekSeconds float64

	cancel context.CancelFunc

	ready chan struct{}
	once  sync.Once

	mu     sync.Mutex
	stream *Stream
	err    error

	actMu      sync.Mutex
	serving    int
	lastActive time.Time
}

// Touch records client activity for the abandonment sweeper.
func (w *Watcher) Touch() {
	w.actMu.Lock()
	w.lastActive = time.Now()
	w.actMu.Unlock()
}

// BeginServe marks a data or event connection open. A watcher with an
// open connection never idles out; EndServe re-arms the idle clock.
func (w *Watcher) BeginServe() {
	w.actMu.Lock()
	w.serving++
	w.lastActive = time.Now()
	w.actMu.Unlock()
}

func (w *Watcher) EndServe() {
	w.actMu.Lock()
	w.serving--
	w.lastActive = time.Now()
	w.actMu.Unlock()
}

// idleFor reports how long the watcher has gone untouched; ok is false
// while a connection is open.
func (w *Watcher) idleFor(now time.Time) (idle time.Duration, ok bool) {
	w.actMu.Lock()
	defer w.actMu.Unlock()
	if w.serving > 0 {
		return 0, false
	}
	return now.Sub(w.lastActive), true
}

// Stream is the playable result of a finished acquisition. Direct streams
// open a fresh seekable reader per request; transcoded streams expose the
// single forward-only tap of the shared ffmpeg session.
type Stream struct {
	Transcoded bool
	Size       int64
	FileName   string
	Profile    domain.CodecProfile

	// Tap is set for transcoded streams.
	Tap io.ReadCloser
	// OpenReader is set for direct streams.
	OpenReader func(ctx context.Context) (ports.StreamReader, error)
}

// finish records the acquisition outcome exactly once. The return value
// reports whether this call won; a loser must release whatever resources
// it carries since nothing else references them.
func (w *Watcher) finish(s *Stream, err error) bool {
	won := false
	w.once.Do(func() {
		w.mu.Lock()
		w.stream = s
		w.err = err
		w.mu.Unlock()
		close(w.ready)
		won = true
	})
	return won
}

// Ready blocks until the acquisition finished one way or the other.
func (w *Watcher) Ready(ctx context.Context) (*Stream, error) {
	select {
	case <-w.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stream, w.err
}

// Done reports whether acquisition has finished without blocking.
func (w *Watcher) Done() bool {
	select {
	case <-w.ready:
		return true
	default:
		return false
	}
}
