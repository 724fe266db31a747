package transcode

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"swarmstream/internal/domain"
)

const (
	// readChunkSize is the unit the pump copies from ffmpeg stdout.
	readChunkSize = 256 << 10
	// tapChanDepth bounds per-watcher buffering: depth * chunk = 16 MB.
	tapChanDepth = 64
	// tapWriteTimeout is how long a stalled watcher may block the pump
	// before it is dropped so the other watchers keep playing.
	tapWriteTimeout = 10 * time.Second
)

// Session is one live ffmpeg process shared by every watcher of the same
// (infohash, fileIndex). Output is fan-out only: a watcher attaching
// mid-stream starts receiving from the current process position.
type Session struct {
	key       domain.StreamKey
	pool      *Pool
	proc      *launchedProc
	source    io.Closer
	startedAt time.Time

	mu    sync.Mutex
	taps  map[*Tap]struct{}
	refs  int
	grace *time.Timer
	// closed marks a deliberate teardown so the pump does not report the
	// resulting ffmpeg exit as a crash.
	closed  bool
	failure error

	firstByte     chan struct{}
	firstByteOnce sync.Once
}

func (s *Session) Key() domain.StreamKey { return s.key }
func (s *Session) StartedAt() time.Time  { return s.startedAt }

// WaitReady blocks until ffmpeg produced its first output byte, the
// process died, or the context ended.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.firstByte:
		return nil
	case <-s.proc.done:
		return s.exitFailure()
	case <-ctx.Done():
		return fmt.Errorf("%w: no output before deadline", domain.ErrTranscodeFailed)
	}
}

func (s *Session) exitFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	diag := s.proc.diag()
	if diag != "" {
		return fmt.Errorf("%w: %s", domain.ErrTranscodeFailed, diag)
	}
	return domain.ErrTranscodeFailed
}

// attach registers a new tap. Called by the pool with its own bookkeeping
// already done; cancels a pending release grace timer.
func (s *Session) attach() (*Tap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	if s.closed {
		return nil, fmt.Errorf("%w: session closed", domain.ErrTranscodeFailed)
	}
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	t := &Tap{
		session: s,
		ch:      make(chan []byte, tapChanDepth),
		closed:  make(chan struct{}),
	}
	s.taps[t] = struct{}{}
	s.refs++
	return t, nil
}

// detach removes a tap. When the last one goes, the session lingers for
// the release grace period so a reconnecting player reuses the process.
func (s *Session) detach(t *Tap) {
	s.mu.Lock()
	if _, ok := s.taps[t]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.taps, t)
	s.refs--
	t.closeOnce.Do(func() { close(t.closed) })
	idle := s.refs == 0 && !s.closed && s.failure == nil
	if idle {
		if s.grace != nil {
			s.grace.Stop()
		}
		s.grace = time.AfterFunc(s.pool.releaseGrace, func() {
			s.pool.reapIfIdle(s)
		})
	}
	s.mu.Unlock()
}

// pump moves ffmpeg stdout to every attached tap until the stream ends,
// then reports either a clean finish or a crash to all of them.
func (s *Session) pump() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.proc.out.Read(buf)
		if n > 0 {
			s.firstByteOnce.Do(func() { close(s.firstByte) })
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.broadcast(chunk)
		}
		if err != nil {
			break
		}
	}

	<-s.proc.done

	s.mu.Lock()
	deliberate := s.closed
	s.mu.Unlock()

	if exit := s.proc.err(); exit != nil && !deliberate {
		diag := s.proc.diag()
		if diag != "" {
			s.fail(fmt.Errorf("%w: %s", domain.ErrTranscodeFailed, diag))
		} else {
			s.fail(fmt.Errorf("%w: %v", domain.ErrTranscodeFailed, exit))
		}
	} else {
		s.finish()
	}
	s.pool.remove(s)
}

func (s *Session) broadcast(chunk []byte) {
	s.mu.Lock()
	taps := make([]*Tap, 0, len(s.taps))
	for t := range s.taps {
		taps = append(taps, t)
	}
	s.mu.Unlock()

	for _, t := range taps {
		select {
		case t.ch <- chunk:
		case <-t.closed:
		default:
			// Tap buffer full: give the watcher a bounded stall, then
			// drop only that watcher.
			select {
			case t.ch <- chunk:
			case <-t.closed:
			case <-time.After(tapWriteTimeout):
				t.terminate(fmt.Errorf("%w: consumer stalled", domain.ErrTranscodeFailed))
				s.detach(t)
			}
		}
	}
}

// fail fans the error out to every attached tap. Each pending chunk is
// still delivered before the tap surfaces the error.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	taps := make([]*Tap, 0, len(s.taps))
	for t := range s.taps {
		taps = append(taps, t)
		delete(s.taps, t)
	}
	s.refs = 0
	s.mu.Unlock()

	for _, t := range taps {
		t.terminate(err)
	}
}

func (s *Session) finish() {
	s.mu.Lock()
	taps := make([]*Tap, 0, len(s.taps))
	for t := range s.taps {
		taps = append(taps, t)
		delete(s.taps, t)
	}
	s.refs = 0
	s.mu.Unlock()

	for _, t := range taps {
		t.terminate(io.EOF)
	}
}

// Tap is one watcher's read end of a shared transcode session.
type Tap struct {
	session *Session
	ch      chan []byte
	buf     []byte

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	closed    chan struct{}
}

func (t *Tap) Read(p []byte) (int, error) {
	for len(t.buf) == 0 {
		select {
		case chunk := <-t.ch:
			t.buf = chunk
		case <-t.closed:
			// Drain anything broadcast before closure.
			select {
			case chunk := <-t.ch:
				t.buf = chunk
			default:
				return 0, t.readErr()
			}
		}
	}
	n := copy(p, t.buf)
	t.buf = t.buf[n:]
	return n, nil
}

func (t *Tap) readErr() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.err != nil {
		return t.err
	}
	return io.EOF
}

func (t *Tap) terminate(err error) {
	t.errMu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.errMu.Unlock()
	t.closeOnce.Do(func() { close(t.closed) })
}

// Close detaches the tap from its session. Idempotent.
func (t *Tap) Close() error {
	t.session.detach(t)
	return nil
}

var _ io.ReadCloser = (*Tap)(nil)
