package transcode

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"swarmstream/internal/domain"
)

var (
	keyA = domain.StreamKey{InfoHash: "08ada5a7a6183aae1e09d831df6748d566095a10", FileIndex: 0}
	keyB = domain.StreamKey{InfoHash: "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c", FileIndex: 2}
)

type fakeProc struct {
	pr   *io.PipeReader
	pw   *io.PipeWriter
	done chan struct{}

	mu   sync.Mutex
	exit error
}

func (f *fakeProc) exitErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exit
}

func (f *fakeProc) kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
	default:
		f.pw.Close()
		close(f.done)
	}
}

func (f *fakeProc) crash(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
	default:
		f.exit = err
		f.pw.Close()
		close(f.done)
	}
}

// fakeTranscoder stands in for ffmpeg: each launch gets a pipe the test
// script writes to.
type fakeTranscoder struct {
	mu       sync.Mutex
	launches int
	procs    []*fakeProc
	script   func(*fakeProc)
}

func (ft *fakeTranscoder) launch(ctx context.Context, cfg ArgConfig, source io.Reader, path string) (*launchedProc, error) {
	pr, pw := io.Pipe()
	fp := &fakeProc{pr: pr, pw: pw, done: make(chan struct{})}

	ft.mu.Lock()
	ft.launches++
	pid := ft.launches
	ft.procs = append(ft.procs, fp)
	script := ft.script
	ft.mu.Unlock()

	if script != nil {
		go script(fp)
	}
	return &launchedProc{
		out:  pr,
		done: fp.done,
		err:  fp.exitErr,
		diag: func() string { return "" },
		kill: fp.kill,
		pid:  pid,
	}, nil
}

func (ft *fakeTranscoder) launchCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.launches
}

func (ft *fakeTranscoder) proc(i int) *fakeProc {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.procs[i]
}

// steadyWriter keeps emitting output until the process is stopped.
func steadyWriter(fp *fakeProc) {
	buf := []byte("fragmented-mp4-bytes")
	for {
		if _, err := fp.pw.Write(buf); err != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testPool(t *testing.T, ft *fakeTranscoder, cfg Config) *Pool {
	t.Helper()
	p := NewPool(cfg)
	p.launch = ft.launch
	t.Cleanup(p.Shutdown)
	return p
}

func nopSource() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("source")), nil
}

func mustRead(t *testing.T, r io.Reader) {
	t.Helper()
	buf := make([]byte, 64)
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestAcquireSharesOneProcessPerFile(t *testing.T) {
	ft := &fakeTranscoder{script: steadyWriter}
	p := testPool(t, ft, Config{MaxProcs: 2})

	tap1, err := p.Acquire(context.Background(), keyA, domain.CodecProfile{AudioTranscode: true}, 0, nopSource)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer tap1.Close()

	tap2, err := p.Acquire(context.Background(), keyA, domain.CodecProfile{AudioTranscode: true}, 0, nopSource)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	defer tap2.Close()

	if got := ft.launchCount(); got != 1 {
		t.Fatalf("launches = %d, want one shared process", got)
	}
	mustRead(t, tap1)
	mustRead(t, tap2)

	if p.ActiveProcesses() != 1 {
		t.Errorf("ActiveProcesses = %d, want 1", p.ActiveProcesses())
	}
}

func TestConcurrentAcquireSharesOneLaunch(t *testing.T) {
	ft := &fakeTranscoder{script: steadyWriter}
	p := testPool(t, ft, Config{MaxProcs: 2})

	// Gate the source open so both acquirers are past the session lookup
	// before the first launch can finish.
	gate := make(chan struct{})
	gatedSource := func() (io.ReadCloser, error) {
		<-gate
		return io.NopCloser(strings.NewReader("source")), nil
	}

	taps := make(chan io.ReadCloser, 2)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			tap, err := p.Acquire(context.Background(), keyA, domain.CodecProfile{AudioTranscode: true}, 0, gatedSource)
			if err == nil {
				taps <- tap
			}
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		tap := <-taps
		mustRead(t, tap)
		tap.Close()
	}
	if got := ft.launchCount(); got != 1 {
		t.Fatalf("launches = %d, want one process for one file", got)
	}
}

func TestAcquirePoolExhausted(t *testing.T) {
	ft := &fakeTranscoder{script: steadyWriter}
	p := testPool(t, ft, Config{MaxProcs: 1, AcquireTimeout: 50 * time.Millisecond})

	tap, err := p.Acquire(context.Background(), keyA, domain.CodecProfile{AudioTranscode: true}, 0, nopSource)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer tap.Close()

	_, err = p.Acquire(context.Background(), keyB, domain.CodecProfile{AudioTranscode: true}, 0, nopSource)
	if !errors.Is(err, domain.ErrPoolExhausted) {
		t.Fatalf("error = %v, want ErrPoolExhausted", err)
	}
}

func TestCrashPropagatesToAllWatchers(t *testing.T) {
	ft := &fakeTranscoder{script: steadyWriter}
	p := testPool(t, ft, Config{MaxProcs: 1})

	tap1, err := p.Acquire(context.Background(), keyA, domain.CodecProfile{AudioTranscode: true}, 0, nopSource)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	tap2, err := p.Acquire(context.Background(), keyA, domain.CodecProfile{AudioTranscode: true}, 0, nopSource)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ft.proc(0).crash(errors.New("exit status 1"))

	for i, tap := range []io.ReadCloser{tap1, tap2} {
		var readErr error
		buf := make([]byte, 1024)
		deadline := time.After(2 * time.Second)
		for readErr == nil {
			select {
			case <-deadline:
				t.Fatalf("tap %d: no error after crash", i+1)
			default:
			}
			_, readErr = tap.Read(buf)
		}
		if !errors.Is(readErr, domain.ErrTranscodeFailed) {
			t.Errorf("tap %d error = %v, want ErrTranscodeFailed", i+1, readErr)
		}
	}
}

func TestReleaseGraceKeepsSessionForReattach(t *testing.T) {
	ft := &fakeTranscoder{script: steadyWriter}
	p := testPool(t, ft, Config{MaxProcs: 1, ReleaseGrace: 200 * time.Millisecond})

	tap, err := p.Acquire(context.Background(), keyA, domain.CodecProfile{AudioTranscode: true}, 0, nopSource)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	tap.Close()

	// Reattach inside the grace window: same process.
	tap2, err := p.Acquire(context.Background(), keyA, domain.CodecProfile{AudioTranscode: true}, 0, nopSource)
	if err != nil {
		t.Fatalf("reattach Acquire: %v", err)
	}
	if got := ft.launchCount(); got != 1 {
		t.Fatalf("launches = %d, reattach within grace must reuse the process", got)
	}
	tap2.Close()

	// Let the grace expire; the process must be reaped and the slot freed.
	deadline := time.Now().Add(2 * time.Second)
	for p.ActiveProcesses() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not reaped after release grace")
		}
		time.Sleep(10 * time.Millisecond)
	}

	tap3, err := p.Acquire(context.Background(), keyA, domain.CodecProfile{AudioTranscode: true}, 0, nopSource)
	if err != nil {
		t.Fatalf("Acquire after reap: %v", err)
	}
	defer tap3.Close()
	if got := ft.launchCount(); got != 2 {
		t.Errorf("launches = %d, want a fresh process after the grace expired", got)
	}
}

func TestStartupTimeout(t *testing.T) {
	// A transcoder that never emits output.
	ft := &fakeTranscoder{script: nil}
	p := testPool(t, ft, Config{MaxProcs: 1, StartupTimeout: 50 * time.Millisecond})

	_, err := p.Acquire(context.Background(), keyA, domain.CodecProfile{AudioTranscode: true}, 0, nopSource)
	if !errors.Is(err, domain.ErrTranscodeFailed) {
		t.Fatalf("error = %v, want ErrTranscodeFailed", err)
	}

	// The slot must be released so the next file can start.
	deadline := time.Now().Add(2 * time.Second)
	for {
		ft.mu.Lock()
		ft.script = steadyWriter
		ft.mu.Unlock()
		tap, err := p.Acquire(context.Background(), keyB, domain.CodecProfile{AudioTranscode: true}, 0, nopSource)
		if err == nil {
			tap.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot never freed after startup failure: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBuildArgs(t *testing.T) {
	args := buildArgs(ArgConfig{
		Profile: domain.CodecProfile{AudioTranscode: true},
	})

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-c:v copy") {
		t.Error("compatible video must be stream-copied")
	}
	if !strings.Contains(joined, "-c:a aac") {
		t.Error("incompatible audio must be re-encoded to aac")
	}
	if !strings.Contains(joined, "-f mp4 pipe:1") {
		t.Error("output must be mp4 on stdout")
	}
	if strings.Contains(joined, "-ss ") {
		t.Error("no seek requested")
	}

	args = buildArgs(ArgConfig{
		Profile:     domain.CodecProfile{VideoTranscode: true, AudioTranscode: true},
		SeekSeconds: 93.5,
		CRF:         20,
		Preset:      "fast",
	})
	joined = strings.Join(args, " ")
	if !strings.Contains(joined, "-c:v libx264") {
		t.Error("incompatible video must be re-encoded")
	}
	if !strings.Contains(joined, "-ss 93.500") {
		t.Error("seek offset missing")
	}
	if !strings.Contains(joined, "-preset fast") || !strings.Contains(joined, "-crf 20") {
		t.Error("encoder tuning missing")
	}
}
