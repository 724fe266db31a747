package transcode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"swarmstream/internal/domain"
	"swarmstream/internal/metrics"
)

const (
	DefaultMaxProcs       = 4
	DefaultAcquireTimeout = 5 * time.Second
	DefaultStartupTimeout = 45 * time.Second
	DefaultReleaseGrace   = 10 * time.Second
	DefaultMaxRuntime     = 4 * time.Hour
)

type Config struct {
	FFmpegPath     string
	MaxProcs       int
	AcquireTimeout time.Duration // max wait for a free slot before ErrPoolExhausted
	StartupTimeout time.Duration // max wait for the first ffmpeg output byte
	ReleaseGrace   time.Duration // how long a refless session survives
	MaxRuntime     time.Duration // hard per-process runtime ceiling
	Preset         string
	CRF            int
	AudioBitrate   string
	Logger         *slog.Logger
}

// launchedProc abstracts a started transcoder so the pool logic can be
// tested without an ffmpeg binary.
type launchedProc struct {
	out  io.ReadCloser
	done <-chan struct{}
	err  func() error
	diag func() string
	kill func()
	pid  int
}

type launcher func(ctx context.Context, cfg ArgConfig, source io.Reader, ffmpegPath string) (*launchedProc, error)

func launchFFmpeg(ctx context.Context, cfg ArgConfig, source io.Reader, ffmpegPath string) (*launchedProc, error) {
	proc := newProcess(ctx, ffmpegPath, buildArgs(cfg), source)
	if err := proc.start(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTranscodeFailed, err)
	}
	return &launchedProc{
		out:  proc.stdout,
		done: proc.doneCh(),
		err:  proc.exitErr,
		diag: proc.stderr,
		kill: proc.stop,
		pid:  proc.pid(),
	}, nil
}

// Pool runs at most MaxProcs concurrent transcode processes, one per
// (infohash, fileIndex). Watchers of the same file share a session.
type Pool struct {
	ffmpegPath     string
	acquireTimeout time.Duration
	startupTimeout time.Duration
	releaseGrace   time.Duration
	maxRuntime     time.Duration
	preset         string
	crf            int
	audioBitrate   string
	logger         *slog.Logger
	launch         launcher

	slots chan struct{}

	mu       sync.Mutex
	sessions map[domain.StreamKey]*Session
	// starting reserves keys whose launch is in flight, so a concurrent
	// Acquire for the same file waits and attaches instead of starting a
	// second process.
	starting map[domain.StreamKey]chan struct{}
	shutdown bool
}

func NewPool(cfg Config) *Pool {
	if cfg.MaxProcs <= 0 {
		cfg.MaxProcs = DefaultMaxProcs
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.ReleaseGrace <= 0 {
		cfg.ReleaseGrace = DefaultReleaseGrace
	}
	if cfg.MaxRuntime <= 0 {
		cfg.MaxRuntime = DefaultMaxRuntime
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		ffmpegPath:     cfg.FFmpegPath,
		acquireTimeout: cfg.AcquireTimeout,
		startupTimeout: cfg.StartupTimeout,
		releaseGrace:   cfg.ReleaseGrace,
		maxRuntime:     cfg.MaxRuntime,
		preset:         cfg.Preset,
		crf:            cfg.CRF,
		audioBitrate:   cfg.AudioBitrate,
		logger:         cfg.Logger,
		launch:         launchFFmpeg,
		slots:          make(chan struct{}, cfg.MaxProcs),
		sessions:       make(map[domain.StreamKey]*Session),
		starting:       make(map[domain.StreamKey]chan struct{}),
	}
}

// Acquire attaches the caller to the file's transcode session, starting
// one if needed. openSource is only invoked when a new process starts; an
// attach to a running session never touches the swarm. When every slot is
// busy the call queues for acquireTimeout, then fails with
// ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, key domain.StreamKey, profile domain.CodecProfile, seekSeconds float64, openSource func() (io.ReadCloser, error)) (io.ReadCloser, error) {
	if tap, ok, err := p.tryAttach(key); ok {
		if err != nil {
			return nil, err
		}
		return tap, nil
	}

	select {
	case p.slots <- struct{}{}:
	case <-time.After(p.acquireTimeout):
		metrics.TranscodePoolExhausted.Inc()
		return nil, fmt.Errorf("%w: %d processes busy", domain.ErrPoolExhausted, cap(p.slots))
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// A session for the key may have appeared while we queued.
	if tap, ok, err := p.tryAttach(key); ok {
		p.freeSlot()
		if err != nil {
			return nil, err
		}
		return tap, nil
	}

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		p.freeSlot()
		return nil, fmt.Errorf("%w: pool shut down", domain.ErrTranscodeFailed)
	}
	if ch, ok := p.starting[key]; ok {
		p.mu.Unlock()
		p.freeSlot()
		return p.awaitStart(ctx, key, ch)
	}
	ch := make(chan struct{})
	p.starting[key] = ch
	p.mu.Unlock()

	// Slot ownership passes to startSession: it releases on failure,
	// either directly or through the session pump.
	tap, err := p.startSession(ctx, key, profile, seekSeconds, openSource)
	if err != nil {
		return nil, err
	}
	return tap, nil
}

// awaitStart blocks until the in-flight launch for the key settles, then
// attaches to whatever session it produced.
func (p *Pool) awaitStart(ctx context.Context, key domain.StreamKey, ch <-chan struct{}) (*Tap, error) {
	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	tap, ok, err := p.tryAttach(key)
	if !ok {
		return nil, fmt.Errorf("%w: concurrent start failed", domain.ErrTranscodeFailed)
	}
	if err != nil {
		return nil, err
	}
	return tap, nil
}

// clearStarting releases the launch reservation, waking concurrent
// acquirers queued on it.
func (p *Pool) clearStarting(key domain.StreamKey) {
	p.mu.Lock()
	if ch, ok := p.starting[key]; ok {
		delete(p.starting, key)
		close(ch)
	}
	p.mu.Unlock()
}

// tryAttach joins an existing healthy session. The bool reports whether a
// session existed; a failed session yields (nil, true, err) so the caller
// does not start a second process for a file that just crashed.
func (p *Pool) tryAttach(key domain.StreamKey) (*Tap, bool, error) {
	p.mu.Lock()
	s := p.sessions[key]
	p.mu.Unlock()
	if s == nil {
		return nil, false, nil
	}
	tap, err := s.attach()
	if err != nil {
		return nil, true, err
	}
	return tap, true, nil
}

func (p *Pool) startSession(ctx context.Context, key domain.StreamKey, profile domain.CodecProfile, seekSeconds float64, openSource func() (io.ReadCloser, error)) (*Tap, error) {
	source, err := openSource()
	if err != nil {
		p.clearStarting(key)
		p.freeSlot()
		return nil, err
	}

	argCfg := ArgConfig{
		Profile:      profile,
		SeekSeconds:  seekSeconds,
		Preset:       p.preset,
		CRF:          p.crf,
		AudioBitrate: p.audioBitrate,
	}
	// The session must outlive the request that started it: later
	// watchers attach to the same process.
	proc, err := p.launch(context.WithoutCancel(ctx), argCfg, source, p.ffmpegPath)
	if err != nil {
		source.Close()
		p.clearStarting(key)
		p.freeSlot()
		return nil, err
	}

	s := &Session{
		key:       key,
		pool:      p,
		proc:      proc,
		source:    source,
		startedAt: time.Now().UTC(),
		taps:      make(map[*Tap]struct{}),
		firstByte: make(chan struct{}),
	}
	tap, _ := s.attach()

	p.mu.Lock()
	p.sessions[key] = s
	if ch, ok := p.starting[key]; ok {
		delete(p.starting, key)
		close(ch)
	}
	p.mu.Unlock()

	metrics.TranscodeStartsTotal.Inc()
	metrics.TranscodeActiveProcesses.Set(float64(p.ActiveProcesses()))
	p.logger.Info("transcode session started",
		slog.String("infoHash", string(key.InfoHash)),
		slog.Int("fileIndex", key.FileIndex),
		slog.Int("pid", proc.pid),
		slog.Bool("videoTranscode", profile.VideoTranscode),
		slog.Bool("audioTranscode", profile.AudioTranscode),
	)

	// From here the pump owns the slot; remove() releases it on exit.
	go s.pump()
	if p.maxRuntime > 0 {
		time.AfterFunc(p.maxRuntime, func() { p.enforceRuntimeCeiling(s) })
	}

	startCtx, cancel := context.WithTimeout(ctx, p.startupTimeout)
	defer cancel()
	if err := s.WaitReady(startCtx); err != nil {
		tap.Close()
		p.destroy(s)
		return nil, err
	}
	return tap, nil
}

// reapIfIdle destroys a session whose release grace expired with no taps
// attached. A watcher that re-attached in the meantime wins the race: the
// attach cancelled the timer under the session lock.
func (p *Pool) reapIfIdle(s *Session) {
	s.mu.Lock()
	idle := s.refs == 0 && !s.closed
	if idle {
		s.closed = true
	}
	s.mu.Unlock()
	if !idle {
		return
	}
	p.logger.Info("transcode session idle, stopping",
		slog.String("infoHash", string(s.key.InfoHash)),
		slog.Int("fileIndex", s.key.FileIndex),
	)
	s.proc.kill()
	s.source.Close()
}

// destroy tears a session down immediately regardless of refs.
func (p *Pool) destroy(s *Session) {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		return
	}
	s.proc.kill()
	s.source.Close()
}

func (p *Pool) enforceRuntimeCeiling(s *Session) {
	s.mu.Lock()
	running := !s.closed && s.failure == nil
	s.mu.Unlock()
	if !running {
		return
	}
	p.logger.Warn("transcode session hit runtime ceiling",
		slog.String("infoHash", string(s.key.InfoHash)),
		slog.Int("fileIndex", s.key.FileIndex),
		slog.Duration("maxRuntime", p.maxRuntime),
	)
	s.fail(fmt.Errorf("%w: runtime ceiling %s exceeded", domain.ErrTranscodeFailed, p.maxRuntime))
	s.proc.kill()
	s.source.Close()
}

// remove is called by the pump after the process exited and the taps were
// notified. It releases the slot exactly once per session.
func (p *Pool) remove(s *Session) {
	p.mu.Lock()
	if p.sessions[s.key] == s {
		delete(p.sessions, s.key)
	}
	p.mu.Unlock()

	s.mu.Lock()
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	failed := s.failure != nil
	s.mu.Unlock()

	s.source.Close()
	p.freeSlot()
	if failed {
		metrics.TranscodeFailuresTotal.Inc()
	}
	metrics.TranscodeActiveProcesses.Set(float64(p.ActiveProcesses()))
}

func (p *Pool) freeSlot() {
	select {
	case <-p.slots:
	default:
	}
}

func (p *Pool) ActiveProcesses() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// ProcessInfo is one row of the diagnostics process table.
type ProcessInfo struct {
	InfoHash  domain.InfoHash `json:"infoHash"`
	FileIndex int             `json:"fileIndex"`
	PID       int             `json:"pid,omitempty"`
	Watchers  int             `json:"watchers"`
	StartedAt time.Time       `json:"startedAt"`
	Runtime   string          `json:"runtime"`
}

func (p *Pool) Snapshot() []ProcessInfo {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	now := time.Now().UTC()
	infos := make([]ProcessInfo, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		refs := s.refs
		s.mu.Unlock()
		infos = append(infos, ProcessInfo{
			InfoHash:  s.key.InfoHash,
			FileIndex: s.key.FileIndex,
			PID:       s.proc.pid,
			Watchers:  refs,
			StartedAt: s.startedAt,
			Runtime:   now.Sub(s.startedAt).Round(time.Second).String(),
		})
	}
	return infos
}

// Shutdown kills every session. Attached taps see end of stream.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		p.destroy(s)
	}
}
