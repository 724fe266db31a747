// Package stream multiplexes any number of HTTP watchers onto shared
// swarm memberships and transcode sessions, and tears both down once the
// last watcher of a file has been gone longer than the idle grace.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"swarmstream/internal/codec"
	"swarmstream/internal/domain"
	"swarmstream/internal/domain/ports"
	"swarmstream/internal/metrics"
	"swarmstream/internal/status"
	"swarmstream/internal/transcode"
)

const (
	// probeReadahead is how much the swarm prefetches for the codec probe.
	probeReadahead = 8 << 20
	// headBufferBytes must be buffered before a direct stream turns ready.
	headBufferBytes = 256 << 10
)

type Config struct {
	MetadataTimeout time.Duration
	IdleGrace       time.Duration
	BufferTimeout   time.Duration
	// WatcherTTL bounds how long a watcher survives with no requests and
	// no open connection. Clients that vanish without a DELETE (crashed
	// tab, dropped network) are reaped by the sweeper after this long.
	WatcherTTL time.Duration
	Logger     *slog.Logger
}

// entry tracks one (infohash, fileIndex) with at least one live watcher or
// a pending idle teardown.
type entry struct {
	refs           int
	cleanup        *time.Timer
	pendingCleanup bool
}

// TranscodePool is the slice of the transcode pool the registry needs.
// Satisfied by *transcode.Pool.
type TranscodePool interface {
	Acquire(ctx context.Context, key domain.StreamKey, profile domain.CodecProfile, seekSeconds float64, openSource func() (io.ReadCloser, error)) (io.ReadCloser, error)
}

var _ TranscodePool = (*transcode.Pool)(nil)

type Registry struct {
	client ports.SwarmClient
	pool   TranscodePool
	prober ports.MediaProber // nil disables probing, filename rules still apply
	codecs *codec.Cache

	metadataTimeout time.Duration
	idleGrace       time.Duration
	bufferTimeout   time.Duration
	watcherTTL      time.Duration
	logger          *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	watchers map[string]*Watcher
	entries  map[domain.StreamKey]*entry
}

func NewRegistry(client ports.SwarmClient, pool TranscodePool, prober ports.MediaProber, cfg Config) *Registry {
	if cfg.MetadataTimeout <= 0 {
		cfg.MetadataTimeout = 60 * time.Second
	}
	if cfg.IdleGrace <= 0 {
		cfg.IdleGrace = 30 * time.Second
	}
	if cfg.BufferTimeout <= 0 {
		cfg.BufferTimeout = 45 * time.Second
	}
	if cfg.WatcherTTL <= 0 {
		cfg.WatcherTTL = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Registry{
		client:          client,
		pool:            pool,
		prober:          prober,
		codecs:          codec.NewCache(),
		metadataTimeout: cfg.MetadataTimeout,
		idleGrace:       cfg.IdleGrace,
		bufferTimeout:   cfg.BufferTimeout,
		watcherTTL:      cfg.WatcherTTL,
		logger:          cfg.Logger,
		stop:            make(chan struct{}),
		watchers:        make(map[string]*Watcher),
		entries:         make(map[domain.StreamKey]*entry),
	}
	go r.sweepLoop()
	return r
}

// sweepLoop reaps watchers whose client vanished without a DELETE. A
// closed tab or dropped network leaves no signal on the server side, so
// untouched watchers past the TTL are the only way to spot them.
func (r *Registry) sweepLoop() {
	interval := r.watcherTTL / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweepAbandoned(time.Now())
		}
	}
}

func (r *Registry) sweepAbandoned(now time.Time) {
	r.mu.Lock()
	var expired []string
	for id, w := range r.watchers {
		if idle, ok := w.idleFor(now); ok && idle >= r.watcherTTL {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.logger.Info("abandoned watcher reaped", slog.String("watcherId", id))
		r.Close(id)
	}
}

// Shutdown stops the background sweeper. Live watchers are left alone:
// the process is exiting and the swarm client teardown covers them.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Open registers a watcher for the file and starts acquisition in the
// background. The watcher's status feed reports progress; Ready blocks
// until the stream is playable. A malformed source fails synchronously.
func (r *Registry) Open(ctx context.Context, src string, fileIndex int) (*Watcher, error) {
	return r.OpenAt(ctx, src, fileIndex, 0)
}

// OpenAt is Open with a start offset. Seeking a transcoded stream means
// relaunching ffmpeg from the offset, so clients implement it by closing
// the old watcher and opening a new one here.
func (r *Registry) OpenAt(ctx context.Context, src string, fileIndex int, startSeconds float64) (*Watcher, error) {
	id, err := r.client.ParseSource(src)
	if err != nil {
		return nil, err
	}
	if fileIndex < 0 {
		return nil, fmt.Errorf("%w: negative file index", domain.ErrInvalidIdentifier)
	}
	if startSeconds < 0 {
		return nil, fmt.Errorf("%w: negative start offset", domain.ErrInvalidIdentifier)
	}
	key := domain.StreamKey{InfoHash: id, FileIndex: fileIndex}

	acqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &Watcher{
		ID:          uuid.NewString(),
		Key:         key,
		Source:      src,
		CreatedAt:   time.Now().UTC(),
		Status:      status.NewPublisher(),
		seekSeconds: startSeconds,
		cancel:      cancel,
		ready:       make(chan struct{}),
	}
	w.lastActive = w.CreatedAt

	r.mu.Lock()
	r.watchers[w.ID] = w
	r.retainLocked(key)
	r.mu.Unlock()
	metrics.ActiveWatchers.Set(float64(r.WatcherCount()))

	go r.acquire(acqCtx, w)
	return w, nil
}

// retainLocked bumps the entry refcount, cancelling a pending idle
// teardown. The timer callback re-checks refs under r.mu, so a reattach
// that lands here first always wins the race.
func (r *Registry) retainLocked(key domain.StreamKey) {
	e := r.entries[key]
	if e == nil {
		e = &entry{}
		r.entries[key] = e
	}
	e.refs++
	if e.cleanup != nil {
		e.cleanup.Stop()
		e.cleanup = nil
	}
	e.pendingCleanup = false
}

// Watcher returns a registered watcher by ID.
func (r *Registry) Watcher(id string) (*Watcher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.watchers[id]
	if !ok {
		return nil, fmt.Errorf("%w: watcher %s", domain.ErrNotFound, id)
	}
	return w, nil
}

// Close detaches a watcher. Idempotent: closing an unknown or already
// closed watcher is a no-op. The file's swarm resources survive for the
// idle grace so an immediate reattach is cheap.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	w, ok := r.watchers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.watchers, id)
	r.mu.Unlock()

	w.cancel()
	w.finish(nil, fmt.Errorf("%w: watcher closed", domain.ErrNotFound))
	w.Status.Close()

	w.mu.Lock()
	stream := w.stream
	w.mu.Unlock()
	if stream != nil && stream.Tap != nil {
		stream.Tap.Close()
	}

	r.releaseEntry(w.Key)
	metrics.ActiveWatchers.Set(float64(r.WatcherCount()))
	r.logger.Info("watcher closed",
		slog.String("watcherId", id),
		slog.String("infoHash", string(w.Key.InfoHash)),
		slog.Int("fileIndex", w.Key.FileIndex),
	)
}

func (r *Registry) releaseEntry(key domain.StreamKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[key]
	if e == nil {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	e.refs = 0
	e.pendingCleanup = true
	if e.cleanup != nil {
		e.cleanup.Stop()
	}
	e.cleanup = time.AfterFunc(r.idleGrace, func() {
		r.teardownIfIdle(key)
	})
}

// teardownIfIdle runs when the idle grace elapsed. Everything is
// re-checked under the lock: a watcher that attached meanwhile cleared
// pendingCleanup and the teardown becomes a no-op.
func (r *Registry) teardownIfIdle(key domain.StreamKey) {
	r.mu.Lock()
	e := r.entries[key]
	if e == nil || !e.pendingCleanup || e.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	r.codecs.Forget(key)
	lastOfSwarm := true
	for other := range r.entries {
		if other.InfoHash == key.InfoHash {
			lastOfSwarm = false
			break
		}
	}
	// The leave happens under the lock: a watcher reattaching right now
	// must wait until the membership is gone, otherwise its fresh join
	// would be dropped out from under it.
	var leaveErr error
	if lastOfSwarm {
		leaveErr = r.client.Leave(context.Background(), key.InfoHash)
	}
	r.mu.Unlock()

	metrics.IdleTeardownsTotal.Inc()
	r.logger.Info("idle stream torn down",
		slog.String("infoHash", string(key.InfoHash)),
		slog.Int("fileIndex", key.FileIndex),
		slog.Bool("leavingSwarm", lastOfSwarm),
	)
	if leaveErr != nil {
		r.logger.Warn("swarm leave failed",
			slog.String("infoHash", string(key.InfoHash)),
			slog.Any("error", leaveErr),
		)
	}
}

// Pinned reports whether any watcher entry holds the swarm. Used by the
// metadata resolver to decide whether its short-lived join may be dropped.
func (r *Registry) Pinned(id domain.InfoHash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.entries {
		if key.InfoHash == id && e.refs > 0 {
			return true
		}
	}
	return false
}

func (r *Registry) WatcherCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watchers)
}

// acquire walks the watcher through the acquisition stages and finishes
// it with a playable stream or an error.
func (r *Registry) acquire(ctx context.Context, w *Watcher) {
	w.Status.Advance(domain.StageConnecting, "joining swarm")

	sw, err := r.client.Join(ctx, w.Source)
	if err != nil {
		r.fail(w, err)
		return
	}

	info := sw.Info()
	if !info.MetadataReady {
		w.Status.Advance(domain.StageSearchingPeers, "discovering peers")
	}

	stop := r.pumpProgress(ctx, w, sw)
	defer stop()

	w.Status.Advance(domain.StageDownloadingMetadata, "downloading metadata")
	mdCtx, cancel := context.WithTimeout(ctx, r.metadataTimeout)
	err = sw.AwaitMetadata(mdCtx)
	cancel()
	if err != nil {
		r.fail(w, err)
		return
	}

	file, err := sw.SelectFile(w.Key.FileIndex)
	if err != nil {
		r.fail(w, err)
		return
	}

	w.Status.Advance(domain.StageBuffering, "buffering "+file.Path)
	applyStartupPriority(sw, file)

	profile := r.classify(ctx, w.Key, sw, file)

	var stream *Stream
	if profile.NeedsTranscoding() {
		stream, err = r.prepareTranscode(ctx, w, sw, file, profile)
	} else {
		stream, err = r.prepareDirect(ctx, sw, file, profile)
	}
	if err != nil {
		r.fail(w, err)
		return
	}

	if !w.finish(stream, nil) {
		// The watcher was closed while we were finishing up.
		if stream.Tap != nil {
			stream.Tap.Close()
		}
		return
	}

	mode := "direct"
	if stream.Transcoded {
		mode = "transcode"
	}
	metrics.StreamOpensTotal.WithLabelValues(mode).Inc()
	w.Status.Advance(domain.StageReady, "stream ready")
	r.logger.Info("stream ready",
		slog.String("watcherId", w.ID),
		slog.String("file", file.Path),
		slog.String("mode", mode),
		slog.String("codecSource", string(profile.Source)),
	)
}

func (r *Registry) fail(w *Watcher, err error) {
	if errors.Is(err, context.Canceled) {
		// Watcher was closed mid-acquisition; nothing to report.
		w.finish(nil, err)
		return
	}
	w.Status.Fail(err)
	w.finish(nil, err)
	r.logger.Warn("stream acquisition failed",
		slog.String("watcherId", w.ID),
		slog.String("infoHash", string(w.Key.InfoHash)),
		slog.Any("error", err),
	)
}

// pumpProgress feeds swarm counters into the status feed until the
// acquisition finishes.
func (r *Registry) pumpProgress(ctx context.Context, w *Watcher, sw ports.Swarm) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				info := sw.Info()
				var progress float64
				if file, err := sw.SelectFile(w.Key.FileIndex); err == nil && file.Length > 0 {
					progress = float64(file.BytesCompleted) / float64(file.Length)
				}
				w.Status.Progress(info, progress)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// classify resolves the codec profile: cache, then probe, then filename.
func (r *Registry) classify(ctx context.Context, key domain.StreamKey, sw ports.Swarm, file domain.FileRef) domain.CodecProfile {
	if profile, ok := r.codecs.Lookup(key); ok {
		return profile
	}

	var probe *domain.MediaInfo
	if r.prober != nil {
		if info, err := r.probeFile(ctx, sw, file); err == nil {
			probe = &info
		} else {
			r.logger.Debug("probe failed, falling back to filename",
				slog.String("file", file.Path),
				slog.Any("error", err),
			)
		}
	}
	return r.codecs.Classify(key, file.Path, probe)
}

func (r *Registry) probeFile(ctx context.Context, sw ports.Swarm, file domain.FileRef) (domain.MediaInfo, error) {
	reader, err := sw.NewReader(file)
	if err != nil {
		return domain.MediaInfo{}, err
	}
	defer reader.Close()
	reader.SetContext(ctx)
	reader.SetReadahead(probeReadahead)
	return r.prober.Probe(ctx, reader)
}

func (r *Registry) prepareDirect(ctx context.Context, sw ports.Swarm, file domain.FileRef, profile domain.CodecProfile) (*Stream, error) {
	// Pull the head of the file through before declaring the stream
	// ready, so the player's first request is served from local pieces.
	bufCtx, cancel := context.WithTimeout(ctx, r.bufferTimeout)
	defer cancel()
	if err := r.bufferHead(bufCtx, sw, file); err != nil {
		return nil, err
	}

	return &Stream{
		Size:     file.Length,
		FileName: file.Path,
		Profile:  profile,
		OpenReader: func(readCtx context.Context) (ports.StreamReader, error) {
			reader, err := sw.NewReader(file)
			if err != nil {
				return nil, err
			}
			reader.SetContext(readCtx)
			reader.SetResponsive()
			return reader, nil
		},
	}, nil
}

func (r *Registry) bufferHead(ctx context.Context, sw ports.Swarm, file domain.FileRef) error {
	reader, err := sw.NewReader(file)
	if err != nil {
		return err
	}
	defer reader.Close()
	reader.SetContext(ctx)
	reader.SetResponsive()

	want := min64(headBufferBytes, file.Length)
	if _, err := io.CopyN(io.Discard, reader, want); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: buffering %s", domain.ErrSwarmTimeout, file.Path)
		}
		return err
	}
	return nil
}

func (r *Registry) prepareTranscode(ctx context.Context, w *Watcher, sw ports.Swarm, file domain.FileRef, profile domain.CodecProfile) (*Stream, error) {
	tap, err := r.pool.Acquire(ctx, w.Key, profile, w.seekSeconds, func() (io.ReadCloser, error) {
		reader, err := sw.NewReader(file)
		if err != nil {
			return nil, err
		}
		reader.SetContext(context.WithoutCancel(ctx))
		reader.SetResponsive()
		return reader, nil
	})
	if err != nil {
		return nil, err
	}
	return &Stream{
		Transcoded: true,
		FileName:   file.Path,
		Profile:    profile,
		Tap:        tap,
	}, nil
}

// DiagnosticsEntry is the per-file view in the diagnostics report.
type DiagnosticsEntry struct {
	InfoHash       domain.InfoHash `json:"infoHash"`
	FileIndex      int             `json:"fileIndex"`
	Watchers       int             `json:"watchers"`
	PendingCleanup bool            `json:"pendingCleanup"`
}

func (r *Registry) Entries() []DiagnosticsEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DiagnosticsEntry, 0, len(r.entries))
	for key, e := range r.entries {
		out = append(out, DiagnosticsEntry{
			InfoHash:       key.InfoHash,
			FileIndex:      key.FileIndex,
			Watchers:       e.refs,
			PendingCleanup: e.pendingCleanup,
		})
	}
	return out
}
