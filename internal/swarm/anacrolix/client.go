package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"

	"swarmstream/internal/domain"
	"swarmstream/internal/domain/ports"
)

// addTimeout caps the time we wait for the anacrolix client to accept a
// magnet. AddMagnet can block on an internal client mutex when the client
// is busy resolving metadata for another swarm.
const addTimeout = 10 * time.Second

const defaultMaxConns = 35

type Config struct {
	DataDir  string
	MaxConns int // per-swarm established connection cap; 0 = defaultMaxConns
}

// Client manages at most one live torrent per infohash. All swarm sharing
// and refcounting happens above it; Leave unconditionally drops the swarm.
type Client struct {
	client   *torrent.Client
	maxConns int

	mu     sync.RWMutex
	swarms map[domain.InfoHash]*torrent.Torrent

	speedMu sync.Mutex
	speeds  map[domain.InfoHash]speedSample
}

func New(cfg Config) (*Client, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		clientConfig.DataDir = cfg.DataDir
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, cfg.MaxConns), nil
}

func NewWithClient(client *torrent.Client, maxConns int) *Client {
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	return &Client{
		client:   client,
		maxConns: maxConns,
		swarms:   make(map[domain.InfoHash]*torrent.Torrent),
		speeds:   make(map[domain.InfoHash]speedSample),
	}
}

// ParseSource normalizes a magnet URI or bare hex infohash to the canonical
// infohash. Anything else is rejected before touching the network.
func ParseSource(src string) (domain.InfoHash, error) {
	src = strings.TrimSpace(src)
	if strings.HasPrefix(src, "magnet:") {
		m, err := metainfo.ParseMagnetUri(src)
		if err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrInvalidIdentifier, err)
		}
		return domain.InfoHash(m.InfoHash.HexString()), nil
	}
	if len(src) == 40 {
		var h metainfo.Hash
		if err := h.FromHexString(strings.ToLower(src)); err == nil {
			return domain.InfoHash(h.HexString()), nil
		}
	}
	return "", fmt.Errorf("%w: %q", domain.ErrInvalidIdentifier, src)
}

func (c *Client) ParseSource(src string) (domain.InfoHash, error) {
	return ParseSource(src)
}

func (c *Client) Join(ctx context.Context, src string) (ports.Swarm, error) {
	if c.client == nil {
		return nil, errors.New("torrent client not configured")
	}

	id, err := ParseSource(src)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	existing := c.swarms[id]
	c.mu.RUnlock()
	if existing != nil && !torrentClosed(existing) {
		return &swarm{client: c, torrent: existing, id: id}, nil
	}

	t, err := c.addTorrent(ctx, src, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if prev, ok := c.swarms[id]; ok && !torrentClosed(prev) {
		// Lost the race to another join; the anacrolix client already
		// deduplicated by infohash, so t and prev are the same torrent.
		t = prev
	} else {
		c.swarms[id] = t
	}
	c.mu.Unlock()

	t.SetMaxEstablishedConns(c.maxConns)
	t.AllowDataDownload()
	t.AllowDataUpload()

	return &swarm{client: c, torrent: t, id: id}, nil
}

// addTorrent runs AddMagnet with a timeout so we never block the caller
// indefinitely while the anacrolix client is busy.
func (c *Client) addTorrent(ctx context.Context, src string, id domain.InfoHash) (*torrent.Torrent, error) {
	type addResult struct {
		t   *torrent.Torrent
		err error
	}
	ch := make(chan addResult, 1)
	go func() {
		if strings.HasPrefix(src, "magnet:") {
			t, err := c.client.AddMagnet(src)
			ch <- addResult{t, err}
			return
		}
		var h metainfo.Hash
		if err := h.FromHexString(strings.ToLower(strings.TrimSpace(src))); err != nil {
			ch <- addResult{nil, fmt.Errorf("%w: %v", domain.ErrInvalidIdentifier, err)}
			return
		}
		t, _ := c.client.AddTorrentInfoHash(h)
		ch <- addResult{t, nil}
	}()

	select {
	case res := <-ch:
		return res.t, res.err
	case <-time.After(addTimeout):
		// The goroutine may still complete the add after we return; drop
		// the orphaned torrent once it does.
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
		return nil, fmt.Errorf("%w: client busy joining %s", domain.ErrSwarmTimeout, id)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
		return nil, ctx.Err()
	}
}

func (c *Client) Leave(ctx context.Context, id domain.InfoHash) error {
	c.mu.Lock()
	t, ok := c.swarms[id]
	delete(c.swarms, id)
	c.mu.Unlock()

	c.forgetSpeed(id)

	if !ok || t == nil {
		return nil
	}
	t.Drop()
	// Return memory to the OS promptly after dropping a swarm. Without
	// this the GC can hold freed piece buffers long enough to OOM small
	// containers.
	freeOSMemory()
	slog.Info("left swarm", slog.String("infoHash", string(id)))
	return nil
}

func (c *Client) Info(ctx context.Context, id domain.InfoHash) (domain.SwarmInfo, error) {
	c.mu.RLock()
	t := c.swarms[id]
	c.mu.RUnlock()
	if t == nil || torrentClosed(t) {
		return domain.SwarmInfo{}, domain.ErrNotFound
	}
	return c.snapshot(id, t), nil
}

func (c *Client) List(ctx context.Context) []domain.InfoHash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]domain.InfoHash, 0, len(c.swarms))
	for id := range c.swarms {
		ids = append(ids, id)
	}
	return ids
}

func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	errList := c.client.Close()
	if len(errList) > 0 {
		return errList[0]
	}
	return nil
}

func (c *Client) snapshot(id domain.InfoHash, t *torrent.Torrent) domain.SwarmInfo {
	now := time.Now().UTC()
	stats := t.Stats()
	download, upload := c.sampleSpeed(id, stats, now)

	info := domain.SwarmInfo{
		InfoHash:      id,
		MetadataReady: torrentInfoReady(t),
		DHTReady:      c.dhtReady(),
		Peers:         stats.ActivePeers,
		Seeders:       stats.ConnectedSeeders,
		Leechers:      stats.ActivePeers - stats.ConnectedSeeders,
		DownloadSpeed: download,
		UploadSpeed:   upload,
		UpdatedAt:     now,
	}
	if info.Leechers < 0 {
		info.Leechers = 0
	}
	if info.MetadataReady {
		info.Name = t.Name()
		info.TotalSize = t.Length()
		info.Files = mapFiles(t)
	}
	return info
}

func (c *Client) dhtReady() bool {
	return len(c.client.DhtServers()) > 0
}

func torrentClosed(t *torrent.Torrent) bool {
	select {
	case <-t.Closed():
		return true
	default:
		return false
	}
}

func torrentInfoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}

func mapFiles(t *torrent.Torrent) (mapped []domain.FileRef) {
	if !torrentInfoReady(t) {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mapFiles panic recovered",
				slog.Any("error", r),
				slog.String("stack", string(debug.Stack())),
			)
			mapped = nil
		}
	}()

	files := t.Files()
	mapped = make([]domain.FileRef, 0, len(files))
	for i, f := range files {
		mapped = append(mapped, domain.FileRef{
			Index:          i,
			Path:           f.Path(),
			Length:         f.Length(),
			Offset:         f.Offset(),
			BytesCompleted: f.BytesCompleted(),
		})
	}
	return mapped
}

// freeOSMemory triggers garbage collection and returns freed memory to the OS.
func freeOSMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}

type speedSample struct {
	at           time.Time
	bytesRead    int64
	bytesWritten int64
}

func (c *Client) sampleSpeed(id domain.InfoHash, stats torrent.TorrentStats, now time.Time) (int64, int64) {
	currentRead := stats.BytesReadUsefulData.Int64()
	currentWritten := stats.BytesWrittenData.Int64()

	c.speedMu.Lock()
	defer c.speedMu.Unlock()

	prev, ok := c.speeds[id]
	c.speeds[id] = speedSample{
		at:           now,
		bytesRead:    currentRead,
		bytesWritten: currentWritten,
	}

	if !ok || prev.at.IsZero() {
		return 0, 0
	}

	dt := now.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0, 0
	}

	deltaRead := currentRead - prev.bytesRead
	deltaWritten := currentWritten - prev.bytesWritten
	if deltaRead < 0 {
		deltaRead = 0
	}
	if deltaWritten < 0 {
		deltaWritten = 0
	}
	return int64(float64(deltaRead) / dt), int64(float64(deltaWritten) / dt)
}

func (c *Client) forgetSpeed(id domain.InfoHash) {
	c.speedMu.Lock()
	delete(c.speeds, id)
	c.speedMu.Unlock()
}

var _ ports.SwarmClient = (*Client)(nil)
