package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"swarmstream/internal/domain"
	"swarmstream/internal/domain/ports"
)

const defaultTimeout = 60 * time.Second

// Resolver fetches file metadata for a magnet or infohash without holding
// the swarm afterwards: if no watcher pinned the swarm while the fetch ran,
// the join is released so browsing a catalog never accumulates swarms.
type Resolver struct {
	client  ports.SwarmClient
	catalog ports.CatalogStore
	timeout time.Duration
	logger  *slog.Logger

	// pinned reports whether something else holds the swarm open. Nil
	// means nothing does and every resolved swarm is released.
	pinned func(domain.InfoHash) bool
}

type Option func(*Resolver)

func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithCatalog(store ports.CatalogStore) Option {
	return func(r *Resolver) { r.catalog = store }
}

func WithPinned(fn func(domain.InfoHash) bool) Option {
	return func(r *Resolver) { r.pinned = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

func New(client ports.SwarmClient, opts ...Option) *Resolver {
	r := &Resolver{
		client:  client,
		timeout: defaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve joins the swarm, waits for metadata within the timeout and
// returns the complete file listing. The result is never partial: on any
// error nothing is returned and the short-lived join is released.
func (r *Resolver) Resolve(ctx context.Context, src string) (domain.SwarmMetadata, error) {
	sw, err := r.client.Join(ctx, src)
	if err != nil {
		return domain.SwarmMetadata{}, err
	}
	id := sw.InfoHash()
	defer r.release(id)

	waitCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := sw.AwaitMetadata(waitCtx); err != nil {
		return domain.SwarmMetadata{}, err
	}

	info := sw.Info()
	md := domain.SwarmMetadata{
		InfoHash:  id,
		Name:      info.Name,
		TotalSize: info.TotalSize,
		Files:     info.Files,
	}
	if len(md.Files) == 0 {
		return domain.SwarmMetadata{}, fmt.Errorf("%w: empty file listing for %s", domain.ErrSwarmTimeout, id)
	}

	var sum int64
	for _, f := range md.Files {
		sum += f.Length
	}
	md.TotalSize = sum

	r.index(ctx, md)
	return md, nil
}

// index records the resolved listing in the catalog for later enrichment.
// Failures are logged, never surfaced: indexing is best effort.
func (r *Resolver) index(ctx context.Context, md domain.SwarmMetadata) {
	if r.catalog == nil {
		return
	}
	entry := domain.CatalogEntry{
		InfoHash:  md.InfoHash,
		Name:      md.Name,
		TotalSize: md.TotalSize,
		Files:     md.Files,
		UpdatedAt: time.Now().UTC(),
	}
	if err := r.catalog.Upsert(ctx, entry); err != nil {
		r.logger.Warn("catalog upsert failed",
			slog.String("infoHash", string(md.InfoHash)),
			slog.Any("error", err),
		)
	}
}

func (r *Resolver) release(id domain.InfoHash) {
	if r.pinned != nil && r.pinned(id) {
		return
	}
	if err := r.client.Leave(context.Background(), id); err != nil {
		r.logger.Warn("swarm release failed",
			slog.String("infoHash", string(id)),
			slog.Any("error", err),
		)
	}
}

var _ ports.MetadataResolver = (*Resolver)(nil)
