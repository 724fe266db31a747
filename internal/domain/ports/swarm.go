package ports

import (
	"context"

	"swarmstream/internal/domain"
)

type SwarmClient interface {
	// ParseSource validates a magnet URI or bare hex infohash without
	// touching the network.
	ParseSource(src string) (domain.InfoHash, error)
	// Join is idempotent: joining an already-joined infohash returns the
	// existing swarm. The source may be a magnet URI or a bare hex infohash.
	Join(ctx context.Context, src string) (Swarm, error)
	// Leave drops the swarm and its partial data. Leaving an unknown
	// infohash is a no-op.
	Leave(ctx context.Context, id domain.InfoHash) error
	Info(ctx context.Context, id domain.InfoHash) (domain.SwarmInfo, error)
	List(ctx context.Context) []domain.InfoHash
	Close() error
}

type Swarm interface {
	InfoHash() domain.InfoHash
	// AwaitMetadata blocks until torrent metadata is known or the context
	// ends. After it returns nil, Files and Info are fully populated.
	AwaitMetadata(ctx context.Context) error
	Info() domain.SwarmInfo
	Files() []domain.FileRef
	SelectFile(index int) (domain.FileRef, error)
	NewReader(file domain.FileRef) (StreamReader, error)
	SetPiecePriority(file domain.FileRef, r domain.Range, prio domain.Priority)
}
