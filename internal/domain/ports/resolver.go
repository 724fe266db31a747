package ports

import (
	"context"
	"io"

	"swarmstream/internal/domain"
)

type MetadataResolver interface {
	// Resolve fetches file metadata for a magnet or infohash within the
	// context deadline. The result is complete or an error, never partial.
	Resolve(ctx context.Context, src string) (domain.SwarmMetadata, error)
}

type MediaProber interface {
	// Probe inspects the first bytes of a media stream. Implementations
	// must not consume more than they need; callers pass a bounded reader.
	Probe(ctx context.Context, r io.Reader) (domain.MediaInfo, error)
}
