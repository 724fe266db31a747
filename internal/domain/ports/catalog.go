package ports

import (
	"context"

	"swarmstream/internal/domain"
)

type CatalogStore interface {
	Get(ctx context.Context, id domain.InfoHash) (domain.CatalogEntry, error)
	Upsert(ctx context.Context, e domain.CatalogEntry) error
	List(ctx context.Context, limit int64) ([]domain.CatalogEntry, error)
	Delete(ctx context.Context, id domain.InfoHash) error
}
