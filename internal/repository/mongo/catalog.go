// Package mongo persists the swarm catalog: resolved metadata kept so a
// known infohash can be listed and re-opened without waiting on DHT.
package mongo

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"swarmstream/internal/domain"
	"swarmstream/internal/domain/ports"
)

type Catalog struct {
	collection *mongo.Collection
}

type fileDoc struct {
	Index  int    `bson:"index"`
	Path   string `bson:"path"`
	Length int64  `bson:"length"`
}

type catalogDoc struct {
	ID        string    `bson:"_id"` // lower-case hex infohash
	Name      string    `bson:"name"`
	PosterURL string    `bson:"posterUrl,omitempty"`
	TotalSize int64     `bson:"totalSize"`
	Files     []fileDoc `bson:"files"`
	UpdatedAt int64     `bson:"updatedAt"`
}

func NewCatalog(client *mongo.Client, dbName, collectionName string) *Catalog {
	return &Catalog{collection: client.Database(dbName).Collection(collectionName)}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (c *Catalog) EnsureIndexes(ctx context.Context) error {
	if c == nil || c.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: "text"}}},
		{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
	}
	_, err := c.collection.Indexes().CreateMany(ctx, models)
	return err
}

func (c *Catalog) Get(ctx context.Context, id domain.InfoHash) (domain.CatalogEntry, error) {
	var doc catalogDoc
	if err := c.collection.FindOne(ctx, bson.M{"_id": normalizeID(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.CatalogEntry{}, domain.ErrNotFound
		}
		return domain.CatalogEntry{}, err
	}
	return fromDoc(doc), nil
}

func (c *Catalog) Upsert(ctx context.Context, e domain.CatalogEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	doc := toDoc(e)
	_, err := c.collection.UpdateOne(
		ctx,
		bson.M{"_id": doc.ID},
		bson.M{"$set": doc},
		options.Update().SetUpsert(true),
	)
	return err
}

func (c *Catalog) List(ctx context.Context, limit int64) ([]domain.CatalogEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cursor, err := c.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []catalogDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	entries := make([]domain.CatalogEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, fromDoc(doc))
	}
	return entries, nil
}

func (c *Catalog) Delete(ctx context.Context, id domain.InfoHash) error {
	res, err := c.collection.DeleteOne(ctx, bson.M{"_id": normalizeID(id)})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func normalizeID(id domain.InfoHash) string {
	return strings.ToLower(strings.TrimSpace(string(id)))
}

func toDoc(e domain.CatalogEntry) catalogDoc {
	files := make([]fileDoc, 0, len(e.Files))
	for _, f := range e.Files {
		files = append(files, fileDoc{
			Index:  f.Index,
			Path:   f.Path,
			Length: f.Length,
		})
	}

	updatedAt := e.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	return catalogDoc{
		ID:        normalizeID(e.InfoHash),
		Name:      e.Name,
		PosterURL: e.PosterURL,
		TotalSize: e.TotalSize,
		Files:     files,
		UpdatedAt: updatedAt.Unix(),
	}
}

func fromDoc(doc catalogDoc) domain.CatalogEntry {
	files := make([]domain.FileRef, 0, len(doc.Files))
	for _, f := range doc.Files {
		files = append(files, domain.FileRef{
			Index:  f.Index,
			Path:   f.Path,
			Length: f.Length,
		})
	}

	return domain.CatalogEntry{
		InfoHash:  domain.InfoHash(doc.ID),
		Name:      doc.Name,
		PosterURL: doc.PosterURL,
		TotalSize: doc.TotalSize,
		Files:     files,
		UpdatedAt: time.Unix(doc.UpdatedAt, 0).UTC(),
	}
}

var _ ports.CatalogStore = (*Catalog)(nil)
