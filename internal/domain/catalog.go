package domain

import "time"

// CatalogEntry is the enrichment record kept for a known infohash:
// display name, artwork and resolved file listing.
type CatalogEntry struct {
	InfoHash  InfoHash  `json:"infoHash"`
	Name      string    `json:"name"`
	PosterURL string    `json:"posterUrl,omitempty"`
	TotalSize int64     `json:"totalSize,omitempty"`
	Files     []FileRef `json:"files,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate reports whether the entry can be persisted.
func (e CatalogEntry) Validate() error {
	if len(e.InfoHash) != 40 {
		return ErrInvalidIdentifier
	}
	return nil
}
