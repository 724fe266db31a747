package domain

import "time"

// InfoHash is the canonical lower-case hex BitTorrent v1 infohash.
type InfoHash string

type FileRef struct {
	Index          int    `json:"index"`
	Path           string `json:"path"`
	Length         int64  `json:"length"`
	Offset         int64  `json:"offset"`
	BytesCompleted int64  `json:"bytesCompleted"`
}

type Range struct {
	Off    int64
	Length int64
}

type Priority int

const (
	PriorityNone      Priority = -1
	PriorityLow       Priority = 0
	PriorityNormal    Priority = 1
	PriorityReadahead Priority = 2 // Within readahead window.
	PriorityNext      Priority = 3 // Very next region to be consumed.
	PriorityHigh      Priority = 4 // Immediate need.
)

// SwarmInfo is a point-in-time snapshot of a joined swarm.
type SwarmInfo struct {
	InfoHash      InfoHash  `json:"infoHash"`
	Name          string    `json:"name,omitempty"`
	TotalSize     int64     `json:"totalSize,omitempty"`
	Files         []FileRef `json:"files,omitempty"`
	MetadataReady bool      `json:"metadataReady"`
	DHTReady      bool      `json:"dhtReady"`
	Peers         int       `json:"peers"`
	Seeders       int       `json:"seeders"`
	Leechers      int       `json:"leechers"`
	DownloadSpeed int64     `json:"downloadSpeed"`
	UploadSpeed   int64     `json:"uploadSpeed"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// SwarmMetadata is the resolver's result: either fully populated or not
// returned at all.
type SwarmMetadata struct {
	InfoHash  InfoHash  `json:"infoHash"`
	Name      string    `json:"name"`
	TotalSize int64     `json:"totalSize"`
	Files     []FileRef `json:"files"`
}

// StreamKey identifies one streamed file within one swarm. Watcher
// refcounts and transcode sessions are keyed by it.
type StreamKey struct {
	InfoHash  InfoHash
	FileIndex int
}
