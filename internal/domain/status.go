package domain

import "time"

// ConnectionStatus is one update on a watcher's status feed.
type ConnectionStatus struct {
	Stage         ConnectionStage `json:"stage"`
	Message       string          `json:"message,omitempty"`
	Peers         int             `json:"peers"`
	Seeders       int             `json:"seeders"`
	MetadataReady bool            `json:"metadataReady"`
	Progress      float64         `json:"progress"`
	DownloadSpeed int64           `json:"downloadSpeed"`
	UploadSpeed   int64           `json:"uploadSpeed"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}
