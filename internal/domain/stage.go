package domain

import "errors"

// ConnectionStage is the acquisition lifecycle stage reported to a watcher.
// Stages only move forward; skips are allowed when a phase completes
// instantly (metadata already cached, file already buffered).
type ConnectionStage string

const (
	StageInitializing        ConnectionStage = "initializing"
	StageConnecting          ConnectionStage = "connecting"
	StageSearchingPeers      ConnectionStage = "searching_peers"
	StageDownloadingMetadata ConnectionStage = "downloading_metadata"
	StageBuffering           ConnectionStage = "buffering"
	StageReady               ConnectionStage = "ready"
	StageError               ConnectionStage = "error"
)

var ErrInvalidStageTransition = errors.New("invalid stage transition")

// stageRank orders the forward progression. StageError is reachable from
// any non-terminal stage and is itself terminal, as is StageReady.
var stageRank = map[ConnectionStage]int{
	StageInitializing:        0,
	StageConnecting:          1,
	StageSearchingPeers:      2,
	StageDownloadingMetadata: 3,
	StageBuffering:           4,
	StageReady:               5,
}

// CanAdvance reports whether a transition from one stage to another is valid.
func CanAdvance(from, to ConnectionStage) bool {
	if from == StageReady || from == StageError {
		return false
	}
	if to == StageError {
		return true
	}
	fr, ok := stageRank[from]
	if !ok {
		return false
	}
	tr, ok := stageRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// Terminal reports whether the stage ends the status feed.
func (s ConnectionStage) Terminal() bool {
	return s == StageReady || s == StageError
}
