package stream

import (
	"swarmstream/internal/domain"
	"swarmstream/internal/domain/ports"
)

const (
	startupHighBytes      = 4 << 20
	startupNextBytes      = 8 << 20
	startupReadaheadBytes = 16 << 20
	tailPreloadBytes      = 16 << 20
)

// applyStartupPriority front-loads the beginning of the file so playback
// starts fast, and preloads the tail where mp4/mkv keep their seek index.
func applyStartupPriority(sw ports.Swarm, file domain.FileRef) {
	off := int64(0)

	high := min64(startupHighBytes, file.Length)
	sw.SetPiecePriority(file, domain.Range{Off: off, Length: high}, domain.PriorityHigh)
	off += high

	if off < file.Length {
		next := min64(startupNextBytes, file.Length-off)
		sw.SetPiecePriority(file, domain.Range{Off: off, Length: next}, domain.PriorityNext)
		off += next
	}

	if off < file.Length {
		ahead := min64(startupReadaheadBytes, file.Length-off)
		sw.SetPiecePriority(file, domain.Range{Off: off, Length: ahead}, domain.PriorityReadahead)
	}

	if file.Length > tailPreloadBytes*2 {
		sw.SetPiecePriority(file,
			domain.Range{Off: file.Length - tailPreloadBytes, Length: tailPreloadBytes},
			domain.PriorityReadahead)
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
