package anacrolix

import (
	"context"
	"errors"
	"fmt"

	"github.com/anacrolix/torrent"

	"swarmstream/internal/domain"
	"swarmstream/internal/domain/ports"
)

type swarm struct {
	client  *Client
	torrent *torrent.Torrent
	id      domain.InfoHash
}

func (s *swarm) InfoHash() domain.InfoHash {
	return s.id
}

// AwaitMetadata blocks until the swarm's metadata is known. A context
// deadline maps to ErrSwarmTimeout so callers can distinguish a slow swarm
// from a cancelled request.
func (s *swarm) AwaitMetadata(ctx context.Context) error {
	if s.torrent == nil {
		return domain.ErrNotFound
	}
	select {
	case <-s.torrent.GotInfo():
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: metadata for %s", domain.ErrSwarmTimeout, s.id)
		}
		return ctx.Err()
	case <-s.torrent.Closed():
		return domain.ErrNotFound
	}
}

func (s *swarm) Info() domain.SwarmInfo {
	return s.client.snapshot(s.id, s.torrent)
}

func (s *swarm) Files() []domain.FileRef {
	return mapFiles(s.torrent)
}

func (s *swarm) SelectFile(index int) (domain.FileRef, error) {
	files := s.Files()
	if index < 0 || index >= len(files) {
		return domain.FileRef{}, fmt.Errorf("%w: file %d of %s", domain.ErrNotFound, index, s.id)
	}
	return files[index], nil
}

func (s *swarm) NewReader(file domain.FileRef) (ports.StreamReader, error) {
	if s.torrent == nil || !torrentInfoReady(s.torrent) {
		return nil, domain.ErrNotFound
	}
	files := s.torrent.Files()
	if file.Index < 0 || file.Index >= len(files) {
		return nil, fmt.Errorf("%w: file %d of %s", domain.ErrNotFound, file.Index, s.id)
	}
	return newPriorityReader(files[file.Index].NewReader(), s, file), nil
}

func (s *swarm) SetPiecePriority(file domain.FileRef, r domain.Range, prio domain.Priority) {
	if s.torrent == nil || !torrentInfoReady(s.torrent) {
		return
	}
	s.client.applyPiecePriority(s.torrent, file, r, prio)
}

var _ ports.Swarm = (*swarm)(nil)
