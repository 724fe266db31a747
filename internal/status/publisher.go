// Package status implements the per-watcher connection status feed: a
// single-writer, multi-reader broadcast of acquisition lifecycle updates.
package status

import (
	"sync"
	"time"

	"swarmstream/internal/domain"
	"swarmstream/internal/metrics"
)

// subBuffer is each subscriber's channel depth. A subscriber that falls
// this far behind loses intermediate updates but always gets the latest.
const subBuffer = 16

// Publisher owns one watcher's status. Only the acquisition goroutine
// writes; any number of feeds subscribe. Stages move strictly forward and
// the feed ends at a terminal stage.
type Publisher struct {
	mu      sync.Mutex
	current domain.ConnectionStatus
	subs    map[chan domain.ConnectionStatus]struct{}
	closed  bool
}

func NewPublisher() *Publisher {
	return &Publisher{
		current: domain.ConnectionStatus{
			Stage:     domain.StageInitializing,
			UpdatedAt: time.Now().UTC(),
		},
		subs: make(map[chan domain.ConnectionStatus]struct{}),
	}
}

// Advance moves to a later stage and broadcasts. Backward or invalid
// transitions are ignored, which makes concurrent progress reports safe:
// a stale "connecting" arriving after "ready" cannot regress the feed.
func (p *Publisher) Advance(stage domain.ConnectionStage, message string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if !domain.CanAdvance(p.current.Stage, stage) {
		return false
	}
	p.current.Stage = stage
	p.current.Message = message
	p.current.UpdatedAt = time.Now().UTC()
	metrics.StageTransitionsTotal.WithLabelValues(string(stage)).Inc()
	p.broadcastLocked()
	if stage.Terminal() {
		p.closeLocked()
	}
	return true
}

// Fail transitions to the error stage with the failure message. A no-op
// once the feed is terminal.
func (p *Publisher) Fail(err error) {
	if err == nil {
		return
	}
	p.Advance(domain.StageError, err.Error())
}

// Progress updates swarm counters without changing the stage.
func (p *Publisher) Progress(info domain.SwarmInfo, progress float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.current.Peers = info.Peers
	p.current.Seeders = info.Seeders
	p.current.MetadataReady = info.MetadataReady
	p.current.DownloadSpeed = info.DownloadSpeed
	p.current.UploadSpeed = info.UploadSpeed
	p.current.Progress = progress
	p.current.UpdatedAt = time.Now().UTC()
	p.broadcastLocked()
}

func (p *Publisher) Current() domain.ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Subscribe registers a feed. The current status is delivered first, then
// every subsequent update in order. The channel closes once the feed is
// terminal or the returned cancel runs.
func (p *Publisher) Subscribe() (<-chan domain.ConnectionStatus, func()) {
	ch := make(chan domain.ConnectionStatus, subBuffer)

	p.mu.Lock()
	ch <- p.current
	if p.closed {
		close(ch)
		p.mu.Unlock()
		return ch, func() {}
	}
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		if _, ok := p.subs[ch]; ok {
			delete(p.subs, ch)
			close(ch)
		}
		p.mu.Unlock()
	}
	return ch, cancel
}

// Close ends the feed without a terminal stage, used when the watcher
// detaches mid-acquisition.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closeLocked()
	}
}

func (p *Publisher) broadcastLocked() {
	for ch := range p.subs {
		select {
		case ch <- p.current:
		default:
			// Drop the oldest so the latest always fits.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- p.current:
			default:
			}
		}
	}
}

func (p *Publisher) closeLocked() {
	p.closed = true
	for ch := range p.subs {
		delete(p.subs, ch)
		close(ch)
	}
}
