package status

import (
	"errors"
	"testing"
	"time"

	"swarmstream/internal/domain"
)

func collect(t *testing.T, ch <-chan domain.ConnectionStatus) []domain.ConnectionStatus {
	t.Helper()
	var got []domain.ConnectionStatus
	timeout := time.After(2 * time.Second)
	for {
		select {
		case st, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, st)
		case <-timeout:
			t.Fatal("feed did not terminate")
		}
	}
}

func TestFeedOrderAndTermination(t *testing.T) {
	p := NewPublisher()
	ch, cancel := p.Subscribe()
	defer cancel()

	p.Advance(domain.StageConnecting, "joining swarm")
	p.Advance(domain.StageDownloadingMetadata, "")
	p.Advance(domain.StageBuffering, "")
	p.Advance(domain.StageReady, "")

	got := collect(t, ch)
	want := []domain.ConnectionStage{
		domain.StageInitializing,
		domain.StageConnecting,
		domain.StageDownloadingMetadata,
		domain.StageBuffering,
		domain.StageReady,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d updates, want %d", len(got), len(want))
	}
	for i, st := range got {
		if st.Stage != want[i] {
			t.Errorf("update %d: stage = %s, want %s", i, st.Stage, want[i])
		}
	}
}

func TestBackwardTransitionIgnored(t *testing.T) {
	p := NewPublisher()
	p.Advance(domain.StageBuffering, "")

	if p.Advance(domain.StageConnecting, "") {
		t.Error("backward transition must be rejected")
	}
	if got := p.Current().Stage; got != domain.StageBuffering {
		t.Errorf("stage = %s, want buffering", got)
	}
}

func TestFailEndsFeed(t *testing.T) {
	p := NewPublisher()
	ch, cancel := p.Subscribe()
	defer cancel()

	p.Advance(domain.StageConnecting, "")
	p.Fail(errors.New("no peers found"))

	got := collect(t, ch)
	last := got[len(got)-1]
	if last.Stage != domain.StageError {
		t.Fatalf("last stage = %s, want error", last.Stage)
	}
	if last.Message != "no peers found" {
		t.Errorf("message = %q", last.Message)
	}

	// Terminal: further updates are no-ops.
	if p.Advance(domain.StageReady, "") {
		t.Error("advance after error must be rejected")
	}
}

func TestSubscribeAfterTerminalGetsFinalState(t *testing.T) {
	p := NewPublisher()
	p.Advance(domain.StageReady, "")

	ch, cancel := p.Subscribe()
	defer cancel()
	got := collect(t, ch)
	if len(got) != 1 || got[0].Stage != domain.StageReady {
		t.Fatalf("late subscriber got %v, want single ready update", got)
	}
}

func TestMultipleSubscribersSeeSameUpdates(t *testing.T) {
	p := NewPublisher()
	ch1, cancel1 := p.Subscribe()
	ch2, cancel2 := p.Subscribe()
	defer cancel1()
	defer cancel2()

	p.Advance(domain.StageConnecting, "")
	p.Advance(domain.StageReady, "")

	got1 := collect(t, ch1)
	got2 := collect(t, ch2)
	if len(got1) != 3 || len(got2) != 3 {
		t.Fatalf("subscriber updates = %d and %d, want 3 each", len(got1), len(got2))
	}
}

func TestProgressDoesNotChangeStage(t *testing.T) {
	p := NewPublisher()
	p.Advance(domain.StageBuffering, "")
	p.Progress(domain.SwarmInfo{Peers: 12, Seeders: 4, MetadataReady: true}, 0.25)

	cur := p.Current()
	if cur.Stage != domain.StageBuffering {
		t.Errorf("stage = %s, want buffering", cur.Stage)
	}
	if cur.Peers != 12 || cur.Progress != 0.25 {
		t.Errorf("counters not applied: %+v", cur)
	}
}
