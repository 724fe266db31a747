package domain

import "testing"

func TestCanAdvanceForwardOnly(t *testing.T) {
	ordered := []ConnectionStage{
		StageInitializing,
		StageConnecting,
		StageSearchingPeers,
		StageDownloadingMetadata,
		StageBuffering,
		StageReady,
	}

	for i, from := range ordered {
		for j, to := range ordered {
			got := CanAdvance(from, to)
			want := j > i && from != StageReady
			if got != want {
				t.Errorf("CanAdvance(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCanAdvanceSkipsStages(t *testing.T) {
	if !CanAdvance(StageConnecting, StageBuffering) {
		t.Error("expected skip over intermediate stages to be allowed")
	}
	if !CanAdvance(StageInitializing, StageReady) {
		t.Error("expected direct jump to ready to be allowed")
	}
}

func TestCanAdvanceErrorFromNonTerminal(t *testing.T) {
	for _, from := range []ConnectionStage{
		StageInitializing, StageConnecting, StageSearchingPeers,
		StageDownloadingMetadata, StageBuffering,
	} {
		if !CanAdvance(from, StageError) {
			t.Errorf("expected %s -> error to be allowed", from)
		}
	}
	if CanAdvance(StageReady, StageError) {
		t.Error("ready is terminal, error must not follow it")
	}
	if CanAdvance(StageError, StageBuffering) {
		t.Error("error is terminal")
	}
}

func TestTerminal(t *testing.T) {
	if !StageReady.Terminal() || !StageError.Terminal() {
		t.Error("ready and error are terminal")
	}
	if StageBuffering.Terminal() {
		t.Error("buffering is not terminal")
	}
}
