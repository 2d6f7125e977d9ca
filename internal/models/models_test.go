package models

import "testing"

func TestTransitionLattice(t *testing.T) {
	allowed := []struct{ from, to string }{
		{StatusQueued, StatusProcessing},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusFailed},
		{StatusProcessing, StatusTimeout},
	}
	for _, tr := range allowed {
		if !CanTransition(tr.from, tr.to) {
			t.Errorf("expected %s -> %s to be allowed", tr.from, tr.to)
		}
	}

	forbidden := []struct{ from, to string }{
		{StatusQueued, StatusCompleted},
		{StatusQueued, StatusFailed},
		{StatusQueued, StatusTimeout},
		{StatusCompleted, StatusProcessing},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusCompleted},
		{StatusTimeout, StatusProcessing},
		{StatusProcessing, StatusQueued},
	}
	for _, tr := range forbidden {
		if CanTransition(tr.from, tr.to) {
			t.Errorf("expected %s -> %s to be rejected", tr.from, tr.to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, status := range []string{StatusCompleted, StatusFailed, StatusTimeout} {
		if !IsTerminal(status) {
			t.Errorf("%s should be terminal", status)
		}
	}
	for _, status := range []string{StatusQueued, StatusProcessing} {
		if IsTerminal(status) {
			t.Errorf("%s should not be terminal", status)
		}
	}
}

func TestChunkTerminal(t *testing.T) {
	if (&Chunk{Kind: ChunkData}).Terminal() {
		t.Error("data chunk should not be terminal")
	}
	if !(&Chunk{Kind: ChunkDone}).Terminal() {
		t.Error("done chunk should be terminal")
	}
	if !(&Chunk{Kind: ChunkError}).Terminal() {
		t.Error("error chunk should be terminal")
	}
}

func TestAvailableCapacity(t *testing.T) {
	w := Worker{MaxConcurrency: 5, CurrentLoad: 2}
	if got := w.AvailableCapacity(); got != 3 {
		t.Errorf("available capacity = %d, want 3", got)
	}
}
