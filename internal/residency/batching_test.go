package residency_test

import (
	"testing"
	"time"

	"github.com/edgecoord/jobqueue/internal/jobstore"
	"github.com/edgecoord/jobqueue/internal/residency"
)

func candidate(id, model string, priority int, queuedSecondsAgo, maxWaitSeconds int, now time.Time) jobstore.PendingCandidate {
	return jobstore.PendingCandidate{
		ID:             id,
		RequestedModel: model,
		Priority:       priority,
		QueuedAt:       now.Add(-time.Duration(queuedSecondsAgo) * time.Second),
		MaxWaitSeconds: maxWaitSeconds,
	}
}

func TestPickNextBatchedEmptyQueue(t *testing.T) {
	_, _, _, found := residency.PickNextBatched(nil, "llama3", true, time.Now())
	if found {
		t.Fatalf("expected no candidate on empty queue")
	}
}

func TestPickNextBatchedPrefersCurrentModel(t *testing.T) {
	now := time.Now()
	candidates := []jobstore.PendingCandidate{
		candidate("job-a", "mistral", 1, 10, 120, now),
		candidate("job-b", "llama3", 1, 5, 120, now),
	}
	chosen, shouldSwitch, _, found := residency.PickNextBatched(candidates, "llama3", true, now)
	if !found || chosen.ID != "job-b" {
		t.Fatalf("expected job-b (matches current model), got %+v found=%v", chosen, found)
	}
	if shouldSwitch {
		t.Fatalf("expected no switch when a pending job matches the current model")
	}
}

func TestPickNextBatchedSwitchesWhenQueueEmptyForCurrentModel(t *testing.T) {
	now := time.Now()
	candidates := []jobstore.PendingCandidate{
		candidate("job-a", "mistral", 5, 10, 120, now),
		candidate("job-b", "phi3", 1, 5, 120, now),
	}
	chosen, shouldSwitch, reason, found := residency.PickNextBatched(candidates, "llama3", true, now)
	if !found || chosen.ID != "job-a" {
		t.Fatalf("expected job-a (highest priority), got %+v", chosen)
	}
	if !shouldSwitch || reason != residency.SwitchReasonQueueEmptyForModel {
		t.Fatalf("expected switch with reason %s, got switch=%v reason=%s", residency.SwitchReasonQueueEmptyForModel, shouldSwitch, reason)
	}
}

func TestPickNextBatchedNoCurrentModel(t *testing.T) {
	now := time.Now()
	candidates := []jobstore.PendingCandidate{
		candidate("job-a", "mistral", 1, 10, 120, now),
	}
	chosen, shouldSwitch, reason, found := residency.PickNextBatched(candidates, "", true, now)
	if !found || chosen.ID != "job-a" {
		t.Fatalf("expected job-a, got %+v", chosen)
	}
	if !shouldSwitch || reason != residency.SwitchReasonNoCurrent {
		t.Fatalf("expected switch with reason %s, got switch=%v reason=%s", residency.SwitchReasonNoCurrent, shouldSwitch, reason)
	}
}

func TestPickNextBatchedPromotesMaxWaitExceeded(t *testing.T) {
	now := time.Now()
	candidates := []jobstore.PendingCandidate{
		candidate("job-a", "llama3", 5, 10, 120, now),
		candidate("job-b", "mistral", 1, 130, 120, now), // queued 130s ago, maxWait 120s: elapsed
	}
	chosen, shouldSwitch, reason, found := residency.PickNextBatched(candidates, "llama3", true, now)
	if !found || chosen.ID != "job-b" {
		t.Fatalf("expected job-b promoted ahead by starvation bound, got %+v", chosen)
	}
	if !shouldSwitch || reason != residency.SwitchReasonMaxWaitExceeded {
		t.Fatalf("expected switch with reason %s, got switch=%v reason=%s", residency.SwitchReasonMaxWaitExceeded, shouldSwitch, reason)
	}
}

func TestPickNextBatchedMaxWaitExceededSameModelNoSwitch(t *testing.T) {
	now := time.Now()
	candidates := []jobstore.PendingCandidate{
		candidate("job-a", "llama3", 1, 130, 120, now),
	}
	chosen, shouldSwitch, reason, found := residency.PickNextBatched(candidates, "llama3", true, now)
	if !found || chosen.ID != "job-a" {
		t.Fatalf("expected job-a, got %+v", chosen)
	}
	if shouldSwitch || reason != "" {
		t.Fatalf("expected no switch (already the resident model), got switch=%v reason=%s", shouldSwitch, reason)
	}
}

func TestPickNextBatchedDisabledDegradesToPriorityFIFO(t *testing.T) {
	now := time.Now()
	candidates := []jobstore.PendingCandidate{
		candidate("job-a", "mistral", 5, 10, 120, now),
		candidate("job-b", "llama3", 1, 1, 120, now),
	}
	chosen, shouldSwitch, reason, found := residency.PickNextBatched(candidates, "llama3", false, now)
	if !found || chosen.ID != "job-a" {
		t.Fatalf("expected plain priority-first FIFO to pick job-a, got %+v", chosen)
	}
	if !shouldSwitch || reason != residency.SwitchReasonPriorityOverride {
		t.Fatalf("expected switch with reason %s, got switch=%v reason=%s", residency.SwitchReasonPriorityOverride, shouldSwitch, reason)
	}
}
