package jobstore_test

import (
	"context"
	"testing"

	"github.com/edgecoord/jobqueue/internal/jobstore"
)

func TestQueueSnapshotCountsByStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, store, "conv-1")
	mustEnqueue(t, store, "conv-2")
	if _, err := store.StartNext(ctx); err != nil {
		t.Fatalf("start next: %v", err)
	}

	snap, err := store.QueueSnapshot(ctx)
	if err != nil {
		t.Fatalf("queue snapshot: %v", err)
	}
	if snap.PendingCount != 1 || snap.StreamingCount != 1 {
		t.Fatalf("expected 1 pending and 1 streaming, got pending=%d streaming=%d", snap.PendingCount, snap.StreamingCount)
	}
	if len(snap.Jobs) != 2 {
		t.Fatalf("expected 2 jobs in snapshot, got %d", len(snap.Jobs))
	}
}

func TestActiveJobsForConversationExcludesTerminal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	res := mustEnqueue(t, store, "conv-1")
	job, err := store.StartNext(ctx)
	if err != nil {
		t.Fatalf("start next: %v", err)
	}
	if job.ID != res.JobID {
		t.Fatalf("unexpected claimed job")
	}
	if err := store.CompleteJob(ctx, job.ID); err != nil {
		t.Fatalf("complete job: %v", err)
	}

	active, err := store.ActiveJobsForConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("active jobs: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active jobs after completion, got %d", len(active))
	}
}
