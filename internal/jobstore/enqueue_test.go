package jobstore_test

import (
	"context"
	"testing"

	"github.com/edgecoord/jobqueue/internal/jobstore"
)

const validChatPayload = `{"messages":[{"role":"user","content":"hello"}]}`
const validRAGPayload = `{"context":"some docs","query":"what is this about?"}`

func TestEnqueueAssignsDenseQueuePositions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	r1, err := store.Enqueue(ctx, "conv-1", jobstore.JobTypeChat, validChatPayload, "llama3", jobstore.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if r1.QueuePosition != 1 {
		t.Fatalf("expected first job at position 1, got %d", r1.QueuePosition)
	}

	r2, err := store.Enqueue(ctx, "conv-2", jobstore.JobTypeChat, validChatPayload, "llama3", jobstore.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	if r2.QueuePosition != 2 {
		t.Fatalf("expected second job at position 2, got %d", r2.QueuePosition)
	}

	if r1.JobID == r2.JobID || r1.MessageID == r2.MessageID {
		t.Fatalf("expected unique job/message ids")
	}
}

func TestEnqueueHigherPriorityDisplacesLowerPriority(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	low, err := store.Enqueue(ctx, "conv-1", jobstore.JobTypeChat, validChatPayload, "llama3", jobstore.EnqueueOptions{Priority: 0})
	if err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	if low.QueuePosition != 1 {
		t.Fatalf("expected low-priority job at position 1, got %d", low.QueuePosition)
	}

	high, err := store.Enqueue(ctx, "conv-2", jobstore.JobTypeChat, validChatPayload, "llama3", jobstore.EnqueueOptions{Priority: 10})
	if err != nil {
		t.Fatalf("enqueue high: %v", err)
	}
	if high.QueuePosition != 1 {
		t.Fatalf("expected high-priority job to take position 1, got %d", high.QueuePosition)
	}

	lowJob, err := store.GetJob(ctx, low.JobID)
	if err != nil {
		t.Fatalf("get low job: %v", err)
	}
	if lowJob.QueuePosition != 2 {
		t.Fatalf("expected low-priority job displaced to position 2, got %d", lowJob.QueuePosition)
	}
}

func TestEnqueueRejectsPayloadMissingRequiredFields(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "conv-1", jobstore.JobTypeChat, `{"temperature":0.5}`, "llama3", jobstore.EnqueueOptions{}); err == nil {
		t.Fatalf("expected error for chat payload missing messages")
	}
	if _, err := store.Enqueue(ctx, "conv-1", jobstore.JobTypeRAG, `{"context":"docs"}`, "llama3", jobstore.EnqueueOptions{}); err == nil {
		t.Fatalf("expected error for rag payload missing query")
	}
}

func TestEnqueueRejectsMalformedJSON(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "conv-1", jobstore.JobTypeChat, `{not json`, "llama3", jobstore.EnqueueOptions{}); err == nil {
		t.Fatalf("expected error for malformed JSON payload")
	}
}

func TestEnqueueDefaultsMaxWaitSeconds(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	res, err := store.Enqueue(ctx, "conv-1", jobstore.JobTypeChat, validChatPayload, "llama3", jobstore.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := store.GetJob(ctx, res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.MaxWaitSeconds != 120 {
		t.Fatalf("expected default max wait 120, got %d", job.MaxWaitSeconds)
	}
	if job.Status != jobstore.StatusPending {
		t.Fatalf("expected new job to be pending, got %s", job.Status)
	}
}

func TestEnqueueStoresModelSequence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	res, err := store.Enqueue(ctx, "conv-1", jobstore.JobTypeRAG, validRAGPayload, "llama3", jobstore.EnqueueOptions{
		ModelSequence: []string{"llama3", "phi3"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := store.GetJob(ctx, res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if len(job.ModelSequence) != 2 || job.ModelSequence[0] != "llama3" || job.ModelSequence[1] != "phi3" {
		t.Fatalf("unexpected model sequence: %#v", job.ModelSequence)
	}
}
