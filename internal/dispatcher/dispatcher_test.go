package dispatcher_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edgecoord/jobqueue/internal/bus"
	"github.com/edgecoord/jobqueue/internal/dispatcher"
	"github.com/edgecoord/jobqueue/internal/jobstore"
	"github.com/edgecoord/jobqueue/internal/runtimeclient"
	"github.com/edgecoord/jobqueue/internal/subscription"
)

type fakeStore struct {
	mu               sync.Mutex
	queue            []*jobstore.Job
	appended         map[string]string
	thinkingAppended map[string]string
	completed        map[string]bool
	errored          map[string]string
	cancelled        map[string]bool
}

func newFakeStore(jobs ...*jobstore.Job) *fakeStore {
	return &fakeStore{
		queue:            append([]*jobstore.Job{}, jobs...),
		appended:         map[string]string{},
		thinkingAppended: map[string]string{},
		completed:        map[string]bool{},
		errored:          map[string]string{},
		cancelled:        map[string]bool{},
	}
}

func (f *fakeStore) ListPendingCandidates(ctx context.Context) ([]jobstore.PendingCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	candidates := make([]jobstore.PendingCandidate, 0, len(f.queue))
	for _, j := range f.queue {
		candidates = append(candidates, jobstore.PendingCandidate{
			ID:             j.ID,
			RequestedModel: j.RequestedModel,
			Priority:       j.Priority,
			QueuedAt:       j.QueuedAt,
			MaxWaitSeconds: j.MaxWaitSeconds,
		})
	}
	return candidates, nil
}

func (f *fakeStore) ClaimJob(ctx context.Context, jobID string) (*jobstore.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, j := range f.queue {
		if j.ID == jobID {
			f.queue = append(f.queue[:i], f.queue[i+1:]...)
			j.Status = jobstore.StatusStreaming
			return j, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) AppendContent(ctx context.Context, jobID, contentDelta, thinkingDelta string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended[jobID] += contentDelta
	f.thinkingAppended[jobID] += thinkingDelta
	return nil
}

func (f *fakeStore) SetSourcesOnce(ctx context.Context, jobID, sourcesJSON string) error { return nil }

func (f *fakeStore) CompleteJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[jobID] = true
	return nil
}

func (f *fakeStore) ErrorJob(ctx context.Context, jobID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errored[jobID] = errMsg
	return nil
}

func (f *fakeStore) CancelJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[jobID] = true
	return nil
}

type fakeResidency struct {
	mu          sync.Mutex
	activations []string
	loaded      string
}

func (r *fakeResidency) Activate(ctx context.Context, model, triggeredBy, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activations = append(r.activations, model)
	r.loaded = model
	return nil
}

func (r *fakeResidency) LoadedModel() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

type fakeRuntimeGen struct {
	chunks []runtimeclient.GenerateChunk
}

func (r *fakeRuntimeGen) Generate(ctx context.Context, req runtimeclient.GenerateRequest, onChunk func(runtimeclient.GenerateChunk) error) error {
	for _, c := range r.chunks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := onChunk(c); err != nil {
			return err
		}
	}
	return nil
}

func TestDispatcherCompletesAJob(t *testing.T) {
	job := &jobstore.Job{
		ID: "job-1", Type: jobstore.JobTypeChat,
		RequestPayload: `{"messages":[{"role":"user","content":"hi"}]}`,
		RequestedModel: "llama3",
	}
	store := newFakeStore(job)
	res := &fakeResidency{}
	rt := &fakeRuntimeGen{chunks: []runtimeclient.GenerateChunk{
		{Response: "Hel"}, {Response: "lo"}, {Response: "", Done: true},
	}}
	hub := subscription.New(nil)

	var events []any
	var mu sync.Mutex
	sub := hub.Subscribe("job-1", func(payload any) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, payload)
	}, nil)
	defer sub.Close()

	d := dispatcher.New(store, res, rt, hub, bus.New(), nil, dispatcher.Config{
		BatchFlushInterval: time.Hour,
		BatchFlushChars:    1_000_000,
		IdlePollInterval:   10 * time.Millisecond,
		BatchingEnabled:    true,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go d.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		done := store.completed["job-1"]
		store.mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if !store.completed["job-1"] {
		t.Fatalf("expected job-1 to complete")
	}
	if store.appended["job-1"] != "Hello" {
		t.Fatalf("expected appended content %q, got %q", "Hello", store.appended["job-1"])
	}
	if len(res.activations) != 1 || res.activations[0] != "llama3" {
		t.Fatalf("expected one activation of llama3, got %#v", res.activations)
	}
}

func TestDispatcherDropsThinkingWhenDisabled(t *testing.T) {
	job := &jobstore.Job{
		ID:             "job-2",
		Type:           jobstore.JobTypeChat,
		RequestPayload: `{"messages":[{"role":"user","content":"hi"}],"thinkingEnabled":false}`,
		RequestedModel: "llama3",
	}
	store := newFakeStore(job)
	res := &fakeResidency{}
	rt := &fakeRuntimeGen{chunks: []runtimeclient.GenerateChunk{
		{Response: "<think>"}, {Response: "pondering"}, {Response: "</think>"}, {Response: "Hi"}, {Response: "", Done: true},
	}}
	hub := subscription.New(nil)

	var events []any
	var mu sync.Mutex
	sub := hub.Subscribe("job-2", func(payload any) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, payload)
	}, nil)
	defer sub.Close()

	d := dispatcher.New(store, res, rt, hub, bus.New(), nil, dispatcher.Config{
		BatchFlushInterval: time.Hour,
		BatchFlushChars:    1_000_000,
		IdlePollInterval:   10 * time.Millisecond,
		BatchingEnabled:    true,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go d.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		done := store.completed["job-2"]
		store.mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if !store.completed["job-2"] {
		t.Fatalf("expected job-2 to complete")
	}
	if store.thinkingAppended["job-2"] != "" {
		t.Fatalf("expected no thinking persisted when disabled, got %q", store.thinkingAppended["job-2"])
	}
	if store.appended["job-2"] != "Hi" {
		t.Fatalf("expected only non-thinking content persisted, got %q", store.appended["job-2"])
	}

	mu.Lock()
	defer mu.Unlock()
	for _, e := range events {
		if _, ok := e.(bus.ThinkingEvent); ok {
			t.Fatalf("expected no ThinkingEvent published when thinking is disabled")
		}
		if _, ok := e.(bus.ThinkingEndEvent); ok {
			t.Fatalf("expected no ThinkingEndEvent published when thinking is disabled")
		}
	}
}
