package jobqueue

import (
	"context"
	"fmt"

	"github.com/edgecoord/jobqueue/internal/bus"
	"github.com/edgecoord/jobqueue/internal/jobstore"
	"github.com/edgecoord/jobqueue/internal/subscription"
)

// EnqueueRequest carries enqueue's caller-supplied fields (spec §4.1/§9
// Producer API).
type EnqueueRequest struct {
	ConversationID string
	Type           jobstore.JobType
	PayloadJSON    string
	Model          string // explicit model, or "" to resolve the default
	ModelSequence  []string
	Priority       int
	MaxWaitSeconds int
}

// Enqueue resolves the job's model (explicit, falling back to the catalog's
// default — spec §4.6), persists the job and its placeholder message, and
// wakes the dispatcher so a queue that was empty starts processing
// immediately instead of waiting out the idle poll interval.
func (r *Runtime) Enqueue(ctx context.Context, req EnqueueRequest) (*jobstore.EnqueueResult, error) {
	resolvedModel, err := r.catalog.ResolveModel(ctx, req.Model)
	if err != nil {
		return nil, fmt.Errorf("resolve model: %w", err)
	}

	result, err := r.store.Enqueue(ctx, req.ConversationID, req.Type, req.PayloadJSON, resolvedModel, jobstore.EnqueueOptions{
		Model:          resolvedModel,
		ModelSequence:  req.ModelSequence,
		Priority:       req.Priority,
		MaxWaitSeconds: req.MaxWaitSeconds,
	})
	if err != nil {
		return nil, err
	}

	r.supervisor.NoteActivity()
	r.dispatcher.Kick()
	return result, nil
}

// Subscribe attaches handler to jobID's live event stream (spec §4.3). A
// late joiner — one that subscribes after the job has already started
// streaming — first receives a replay of the job's persisted state so far
// (status, accumulated content/thinking, sources) before any further live
// event, atomically with respect to concurrent Publish calls.
func (r *Runtime) Subscribe(jobID string, handler func(payload any)) (*subscription.Subscription, error) {
	job, err := r.store.GetJob(context.Background(), jobID)
	if err != nil {
		return nil, err
	}

	sub := r.hub.Subscribe(jobID, handler, func() []any {
		return lateJoinSnapshot(job)
	})
	return sub, nil
}

// lateJoinSnapshot builds the replay events a newly-subscribed caller needs
// to catch up to a job's current persisted state (spec §4.3 edge case: late
// subscribers never miss content already produced).
func lateJoinSnapshot(job *jobstore.Job) []any {
	var events []any
	switch job.Status {
	case jobstore.StatusPending:
		events = append(events, bus.StatusEvent{JobID: job.ID, Status: "pending", QueuePosition: job.QueuePosition, Model: job.RequestedModel})
		return events
	case jobstore.StatusStreaming:
		events = append(events, bus.StatusEvent{JobID: job.ID, Status: "streaming", QueuePosition: 0, Model: job.RequestedModel})
	case jobstore.StatusCompleted, jobstore.StatusError, jobstore.StatusCancelled:
		// Terminal jobs have already had their terminal event delivered and
		// their subscriber list dropped by the hub; a subscribe() after that
		// point gets only this replay, no live events will ever follow.
	}

	if job.Sources != "" {
		events = append(events, bus.SourcesEvent{JobID: job.ID, Sources: job.Sources})
	}
	if job.Thinking != "" {
		events = append(events, bus.ThinkingEvent{JobID: job.ID, Token: job.Thinking})
		events = append(events, bus.ThinkingEndEvent{JobID: job.ID})
	}
	if job.Content != "" {
		events = append(events, bus.ResponseEvent{JobID: job.ID, Token: job.Content})
	}

	switch job.Status {
	case jobstore.StatusCompleted:
		events = append(events, bus.DoneEvent{JobID: job.ID, Model: job.RequestedModel})
	case jobstore.StatusError:
		events = append(events, bus.ErrorEvent{JobID: job.ID, Error: job.ErrorMessage})
	case jobstore.StatusCancelled:
		events = append(events, bus.CancelledEvent{JobID: job.ID})
	}
	return events
}

// Cancel aborts jobID, whether it is currently streaming (the dispatcher
// tears down the in-flight upstream request and flushes what was received)
// or still pending (a direct store transition, spec §4.1 cancel()).
func (r *Runtime) Cancel(ctx context.Context, jobID string) error {
	if r.dispatcher.Cancel(jobID) {
		return nil
	}
	return r.store.CancelJob(ctx, jobID)
}

// Prioritize moves jobID to priority 1, the highest band StartNext
// considers (spec §4.1/§9 prioritize()). Only a still-pending job can be
// reprioritized.
func (r *Runtime) Prioritize(ctx context.Context, jobID string) error {
	return r.store.Reprioritize(ctx, jobID, 1)
}

// QueueStatus reports the current queue contents (spec §4.1/§9
// queueStatus()).
func (r *Runtime) QueueStatus(ctx context.Context) (*jobstore.QueueSnapshot, error) {
	return r.store.QueueSnapshot(ctx)
}
