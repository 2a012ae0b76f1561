// Package dispatcher implements the Streaming Dispatcher (spec §4.3): the
// single goroutine that claims the next job from the Job Store, ensures
// its model is resident via the Model Residency Manager, streams tokens
// from the upstream runtime, and fans them out to subscribers while
// persisting them in batches.
//
// Grounded on the teacher's engine.Brain.Stream implementations for the
// "stream tokens, classify think-blocks, call back per chunk" shape, and
// on internal/cron's scheduler.go for the single-worker loop-with-wakeup-
// channel pattern (generalized here from a calendar-triggered loop to a
// work-queue-triggered one).
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/edgecoord/jobqueue/internal/audit"
	"github.com/edgecoord/jobqueue/internal/bus"
	"github.com/edgecoord/jobqueue/internal/jobstore"
	"github.com/edgecoord/jobqueue/internal/residency"
	"github.com/edgecoord/jobqueue/internal/runtimeclient"
	"github.com/edgecoord/jobqueue/internal/subscription"
	"github.com/edgecoord/jobqueue/internal/telemetry"
	"github.com/edgecoord/jobqueue/internal/tokenutil"
)

// JobStore is the subset of jobstore.Store the dispatcher needs.
type JobStore interface {
	ListPendingCandidates(ctx context.Context) ([]jobstore.PendingCandidate, error)
	ClaimJob(ctx context.Context, jobID string) (*jobstore.Job, error)
	AppendContent(ctx context.Context, jobID, contentDelta, thinkingDelta string) error
	SetSourcesOnce(ctx context.Context, jobID, sourcesJSON string) error
	CompleteJob(ctx context.Context, jobID string) error
	ErrorJob(ctx context.Context, jobID, errMsg string) error
	CancelJob(ctx context.Context, jobID string) error
}

// ResidencyManager is the subset of residency.Manager the dispatcher needs.
type ResidencyManager interface {
	Activate(ctx context.Context, model, triggeredBy, reason string) error
	LoadedModel() string
}

// RuntimeClient is the subset of runtimeclient.Client the dispatcher needs.
type RuntimeClient interface {
	Generate(ctx context.Context, req runtimeclient.GenerateRequest, onChunk func(runtimeclient.GenerateChunk) error) error
}

// Config bundles the dispatcher's batching tunables (spec §6).
type Config struct {
	BatchFlushInterval time.Duration // e.g. 500ms
	BatchFlushChars    int           // e.g. 100
	IdlePollInterval   time.Duration // how long to wait before re-checking an empty queue
	BatchingEnabled    bool          // pickNextBatched vs. plain priority/FIFO (spec §4.2, §6)
	Metrics            *telemetry.Metrics
}

// Dispatcher runs the single-worker processNext loop.
type Dispatcher struct {
	store     JobStore
	residency ResidencyManager
	client    RuntimeClient
	hub       *subscription.Hub
	bus       *bus.Bus
	logger    *slog.Logger
	cfg       Config

	kick chan struct{}

	mu          sync.Mutex
	cancelByJob map[string]context.CancelFunc
}

// New creates a Dispatcher.
func New(store JobStore, residency ResidencyManager, client RuntimeClient, hub *subscription.Hub, eventBus *bus.Bus, logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.BatchFlushInterval <= 0 {
		cfg.BatchFlushInterval = 500 * time.Millisecond
	}
	if cfg.BatchFlushChars <= 0 {
		cfg.BatchFlushChars = 100
	}
	if cfg.IdlePollInterval <= 0 {
		cfg.IdlePollInterval = 250 * time.Millisecond
	}
	return &Dispatcher{
		store:       store,
		residency:   residency,
		client:      client,
		hub:         hub,
		bus:         eventBus,
		logger:      logger,
		cfg:         cfg,
		kick:        make(chan struct{}, 1),
		cancelByJob: make(map[string]context.CancelFunc),
	}
}

// Kick wakes the dispatcher loop immediately instead of waiting out the
// idle poll interval — called by Enqueue so a freshly queued job with
// nothing ahead of it starts right away.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Cancel aborts jobID's in-flight generation, if it is the job currently
// streaming. Returns false if jobID is not currently streaming.
func (d *Dispatcher) Cancel(jobID string) bool {
	d.mu.Lock()
	cancel, ok := d.cancelByJob[jobID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Run processes jobs until ctx is cancelled. There is exactly one
// Dispatcher worker per process (spec invariant: at most one job is
// streaming at a time), so this should only ever be called once.
func (d *Dispatcher) Run(ctx context.Context) error {
	timer := time.NewTimer(d.cfg.IdlePollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := d.claimNext(ctx)
		if err != nil {
			if d.logger != nil {
				d.logger.Error("dispatcher_claim_next_failed", slog.Any("error", err))
			}
			job = nil
		}

		if job == nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.cfg.IdlePollInterval)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.kick:
			case <-timer.C:
			}
			continue
		}

		d.processJob(ctx, job)
	}
}

// claimNext implements the claiming half of pickNextBatched (spec §4.2):
// list the pending candidates, ask the residency batching policy which one
// should run next given the model currently resident, then claim exactly
// that one. Returns (nil, nil) when the queue is empty.
func (d *Dispatcher) claimNext(ctx context.Context) (*jobstore.Job, error) {
	candidates, err := d.store.ListPendingCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	chosen, shouldSwitch, reason, found := residency.PickNextBatched(candidates, d.residency.LoadedModel(), d.cfg.BatchingEnabled, time.Now())
	if !found {
		return nil, nil
	}
	if shouldSwitch && d.logger != nil {
		d.logger.Info("dispatcher_model_switch_chosen",
			slog.String("job_id", chosen.ID), slog.String("model", chosen.RequestedModel), slog.String("reason", reason))
	}

	return d.store.ClaimJob(ctx, chosen.ID)
}

func (d *Dispatcher) processJob(ctx context.Context, job *jobstore.Job) {
	dispatchStart := time.Now()
	jobCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancelByJob[job.ID] = cancel
	d.mu.Unlock()
	defer func() {
		cancel()
		d.mu.Lock()
		delete(d.cancelByJob, job.ID)
		d.mu.Unlock()
	}()

	prompt, err := buildPrompt(job)
	if err != nil {
		d.failJob(ctx, job.ID, err)
		return
	}

	model, err := d.activateModel(jobCtx, job)
	if err != nil {
		d.failJob(ctx, job.ID, err)
		return
	}

	d.hub.Publish(job.ID, bus.StatusEvent{JobID: job.ID, Status: "streaming", QueuePosition: 0, Model: model}, false)
	audit.Record("job.streaming_started", job.ID, model, "", "")

	if prompt.Sources != nil {
		sourcesJSON, err := json.Marshal(prompt.Sources)
		if err == nil {
			_ = d.store.SetSourcesOnce(jobCtx, job.ID, string(sourcesJSON))
			d.hub.Publish(job.ID, bus.SourcesEvent{JobID: job.ID, Sources: prompt.Sources}, false)
		}
	}

	acc := newBatchAccumulator(d.store, job.ID, d.cfg.BatchFlushInterval, d.cfg.BatchFlushChars)
	defer acc.stop()
	parser := &thinkParser{}
	var fullContent strings.Builder

	genErr := d.client.Generate(jobCtx, runtimeclient.GenerateRequest{
		Model:       model,
		Prompt:      prompt.Prompt,
		Temperature: prompt.Temperature,
		NumPredict:  prompt.NumPredict,
	}, func(chunk runtimeclient.GenerateChunk) error {
		delta := parser.Feed(chunk.Response)
		thinking := delta.Thinking
		if !prompt.ThinkingEnabled {
			thinking = ""
		} else {
			if delta.Thinking != "" {
				d.hub.Publish(job.ID, bus.ThinkingEvent{JobID: job.ID, Token: delta.Thinking}, false)
			}
			if delta.ThinkingEnd {
				d.hub.Publish(job.ID, bus.ThinkingEndEvent{JobID: job.ID}, false)
			}
		}
		if delta.Content != "" {
			d.hub.Publish(job.ID, bus.ResponseEvent{JobID: job.ID, Token: delta.Content}, false)
			fullContent.WriteString(delta.Content)
		}
		acc.add(delta.Content, thinking)
		return nil
	})

	// jobCtx may already be cancelled here (cancellation path below); flush
	// against the parent ctx so the terminal flush still persists whatever
	// the accumulator is holding instead of failing on a dead context.
	flushErr := acc.flush(ctx)

	if jobCtx.Err() != nil {
		if err := d.store.CancelJob(ctx, job.ID); err != nil && d.logger != nil {
			d.logger.Error("dispatcher_cancel_job_failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		d.hub.Publish(job.ID, bus.CancelledEvent{JobID: job.ID}, true)
		audit.Record("job.cancelled", job.ID, model, "", "")
		return
	}

	if genErr != nil {
		d.failJob(ctx, job.ID, genErr)
		return
	}
	if flushErr != nil {
		d.failJob(ctx, job.ID, flushErr)
		return
	}

	if err := d.store.CompleteJob(ctx, job.ID); err != nil {
		if d.logger != nil {
			d.logger.Error("dispatcher_complete_job_failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.DispatchDuration.Record(ctx, time.Since(dispatchStart).Seconds())
		d.cfg.Metrics.StreamTokens.Add(ctx, int64(tokenutil.CeilLen4(fullContent.String())))
	}
	d.hub.Publish(job.ID, bus.DoneEvent{JobID: job.ID, Model: model, Timestamp: time.Now().UTC()}, true)
	audit.Record("job.completed", job.ID, model, "", "")
}

func (d *Dispatcher) activateModel(ctx context.Context, job *jobstore.Job) (string, error) {
	sequence := job.ModelSequence
	if len(sequence) == 0 {
		sequence = []string{job.RequestedModel}
	}

	var lastErr error
	for _, model := range sequence {
		if err := d.residency.Activate(ctx, model, "dispatcher", "job_claimed"); err != nil {
			lastErr = err
			if d.logger != nil {
				d.logger.Warn("dispatcher_activate_failed", slog.String("job_id", job.ID), slog.String("model", model), slog.Any("error", err))
			}
			continue
		}
		return model, nil
	}
	return "", fmt.Errorf("no model in sequence could be activated, last error: %w", lastErr)
}

func (d *Dispatcher) failJob(ctx context.Context, jobID string, cause error) {
	msg := cause.Error()
	if err := d.store.ErrorJob(ctx, jobID, msg); err != nil && d.logger != nil {
		d.logger.Error("dispatcher_error_job_failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
	d.hub.Publish(jobID, bus.ErrorEvent{JobID: jobID, Error: msg}, true)
	audit.Record("job.error", jobID, "", "", msg)
}
