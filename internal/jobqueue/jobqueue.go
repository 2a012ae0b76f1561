// Package jobqueue wires the Job Store, Subscription Bus, Model Residency
// Manager, Streaming Dispatcher, Readiness & Auto-Unload Supervisor, Reaper,
// and Model Catalog into the Producer API a process embeds (SPEC_FULL §9
// dependency-inversion notes): this is the only package that knows every
// other package's concrete type. Everything downstream of it — cmd/jobqueued,
// internal/adminhttp — depends on Runtime, not on jobstore/dispatcher/etc
// directly.
//
// Grounded on cmd/goclaw/main.go's single wiring function that constructs
// every subsystem and threads shared dependencies (store, bus, config) into
// each one, generalized from "build an agent runtime" to "build a job queue
// runtime".
package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgecoord/jobqueue/internal/bus"
	"github.com/edgecoord/jobqueue/internal/catalog"
	"github.com/edgecoord/jobqueue/internal/dispatcher"
	"github.com/edgecoord/jobqueue/internal/jobstore"
	"github.com/edgecoord/jobqueue/internal/reaper"
	"github.com/edgecoord/jobqueue/internal/residency"
	"github.com/edgecoord/jobqueue/internal/runtimeclient"
	"github.com/edgecoord/jobqueue/internal/subscription"
	"github.com/edgecoord/jobqueue/internal/supervisor"
	"github.com/edgecoord/jobqueue/internal/telemetry"
)

// Config bundles every tunable SPEC_FULL §6 names, with zero values
// defaulted by each subsystem's own constructor.
type Config struct {
	DBPath              string
	UpstreamBaseURL     string
	UpstreamTimeout     time.Duration
	SwitchCooldown      time.Duration
	DefaultKeepAliveSec int
	BatchFlushInterval  time.Duration
	BatchFlushChars     int
	IdlePollInterval    time.Duration
	BatchingEnabled     bool
	DefaultModelFallback string
	Supervisor          supervisor.Config
	Reaper              reaper.Config
	Metrics             *telemetry.Metrics
}

// Runtime is the fully wired job queue: every Producer API operation (spec
// §4.1/§9) is a method on it.
type Runtime struct {
	store      *jobstore.Store
	hub        *subscription.Hub
	eventBus   *bus.Bus
	client     *runtimeclient.Client
	residency  *residency.Manager
	dispatcher *dispatcher.Dispatcher
	supervisor *supervisor.Supervisor
	reaper     *reaper.Reaper
	catalog    *catalog.Service
	logger     *slog.Logger
}

// New constructs every subsystem and wires them together. It does not start
// any background loop — call Start for that. The curated catalog (spec
// §4.6) is seeded here so installed.id's foreign key into catalog is
// satisfiable the moment the supervisor's first sync tick runs.
func New(cfg Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := jobstore.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	if err := catalog.SeedCatalog(context.Background(), store); err != nil {
		return nil, fmt.Errorf("seed catalog: %w", err)
	}

	eventBus := bus.NewWithLogger(logger)
	eventBus.SetMetrics(cfg.Metrics)
	hub := subscription.New(logger)
	client := runtimeclient.New(cfg.UpstreamBaseURL, cfg.UpstreamTimeout)

	res := residency.New(client, store, eventBus, logger, residency.Config{
		SwitchCooldown:      cfg.SwitchCooldown,
		DefaultKeepAliveSec: cfg.DefaultKeepAliveSec,
		Metrics:             cfg.Metrics,
	})

	disp := dispatcher.New(store, res, client, hub, eventBus, logger, dispatcher.Config{
		BatchFlushInterval: cfg.BatchFlushInterval,
		BatchFlushChars:    cfg.BatchFlushChars,
		IdlePollInterval:   cfg.IdlePollInterval,
		BatchingEnabled:    cfg.BatchingEnabled,
		Metrics:            cfg.Metrics,
	})

	sup := supervisor.New(res, store, client, logger, cfg.Supervisor)
	cfg.Reaper.Metrics = cfg.Metrics
	rp := reaper.New(store, logger, cfg.Reaper)
	cat := catalog.New(store, client, res, cfg.DefaultModelFallback)
	cat.SetMetrics(cfg.Metrics)

	return &Runtime{
		store:      store,
		hub:        hub,
		eventBus:   eventBus,
		client:     client,
		residency:  res,
		dispatcher: disp,
		supervisor: sup,
		reaper:     rp,
		catalog:    cat,
		logger:     logger,
	}, nil
}

// Start waits for the upstream runtime to become reachable, reconciles
// residency against /api/ps, then launches the dispatcher, supervisor, and
// reaper background loops. It returns once everything is running; callers
// should arrange for ctx's cancellation to shut the runtime down and then
// call Close.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.supervisor.WaitUntilReady(ctx); err != nil {
		return fmt.Errorf("upstream runtime not ready: %w", err)
	}

	if ps, err := r.client.Ps(ctx); err == nil && len(ps) > 0 {
		r.residency.Reconcile(ps[0].Name)
	}

	go func() {
		if err := r.dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("dispatcher_run_exited", slog.Any("error", err))
		}
	}()
	r.supervisor.Start(ctx)
	r.reaper.Start(ctx)

	r.logger.Info("jobqueue_started")
	return nil
}

// Stop halts the supervisor and reaper background loops. The dispatcher
// stops when the ctx passed to Start is cancelled.
func (r *Runtime) Stop() {
	r.supervisor.Stop()
	r.reaper.Stop()
}

// Close releases the underlying database handle. Call after Stop.
func (r *Runtime) Close() error {
	return r.store.Close()
}

// Store exposes the underlying Job Store for callers that need read-only
// access beyond the Producer API surface (e.g. internal/adminhttp).
func (r *Runtime) Store() *jobstore.Store { return r.store }

// Residency exposes the underlying Model Residency Manager, read-only
// access for internal/adminhttp.
func (r *Runtime) Residency() *residency.Manager { return r.residency }

// Catalog exposes the underlying catalog.Service, for internal/adminhttp
// and any operator-facing catalog CLI.
func (r *Runtime) Catalog() *catalog.Service { return r.catalog }
