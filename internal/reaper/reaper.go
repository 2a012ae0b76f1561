// Package reaper implements the Timeout/Stale-Job Reaper (spec §4.5): a
// frequent sweep that errors out jobs which have overrun their bound, and
// an hourly sweep that purges old terminal jobs so the store doesn't grow
// without bound.
//
// Grounded on internal/cron/scheduler.go's Start/Stop/ticker-loop for the
// frequent scan, and on robfig/cron/v3 (already the teacher's dependency
// for calendar-shaped schedules) for the hourly purge, used here with the
// literal "@hourly" shorthand rather than the teacher's per-row stored cron
// expressions — this spec has exactly one hourly job, not a user-defined
// schedule table.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/edgecoord/jobqueue/internal/telemetry"
)

// Store is the subset of jobstore.Store the reaper needs.
type Store interface {
	ReapStale(ctx context.Context, staleStreamingTimeout time.Duration) ([]string, error)
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Config bundles the reaper's tunables (spec §6).
type Config struct {
	ScanInterval          time.Duration // default 60s
	StaleStreamingTimeout time.Duration // default 5m
	PurgeRetention        time.Duration // how long a terminal job survives before purge, default 24h
	Metrics               *telemetry.Metrics
}

// Reaper runs the scan loop and the hourly purge cron job.
type Reaper struct {
	store  Store
	logger *slog.Logger
	cfg    Config

	cron   *cronlib.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Reaper.
func New(store Store, logger *slog.Logger, cfg Config) *Reaper {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 60 * time.Second
	}
	if cfg.StaleStreamingTimeout <= 0 {
		cfg.StaleStreamingTimeout = 5 * time.Minute
	}
	if cfg.PurgeRetention <= 0 {
		cfg.PurgeRetention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:  store,
		logger: logger,
		cfg:    cfg,
	}
}

// Start launches the scan loop and registers the hourly purge job.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.scanLoop(ctx)

	r.cron = cronlib.New()
	if _, err := r.cron.AddFunc("@hourly", func() { r.purge(ctx) }); err != nil {
		r.logger.Error("reaper_schedule_purge_failed", slog.Any("error", err))
	}
	r.cron.Start()

	r.logger.Info("reaper_started",
		slog.Duration("scan_interval", r.cfg.ScanInterval),
		slog.Duration("stale_streaming_timeout", r.cfg.StaleStreamingTimeout))
}

// Stop cancels the scan loop and stops the cron scheduler, waiting for
// in-flight work to finish.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.cron != nil {
		cronCtx := r.cron.Stop()
		<-cronCtx.Done()
	}
	r.wg.Wait()
}

func (r *Reaper) scanLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scan(ctx)
		}
	}
}

func (r *Reaper) scan(ctx context.Context) {
	reaped, err := r.store.ReapStale(ctx, r.cfg.StaleStreamingTimeout)
	if err != nil {
		r.logger.Error("reaper_scan_failed", slog.Any("error", err))
		return
	}
	if len(reaped) > 0 {
		r.logger.Info("reaper_reaped_stale_jobs", slog.Int("count", len(reaped)), slog.Any("job_ids", reaped))
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.ReapedJobs.Add(ctx, int64(len(reaped)))
		}
	}
}

func (r *Reaper) purge(ctx context.Context) {
	deleted, err := r.store.PurgeTerminal(ctx, r.cfg.PurgeRetention)
	if err != nil {
		r.logger.Error("reaper_purge_failed", slog.Any("error", err))
		return
	}
	if deleted > 0 {
		r.logger.Info("reaper_purged_terminal_jobs", slog.Int64("count", deleted))
	}
}
