// Package supervisor implements the Readiness & Auto-Unload Supervisor
// (spec §4.4): waits for the upstream runtime to become reachable, keeps
// the catalog in sync with what the runtime actually has installed, and
// unloads the resident model once it has sat idle past the inactivity
// threshold.
//
// Grounded on internal/cron/scheduler.go's Start/Stop/ticker-loop shape
// (NewScheduler/Start/Stop/loop/tick), generalized from a single cron tick
// to three independently-paced loops, and on internal/doctor/doctor.go's
// ordered-list-of-checks shape for the readiness wait.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/edgecoord/jobqueue/internal/jobstore"
	"github.com/edgecoord/jobqueue/internal/runtimeclient"
)

// ResidencyManager is the subset the supervisor needs.
type ResidencyManager interface {
	LoadedModel() string
	Unload(ctx context.Context, reason string) error
}

// Store is the subset of jobstore.Store the supervisor needs.
type Store interface {
	ListCatalog(ctx context.Context) ([]jobstore.CatalogEntry, error)
	UpsertCatalogEntry(ctx context.Context, e jobstore.CatalogEntry) error
	ListInstalled(ctx context.Context) ([]jobstore.InstalledModel, error)
	SetInstallState(ctx context.Context, id, status string, progress int, errMsg string) error
	AllActiveJobs(ctx context.Context) ([]*jobstore.Job, error)
}

const downloadStaleAfter = time.Hour

// RuntimeClient is the subset the supervisor needs.
type RuntimeClient interface {
	Tags(ctx context.Context) ([]runtimeclient.TagInfo, error)
	Ps(ctx context.Context) ([]runtimeclient.PsInfo, error)
}

// Config bundles the supervisor's tunables (spec §6).
type Config struct {
	SyncInterval          time.Duration // catalog sync cadence, default 60s
	UnloadCheckInterval    time.Duration // idle-check cadence, default 30s
	InactivityThreshold    time.Duration // idle duration before auto-unload
	ReadinessPollMin       time.Duration // initial readiness poll backoff, default 1s
	ReadinessPollMax       time.Duration // capped readiness poll backoff, default 10s
	ReadinessBudget        time.Duration // total time to wait for readiness, default 5m
}

// Supervisor runs the three background loops.
type Supervisor struct {
	residency ResidencyManager
	store     Store
	client    RuntimeClient
	logger    *slog.Logger
	cfg       Config

	mu           sync.Mutex
	lastActivity time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Supervisor.
func New(residency ResidencyManager, store Store, client RuntimeClient, logger *slog.Logger, cfg Config) *Supervisor {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 60 * time.Second
	}
	if cfg.UnloadCheckInterval <= 0 {
		cfg.UnloadCheckInterval = 30 * time.Second
	}
	if cfg.InactivityThreshold <= 0 {
		cfg.InactivityThreshold = 10 * time.Minute
	}
	if cfg.ReadinessPollMin <= 0 {
		cfg.ReadinessPollMin = time.Second
	}
	if cfg.ReadinessPollMax <= 0 {
		cfg.ReadinessPollMax = 10 * time.Second
	}
	if cfg.ReadinessBudget <= 0 {
		cfg.ReadinessBudget = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		residency:    residency,
		store:        store,
		client:       client,
		logger:       logger,
		cfg:          cfg,
		lastActivity: time.Now(),
	}
}

// NoteActivity records that a job just claimed or finished, resetting the
// idle clock the unload-check loop watches.
func (s *Supervisor) NoteActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

func (s *Supervisor) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// WaitUntilReady polls the upstream runtime with exponential backoff
// (capped at ReadinessPollMax) until /api/tags succeeds or the readiness
// budget is exhausted.
func (s *Supervisor) WaitUntilReady(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.ReadinessBudget)
	backoff := s.cfg.ReadinessPollMin

	for {
		_, err := s.client.Tags(ctx)
		if err == nil {
			s.logger.Info("supervisor_runtime_ready")
			return nil
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		s.logger.Warn("supervisor_runtime_not_ready", slog.Any("error", err), slog.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > s.cfg.ReadinessPollMax {
			backoff = s.cfg.ReadinessPollMax
		}
	}
}

// Start launches the catalog-sync and auto-unload loops in the background.
// Callers should call WaitUntilReady first.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.syncLoop(ctx)
	go s.unloadLoop(ctx)
	s.logger.Info("supervisor_started",
		slog.Duration("sync_interval", s.cfg.SyncInterval),
		slog.Duration("unload_check_interval", s.cfg.UnloadCheckInterval),
		slog.Duration("inactivity_threshold", s.cfg.InactivityThreshold))
}

// Stop cancels both loops and waits for them to exit.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) syncLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	s.syncCatalog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncCatalog(ctx)
		}
	}
}

// syncCatalog reconciles the installed table against what the upstream
// runtime reports in /api/tags (spec §4.4). A download that completed via
// some other path (e.g. a manual `ollama pull` on the host) still shows up
// as ready; a curated model never pulled by this appliance gets a minted
// catalog row keyed by its own external name, so installed.id's foreign key
// into catalog is always satisfiable. Models the runtime no longer reports,
// and downloads stuck past downloadStaleAfter, are flipped to error.
func (s *Supervisor) syncCatalog(ctx context.Context) {
	tags, err := s.client.Tags(ctx)
	if err != nil {
		s.logger.Warn("supervisor_catalog_sync_failed", slog.Any("error", err))
		return
	}
	upstreamNames := make(map[string]bool, len(tags))
	for _, t := range tags {
		upstreamNames[t.Name] = true
	}

	catalogEntries, err := s.store.ListCatalog(ctx)
	if err != nil {
		s.logger.Warn("supervisor_list_catalog_failed", slog.Any("error", err))
		return
	}
	idByExternalName := make(map[string]string, len(catalogEntries))
	catalogByID := make(map[string]jobstore.CatalogEntry, len(catalogEntries))
	for _, e := range catalogEntries {
		idByExternalName[e.ExternalName] = e.ID
		catalogByID[e.ID] = e
	}

	installed, err := s.store.ListInstalled(ctx)
	if err != nil {
		s.logger.Warn("supervisor_list_installed_failed", slog.Any("error", err))
		return
	}
	installedByID := make(map[string]jobstore.InstalledModel, len(installed))
	for _, m := range installed {
		installedByID[m.ID] = m
	}

	for _, tag := range tags {
		id, ok := idByExternalName[tag.Name]
		if !ok {
			id = tag.Name
			entry := jobstore.CatalogEntry{ID: id, ExternalName: tag.Name, DisplayName: tag.Name}
			if err := s.store.UpsertCatalogEntry(ctx, entry); err != nil {
				s.logger.Warn("supervisor_mint_catalog_entry_failed", slog.String("model", tag.Name), slog.Any("error", err))
				continue
			}
			catalogByID[id] = entry
		}
		if m, ok := installedByID[id]; !ok || m.Status != "ready" {
			if err := s.store.SetInstallState(ctx, id, "ready", 100, ""); err != nil {
				s.logger.Warn("supervisor_reconcile_install_state_failed", slog.String("model", id), slog.Any("error", err))
			}
		}
	}

	for _, m := range installed {
		entry, ok := catalogByID[m.ID]
		if !ok {
			continue
		}
		switch m.Status {
		case "ready":
			if !upstreamNames[entry.ExternalName] {
				if err := s.store.SetInstallState(ctx, m.ID, "error", m.DownloadProgress, "Model is no longer available on the upstream runtime"); err != nil {
					s.logger.Warn("supervisor_flip_missing_model_failed", slog.String("model", m.ID), slog.Any("error", err))
				}
			}
		case "downloading":
			if m.DownloadStartedAt == nil || time.Since(*m.DownloadStartedAt) > downloadStaleAfter {
				if err := s.store.SetInstallState(ctx, m.ID, "error", m.DownloadProgress, "Download aborted — please retry"); err != nil {
					s.logger.Warn("supervisor_flip_stale_download_failed", slog.String("model", m.ID), slog.Any("error", err))
				}
			}
		}
	}
}

func (s *Supervisor) unloadLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.UnloadCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkIdleUnload(ctx)
		}
	}
}

// checkIdleUnload unloads the resident model once the queue has been empty
// and nothing has claimed a job for longer than InactivityThreshold (spec
// §4.4). It never unloads while a job is active, even if the idle clock is
// stale (e.g. right after a long streaming job finishes).
func (s *Supervisor) checkIdleUnload(ctx context.Context) {
	if s.residency.LoadedModel() == "" {
		return
	}
	active, err := s.store.AllActiveJobs(ctx)
	if err != nil {
		s.logger.Warn("supervisor_list_active_jobs_failed", slog.Any("error", err))
		return
	}
	if len(active) > 0 {
		return
	}
	if s.idleSince() < s.cfg.InactivityThreshold {
		return
	}
	if err := s.residency.Unload(ctx, "inactivity_timeout"); err != nil {
		s.logger.Warn("supervisor_auto_unload_failed", slog.Any("error", err))
		return
	}
	s.logger.Info("supervisor_auto_unloaded", slog.Duration("idle_for", s.idleSince()))
}
