// Package catalog implements the Model Catalog & Installer (spec §4.6):
// the list of models the appliance knows about, their install/download
// state, and the explicit→default model resolution the Job Store's
// enqueue() depends on.
package catalog

import (
	"context"
	"fmt"

	"github.com/edgecoord/jobqueue/internal/jobstore"
	"github.com/edgecoord/jobqueue/internal/runtimeclient"
	"github.com/edgecoord/jobqueue/internal/telemetry"
)

// Store is the subset of jobstore.Store the catalog needs.
type Store interface {
	ListCatalog(ctx context.Context) ([]jobstore.CatalogEntry, error)
	UpsertCatalogEntry(ctx context.Context, e jobstore.CatalogEntry) error
	GetCatalogEntry(ctx context.Context, id string) (*jobstore.CatalogEntry, error)
	ListInstalled(ctx context.Context) ([]jobstore.InstalledModel, error)
	SetInstallState(ctx context.Context, id, status string, progress int, errMsg string) error
	DeleteInstalled(ctx context.Context, id string) error
	SetDefault(ctx context.Context, id string) error
	GetDefaultModel(ctx context.Context) (string, error)
}

// RuntimeClient is the subset of runtimeclient.Client the catalog needs.
type RuntimeClient interface {
	Pull(ctx context.Context, model string, onStatus func(runtimeclient.PullStatus) error) error
	Delete(ctx context.Context, model string) error
}

// ResidencyManager is the subset of residency.Manager the catalog needs:
// what's currently loaded, so ResolveModel can fall back to it and Delete
// can unload it before removing its install record.
type ResidencyManager interface {
	LoadedModel() string
	Unload(ctx context.Context, reason string) error
}

// Service implements the catalog's operations over a Store and an upstream
// RuntimeClient.
type Service struct {
	store           Store
	client          RuntimeClient
	residency       ResidencyManager
	defaultFallback string
	metrics         *telemetry.Metrics
}

// New creates a Service. defaultFallback is the last resort in
// ResolveModel's priority chain (spec §4.6), usually sourced from
// config.Config.DefaultModelFallback.
func New(store Store, client RuntimeClient, residency ResidencyManager, defaultFallback string) *Service {
	return &Service{store: store, client: client, residency: residency, defaultFallback: defaultFallback}
}

// SetMetrics attaches the instrument set Download records bytes pulled
// against. Optional — nil leaves byte accounting off.
func (s *Service) SetMetrics(m *telemetry.Metrics) {
	s.metrics = m
}

// Entry is one row of the merged catalog+installed view (spec §4.6).
type Entry struct {
	jobstore.CatalogEntry
	Installed *jobstore.InstalledModel
}

// Catalog returns every known model, merged with its install state if any.
func (s *Service) Catalog(ctx context.Context) ([]Entry, error) {
	entries, err := s.store.ListCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	installed, err := s.store.ListInstalled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list installed: %w", err)
	}
	installedByID := make(map[string]jobstore.InstalledModel, len(installed))
	for _, m := range installed {
		installedByID[m.ID] = m
	}

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		entry := Entry{CatalogEntry: e}
		if m, ok := installedByID[e.ID]; ok {
			mCopy := m
			entry.Installed = &mCopy
		}
		out = append(out, entry)
	}
	return out, nil
}

// Download starts (or resumes) installing id, blocking until the download
// finishes or fails. Progress is persisted to the installed table as it
// advances so a concurrent Catalog() call sees live progress (spec §4.6
// download()).
func (s *Service) Download(ctx context.Context, id string) error {
	entry, err := s.store.GetCatalogEntry(ctx, id)
	if err != nil {
		return err
	}

	if err := s.store.SetInstallState(ctx, id, "downloading", 0, ""); err != nil {
		return fmt.Errorf("mark %s downloading: %w", id, err)
	}

	var lastCompleted int64
	pullErr := s.client.Pull(ctx, entry.ExternalName, func(status runtimeclient.PullStatus) error {
		pct := status.Percent()
		if err := s.store.SetInstallState(ctx, id, "downloading", pct, ""); err != nil {
			return fmt.Errorf("record download progress for %s: %w", id, err)
		}
		if s.metrics != nil && status.Completed > lastCompleted {
			s.metrics.DownloadBytes.Add(ctx, status.Completed-lastCompleted)
		}
		if status.Completed > lastCompleted {
			lastCompleted = status.Completed
		}
		return nil
	})
	if pullErr != nil {
		_ = s.store.SetInstallState(ctx, id, "error", 0, pullErr.Error())
		return fmt.Errorf("download %s: %w", id, pullErr)
	}

	if err := s.store.SetInstallState(ctx, id, "ready", 100, ""); err != nil {
		return fmt.Errorf("mark %s ready: %w", id, err)
	}

	def, err := s.store.GetDefaultModel(ctx)
	if err != nil {
		return fmt.Errorf("check existing default after downloading %s: %w", id, err)
	}
	if def == "" {
		if err := s.store.SetDefault(ctx, id); err != nil {
			return fmt.Errorf("set %s as default after download: %w", id, err)
		}
	}
	return nil
}

// Delete removes an installed model. If it is currently resident it is
// unloaded first, so the upstream runtime is never asked to delete a model
// it still has loaded in memory. A 404 from the upstream runtime is treated
// as already-deleted rather than a failure (spec §4.6 delete()).
func (s *Service) Delete(ctx context.Context, id string) error {
	entry, err := s.store.GetCatalogEntry(ctx, id)
	if err != nil {
		return err
	}
	if s.residency != nil && s.residency.LoadedModel() == id {
		if err := s.residency.Unload(ctx, "model_deleted"); err != nil {
			return fmt.Errorf("unload resident model %s before delete: %w", id, err)
		}
	}
	if err := s.client.Delete(ctx, entry.ExternalName); err != nil {
		return fmt.Errorf("delete %s from upstream: %w", id, err)
	}
	return s.store.DeleteInstalled(ctx, id)
}

// SetDefault marks id as the default model used when a job omits an
// explicit model.
func (s *Service) SetDefault(ctx context.Context, id string) error {
	return s.store.SetDefault(ctx, id)
}

// ResolveModel implements enqueue()'s explicit→default resolution (spec
// §4.1/§4.6). An explicit, non-empty model is returned as-is. Otherwise the
// priority chain is: the explicit DB default, then the currently loaded
// model if it's a recognised (ready) install, then the most recently
// downloaded ready install, then the configured env fallback. It is an
// error to exhaust the whole chain with nothing resolved.
func (s *Service) ResolveModel(ctx context.Context, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}

	def, err := s.store.GetDefaultModel(ctx)
	if err != nil {
		return "", fmt.Errorf("get default model: %w", err)
	}
	if def != "" {
		return def, nil
	}

	installed, err := s.store.ListInstalled(ctx)
	if err != nil {
		return "", fmt.Errorf("list installed: %w", err)
	}
	byID := make(map[string]jobstore.InstalledModel, len(installed))
	for _, m := range installed {
		byID[m.ID] = m
	}

	if s.residency != nil {
		if loaded := s.residency.LoadedModel(); loaded != "" {
			if m, ok := byID[loaded]; ok && m.Status == "ready" {
				return loaded, nil
			}
		}
	}

	var mostRecent jobstore.InstalledModel
	haveMostRecent := false
	for _, m := range installed {
		if m.Status != "ready" || m.DownloadedAt == nil {
			continue
		}
		if !haveMostRecent || m.DownloadedAt.After(*mostRecent.DownloadedAt) {
			mostRecent = m
			haveMostRecent = true
		}
	}
	if haveMostRecent {
		return mostRecent.ID, nil
	}

	if s.defaultFallback != "" {
		return s.defaultFallback, nil
	}

	return "", fmt.Errorf("no model specified and no default model could be resolved")
}
