package jobstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/edgecoord/jobqueue/internal/jobstore"
)

func TestCatalogUpsertAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	entries := []jobstore.CatalogEntry{
		{ID: "phi3", ExternalName: "phi3:latest", DisplayName: "Phi-3 Mini", RAMRequiredGB: 4, Tier: 1, Capabilities: []string{"chat"}},
		{ID: "llama3", ExternalName: "llama3:latest", DisplayName: "Llama 3 8B", RAMRequiredGB: 8, Tier: 2, Capabilities: []string{"chat", "rag"}},
	}
	for _, e := range entries {
		if err := store.UpsertCatalogEntry(ctx, e); err != nil {
			t.Fatalf("upsert %s: %v", e.ID, err)
		}
	}

	got, err := store.ListCatalog(ctx)
	if err != nil {
		t.Fatalf("list catalog: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].ID != "phi3" || got[1].ID != "llama3" {
		t.Fatalf("expected catalog ordered by tier ascending, got %s then %s", got[0].ID, got[1].ID)
	}
}

func TestSetDefaultRequiresReadyInstall(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertCatalogEntry(ctx, jobstore.CatalogEntry{ID: "llama3", ExternalName: "llama3:latest", DisplayName: "Llama 3", RAMRequiredGB: 8}); err != nil {
		t.Fatalf("upsert catalog: %v", err)
	}
	if err := store.SetDefault(ctx, "llama3"); err == nil {
		t.Fatalf("expected error setting default before install exists")
	}

	if err := store.SetInstallState(ctx, "llama3", "downloading", 40, ""); err != nil {
		t.Fatalf("set install state: %v", err)
	}
	if err := store.SetDefault(ctx, "llama3"); err == nil {
		t.Fatalf("expected error setting default while still downloading")
	}

	if err := store.SetInstallState(ctx, "llama3", "ready", 100, ""); err != nil {
		t.Fatalf("set install state ready: %v", err)
	}
	if err := store.SetDefault(ctx, "llama3"); err != nil {
		t.Fatalf("set default: %v", err)
	}

	def, err := store.GetDefaultModel(ctx)
	if err != nil {
		t.Fatalf("get default model: %v", err)
	}
	if def != "llama3" {
		t.Fatalf("expected default llama3, got %q", def)
	}
}

func TestSetDefaultClearsPreviousDefault(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"modelA", "modelB"} {
		if err := store.UpsertCatalogEntry(ctx, jobstore.CatalogEntry{ID: id, ExternalName: id, DisplayName: id, RAMRequiredGB: 4}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
		if err := store.SetInstallState(ctx, id, "ready", 100, ""); err != nil {
			t.Fatalf("install %s: %v", id, err)
		}
	}

	if err := store.SetDefault(ctx, "modelA"); err != nil {
		t.Fatalf("set default A: %v", err)
	}
	if err := store.SetDefault(ctx, "modelB"); err != nil {
		t.Fatalf("set default B: %v", err)
	}

	installed, err := store.ListInstalled(ctx)
	if err != nil {
		t.Fatalf("list installed: %v", err)
	}
	defaults := 0
	for _, m := range installed {
		if m.IsDefault {
			defaults++
			if m.ID != "modelB" {
				t.Fatalf("expected modelB to be the sole default, found %s", m.ID)
			}
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default, got %d", defaults)
	}
}

func TestDeleteInstalledRequiresExistingRecord(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.DeleteInstalled(ctx, "nonexistent"); err == nil {
		t.Fatalf("expected error deleting a model with no installed record")
	}

	if err := store.UpsertCatalogEntry(ctx, jobstore.CatalogEntry{ID: "modelA", ExternalName: "modelA", DisplayName: "modelA", RAMRequiredGB: 4}); err != nil {
		t.Fatalf("upsert catalog: %v", err)
	}
	if err := store.SetInstallState(ctx, "modelA", "ready", 100, ""); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := store.DeleteInstalled(ctx, "modelA"); err != nil {
		t.Fatalf("delete installed: %v", err)
	}
}

func TestSetInstallStateTracksDownloadStartedAt(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertCatalogEntry(ctx, jobstore.CatalogEntry{ID: "modelA", ExternalName: "modelA", DisplayName: "modelA", RAMRequiredGB: 4}); err != nil {
		t.Fatalf("upsert catalog: %v", err)
	}
	if err := store.SetInstallState(ctx, "modelA", "downloading", 10, ""); err != nil {
		t.Fatalf("set downloading: %v", err)
	}

	installed, err := store.ListInstalled(ctx)
	if err != nil {
		t.Fatalf("list installed: %v", err)
	}
	if len(installed) != 1 || installed[0].DownloadStartedAt == nil {
		t.Fatalf("expected download_started_at set while downloading, got %+v", installed)
	}

	if err := store.SetInstallState(ctx, "modelA", "ready", 100, ""); err != nil {
		t.Fatalf("set ready: %v", err)
	}
	installed, err = store.ListInstalled(ctx)
	if err != nil {
		t.Fatalf("list installed: %v", err)
	}
	if installed[0].DownloadStartedAt != nil {
		t.Fatalf("expected download_started_at cleared once ready, got %+v", installed[0].DownloadStartedAt)
	}
}

func TestRecordModelSwitchAndUsage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertCatalogEntry(ctx, jobstore.CatalogEntry{ID: "modelA", ExternalName: "modelA", DisplayName: "modelA", RAMRequiredGB: 4}); err != nil {
		t.Fatalf("upsert catalog: %v", err)
	}
	if err := store.SetInstallState(ctx, "modelA", "ready", 100, ""); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := store.RecordModelUsage(ctx, "modelA"); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if err := store.RecordModelSwitch(ctx, "", "modelA", 820*time.Millisecond, "dispatcher", "queue_empty_for_current"); err != nil {
		t.Fatalf("record switch: %v", err)
	}

	installed, err := store.ListInstalled(ctx)
	if err != nil {
		t.Fatalf("list installed: %v", err)
	}
	if len(installed) != 1 || installed[0].UsageCount != 1 {
		t.Fatalf("expected usage count 1, got %#v", installed)
	}

	var switchCount int
	if err := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM model_switches;`).Scan(&switchCount); err != nil {
		t.Fatalf("count model switches: %v", err)
	}
	if switchCount != 1 {
		t.Fatalf("expected 1 model switch row, got %d", switchCount)
	}
}
