package catalog

import (
	"context"
	"fmt"

	"github.com/edgecoord/jobqueue/internal/jobstore"
)

// CuratedModels returns the curated catalog entries shipped with the
// appliance (spec §4.6). These are upserted by SeedCatalog on every
// startup, independent of what the upstream runtime happens to have
// pulled already, so a curated model's id always satisfies
// installed.id's foreign key before the supervisor's first sync tick.
func CuratedModels() []jobstore.CatalogEntry {
	return []jobstore.CatalogEntry{
		{
			ID:            "llama3.2-3b",
			ExternalName:  "llama3.2:3b",
			DisplayName:   "Llama 3.2 3B",
			RAMRequiredGB: 3.5,
			Tier:          1,
			Capabilities:  []string{"chat"},
		},
		{
			ID:            "phi3-mini",
			ExternalName:  "phi3:mini",
			DisplayName:   "Phi-3 Mini",
			RAMRequiredGB: 3.8,
			Tier:          1,
			Capabilities:  []string{"chat"},
		},
		{
			ID:            "mistral-7b",
			ExternalName:  "mistral:7b",
			DisplayName:   "Mistral 7B",
			RAMRequiredGB: 6.5,
			Tier:          2,
			Capabilities:  []string{"chat", "rag"},
		},
		{
			ID:            "llama3.1-8b",
			ExternalName:  "llama3.1:8b",
			DisplayName:   "Llama 3.1 8B",
			RAMRequiredGB: 7.0,
			Tier:          2,
			Capabilities:  []string{"chat", "rag"},
		},
		{
			ID:            "qwen2.5-7b",
			ExternalName:  "qwen2.5:7b",
			DisplayName:   "Qwen 2.5 7B",
			RAMRequiredGB: 6.5,
			Tier:          2,
			Capabilities:  []string{"chat", "rag", "thinking"},
		},
		{
			ID:            "qwen2.5-14b",
			ExternalName:  "qwen2.5:14b",
			DisplayName:   "Qwen 2.5 14B",
			RAMRequiredGB: 12.0,
			Tier:          3,
			Capabilities:  []string{"chat", "rag", "thinking"},
		},
	}
}

// SeedCatalog upserts every curated model into store's catalog table. Safe
// to call on every startup: UpsertCatalogEntry is an idempotent replace, so
// re-seeding an already-populated catalog is a no-op beyond a few writes.
func SeedCatalog(ctx context.Context, store Store) error {
	for _, e := range CuratedModels() {
		if err := store.UpsertCatalogEntry(ctx, e); err != nil {
			return fmt.Errorf("seed catalog entry %s: %w", e.ID, err)
		}
	}
	return nil
}
