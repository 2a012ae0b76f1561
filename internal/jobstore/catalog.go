package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// CatalogEntry is a model known to the appliance, installed or not
// (spec §4.6).
type CatalogEntry struct {
	ID             string
	ExternalName   string // the name the upstream runtime knows it by
	DisplayName    string
	RAMRequiredGB  float64
	Tier           int
	Capabilities   []string
}

// InstalledModel is the installation/usage record for a catalog entry that
// has been downloaded (or is downloading).
type InstalledModel struct {
	ID                 string
	Status             string // "downloading", "ready", "error"
	DownloadProgress   int    // 0-100
	IsDefault          bool
	LastUsedAt         *time.Time
	UsageCount         int
	DownloadedAt       *time.Time
	DownloadStartedAt  *time.Time
	ErrorMessage       string
}

// UpsertCatalogEntry inserts or replaces a catalog entry, used by the
// catalog sync (spec §4.4's periodic catalog refresh).
func (s *Store) UpsertCatalogEntry(ctx context.Context, e CatalogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catalog (id, external_name, display_name, ram_required_gb, tier, capabilities)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			external_name = excluded.external_name,
			display_name = excluded.display_name,
			ram_required_gb = excluded.ram_required_gb,
			tier = excluded.tier,
			capabilities = excluded.capabilities;
	`, e.ID, e.ExternalName, e.DisplayName, e.RAMRequiredGB, e.Tier, strings.Join(e.Capabilities, ","))
	if err != nil {
		return fmt.Errorf("upsert catalog entry %s: %w", e.ID, err)
	}
	return nil
}

// ListCatalog returns every known catalog entry ordered by tier then RAM
// requirement, ascending — the order the Model Catalog presents models in
// (spec §4.6).
func (s *Store) ListCatalog(ctx context.Context) ([]CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_name, display_name, ram_required_gb, tier, capabilities
		FROM catalog
		ORDER BY tier ASC, ram_required_gb ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	defer rows.Close()

	var entries []CatalogEntry
	for rows.Next() {
		var e CatalogEntry
		var caps string
		if err := rows.Scan(&e.ID, &e.ExternalName, &e.DisplayName, &e.RAMRequiredGB, &e.Tier, &caps); err != nil {
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}
		if caps != "" {
			e.Capabilities = strings.Split(caps, ",")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetCatalogEntry fetches one catalog entry by id.
func (s *Store) GetCatalogEntry(ctx context.Context, id string) (*CatalogEntry, error) {
	var e CatalogEntry
	var caps string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, external_name, display_name, ram_required_gb, tier, capabilities
		FROM catalog WHERE id = ?;
	`, id).Scan(&e.ID, &e.ExternalName, &e.DisplayName, &e.RAMRequiredGB, &e.Tier, &caps)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("model %s is not in the catalog", id)
		}
		return nil, fmt.Errorf("get catalog entry: %w", err)
	}
	if caps != "" {
		e.Capabilities = strings.Split(caps, ",")
	}
	return &e, nil
}

// SetInstallState upserts the installed-model record during a download
// (spec §4.6 download()), with progress 0-100 and status one of
// "downloading", "ready", "error". download_started_at is stamped the first
// time a row enters "downloading" and cleared once it leaves that state, so
// syncCatalog (spec §4.4) can tell a stuck download apart from a fresh one.
func (s *Store) SetInstallState(ctx context.Context, id, status string, progress int, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO installed (id, status, download_progress, error_message, downloaded_at, download_started_at)
		VALUES (
			?, ?, ?, ?,
			CASE WHEN ? = 'ready' THEN CURRENT_TIMESTAMP ELSE NULL END,
			CASE WHEN ? = 'downloading' THEN CURRENT_TIMESTAMP ELSE NULL END
		)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			download_progress = excluded.download_progress,
			error_message = excluded.error_message,
			downloaded_at = CASE WHEN excluded.status = 'ready' AND installed.downloaded_at IS NULL
				THEN CURRENT_TIMESTAMP ELSE installed.downloaded_at END,
			download_started_at = CASE
				WHEN excluded.status = 'downloading' AND installed.download_started_at IS NULL THEN CURRENT_TIMESTAMP
				WHEN excluded.status = 'downloading' THEN installed.download_started_at
				ELSE NULL
			END;
	`, id, status, progress, nullableString(errMsg), status, status)
	if err != nil {
		return fmt.Errorf("set install state for %s: %w", id, err)
	}
	return nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// DeleteInstalled removes the installed record for a model, as performed by
// delete() (spec §4.6) after the upstream runtime has evicted it.
func (s *Store) DeleteInstalled(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM installed WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete installed %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("model %s is not installed", id)
	}
	return nil
}

// ListInstalled returns every installed model record.
func (s *Store) ListInstalled(ctx context.Context) ([]InstalledModel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, download_progress, is_default, last_used_at, usage_count, downloaded_at, download_started_at, error_message
		FROM installed;
	`)
	if err != nil {
		return nil, fmt.Errorf("list installed: %w", err)
	}
	defer rows.Close()

	var out []InstalledModel
	for rows.Next() {
		var m InstalledModel
		var isDefault int
		var lastUsed, downloadedAt, downloadStartedAt sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&m.ID, &m.Status, &m.DownloadProgress, &isDefault, &lastUsed, &m.UsageCount, &downloadedAt, &downloadStartedAt, &errMsg); err != nil {
			return nil, fmt.Errorf("scan installed row: %w", err)
		}
		m.IsDefault = isDefault != 0
		if lastUsed.Valid {
			t := lastUsed.Time
			m.LastUsedAt = &t
		}
		if downloadedAt.Valid {
			t := downloadedAt.Time
			m.DownloadedAt = &t
		}
		if downloadStartedAt.Valid {
			t := downloadStartedAt.Time
			m.DownloadStartedAt = &t
		}
		if errMsg.Valid {
			m.ErrorMessage = errMsg.String
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordModelUsage bumps usage_count and last_used_at for a model, called
// whenever the Residency Manager activates it.
func (s *Store) RecordModelUsage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE installed SET usage_count = usage_count + 1, last_used_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, id)
	if err != nil {
		return fmt.Errorf("record model usage for %s: %w", id, err)
	}
	return nil
}

// SetDefault marks id as the default model and clears the flag from every
// other installed model, inside one transaction so there is never a moment
// with zero or more than one default (spec §4.6 setDefault()).
func (s *Store) SetDefault(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin set-default tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM installed WHERE id = ?;`, id).Scan(&status); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("model %s is not installed; cannot set as default", id)
			}
			return fmt.Errorf("read installed status: %w", err)
		}
		if status != "ready" {
			return fmt.Errorf("model %s is not ready (status=%s); cannot set as default", id, status)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE installed SET is_default = 0;`); err != nil {
			return fmt.Errorf("clear existing default: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE installed SET is_default = 1 WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("set default %s: %w", id, err)
		}
		return tx.Commit()
	})
}

// GetDefaultModel returns the id of the current default model, or "" if
// none is set.
func (s *Store) GetDefaultModel(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM installed WHERE is_default = 1 LIMIT 1;`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get default model: %w", err)
	}
	return id, nil
}

// RecordModelSwitch appends an entry to the model-switch ledger, backing
// the Residency Manager's switch history and the operator surface's
// recent-switches view.
func (s *Store) RecordModelSwitch(ctx context.Context, fromModel, toModel string, duration time.Duration, triggeredBy, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_switches (from_model, to_model, duration_ms, triggered_by, reason)
		VALUES (?, ?, ?, ?, ?);
	`, fromModel, toModel, duration.Milliseconds(), triggeredBy, reason)
	if err != nil {
		return fmt.Errorf("record model switch: %w", err)
	}
	return nil
}
