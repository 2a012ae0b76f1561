package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const jobColumns = `
	id, conversation_id, type, status, priority, queue_position,
	requested_model, model_sequence, max_wait_seconds, payload,
	content, thinking, sources, message_id,
	queued_at, started_at, completed_at, last_update_at, error_message
`

func scanJob(scan func(dest ...any) error) (*Job, error) {
	var j Job
	var jobType, status string
	var modelSequence, sources, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	if err := scan(
		&j.ID, &j.ConversationID, &jobType, &status, &j.Priority, &j.QueuePosition,
		&j.RequestedModel, &modelSequence, &j.MaxWaitSeconds, &j.RequestPayload,
		&j.Content, &j.Thinking, &sources, &j.MessageID,
		&j.QueuedAt, &startedAt, &completedAt, &j.LastUpdateAt, &errMsg,
	); err != nil {
		return nil, err
	}

	j.Type = JobType(jobType)
	j.Status = JobStatus(status)
	if sources.Valid {
		j.Sources = sources.String
	}
	if errMsg.Valid {
		j.ErrorMessage = errMsg.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if modelSequence.Valid && modelSequence.String != "" {
		var seq []string
		if err := json.Unmarshal([]byte(modelSequence.String), &seq); err != nil {
			return nil, fmt.Errorf("decode model_sequence: %w", err)
		}
		j.ModelSequence = seq
	}
	return &j, nil
}

func getJobTx(ctx context.Context, tx *sql.Tx, jobID string) (*Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, jobID)
	job, err := scanJob(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("job %s not found", jobID)
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// GetJob fetches a single job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, jobID)
	job, err := scanJob(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("job %s not found", jobID)
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ActiveJobsForConversation returns every non-terminal job for a
// conversation, ordered by queued_at — used to enforce "at most one active
// job per conversation" at the Producer boundary (spec §4.1 edge case).
func (s *Store) ActiveJobsForConversation(ctx context.Context, conversationID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE conversation_id = ? AND status IN (?, ?)
		ORDER BY queued_at ASC;
	`, conversationID, StatusPending, StatusStreaming)
	if err != nil {
		return nil, fmt.Errorf("query active jobs for conversation: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// AllActiveJobs returns every pending or streaming job, ordered the same
// way StartNext claims them: priority DESC, queued_at ASC. Used for queue
// snapshots and the admin HTTP read-only surface.
func (s *Store) AllActiveJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?)
		ORDER BY priority DESC, queued_at ASC;
	`, StatusPending, StatusStreaming)
	if err != nil {
		return nil, fmt.Errorf("query active jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

// PendingCandidate is the slim projection of a pending job that the Model
// Residency Manager's pickNextBatched decision (spec §4.2) needs — enough
// to choose without paying for the full job row (content/thinking/sources).
type PendingCandidate struct {
	ID             string
	RequestedModel string
	Priority       int
	QueuedAt       time.Time
	MaxWaitSeconds int
}

// ListPendingCandidates returns every pending job's batching-relevant
// fields, ordered priority DESC, queued_at ASC (the FIFO fallback order).
// pickNextBatched picks among these rather than claiming one outright, so
// the choice and the claim (ClaimJob) are separate steps.
func (s *Store) ListPendingCandidates(ctx context.Context) ([]PendingCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, requested_model, priority, queued_at, max_wait_seconds
		FROM jobs
		WHERE status = ?
		ORDER BY priority DESC, queued_at ASC;
	`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("query pending candidates: %w", err)
	}
	defer rows.Close()

	var candidates []PendingCandidate
	for rows.Next() {
		var c PendingCandidate
		if err := rows.Scan(&c.ID, &c.RequestedModel, &c.Priority, &c.QueuedAt, &c.MaxWaitSeconds); err != nil {
			return nil, fmt.Errorf("scan pending candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending candidates: %w", err)
	}
	return candidates, nil
}

// QueueSnapshot is the read-only view backing the Producer API's
// queueStatus() operation and the admin HTTP /queue endpoint (spec §4.1,
// SPEC_FULL §4.7).
type QueueSnapshot struct {
	PendingCount   int
	StreamingCount int
	Jobs           []*Job
}

// QueueSnapshot reports the current queue contents.
func (s *Store) QueueSnapshot(ctx context.Context) (*QueueSnapshot, error) {
	jobs, err := s.AllActiveJobs(ctx)
	if err != nil {
		return nil, err
	}
	snap := &QueueSnapshot{Jobs: jobs}
	for _, j := range jobs {
		switch j.Status {
		case StatusPending:
			snap.PendingCount++
		case StatusStreaming:
			snap.StreamingCount++
		}
	}
	return snap, nil
}

// ReapStale finds jobs that have overrun their bound and errors them out
// (spec §4.5): a pending job whose queued_at is older than its own
// maxWaitSeconds, or a streaming job that has not been appended to (or
// otherwise updated) within staleStreamingTimeout. Returns the ids that
// were reaped.
func (s *Store) ReapStale(ctx context.Context, staleStreamingTimeout time.Duration) ([]string, error) {
	var reaped []string
	err := retryOnBusy(ctx, 5, func() error {
		reaped = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reap tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		pendingRows, err := tx.QueryContext(ctx, `
			SELECT id FROM jobs
			WHERE status = ? AND (strftime('%s','now') - strftime('%s', queued_at)) > max_wait_seconds;
		`, StatusPending)
		if err != nil {
			return fmt.Errorf("query stale pending jobs: %w", err)
		}
		var pendingIDs []string
		for pendingRows.Next() {
			var id string
			if err := pendingRows.Scan(&id); err != nil {
				pendingRows.Close()
				return fmt.Errorf("scan stale pending id: %w", err)
			}
			pendingIDs = append(pendingIDs, id)
		}
		pendingRows.Close()
		if err := pendingRows.Err(); err != nil {
			return fmt.Errorf("iterate stale pending rows: %w", err)
		}

		staleSeconds := int(staleStreamingTimeout.Seconds())
		streamingRows, err := tx.QueryContext(ctx, `
			SELECT id FROM jobs
			WHERE status = ? AND (strftime('%s','now') - strftime('%s', last_update_at)) > ?;
		`, StatusStreaming, staleSeconds)
		if err != nil {
			return fmt.Errorf("query stale streaming jobs: %w", err)
		}
		var streamingIDs []string
		for streamingRows.Next() {
			var id string
			if err := streamingRows.Scan(&id); err != nil {
				streamingRows.Close()
				return fmt.Errorf("scan stale streaming id: %w", err)
			}
			streamingIDs = append(streamingIDs, id)
		}
		streamingRows.Close()
		if err := streamingRows.Err(); err != nil {
			return fmt.Errorf("iterate stale streaming rows: %w", err)
		}

		for _, id := range pendingIDs {
			if err := transitionTx(ctx, tx, id, StatusError, func() (string, []any) {
				return `
					UPDATE jobs SET status = ?, error_message = ?, completed_at = CURRENT_TIMESTAMP, last_update_at = CURRENT_TIMESTAMP
					WHERE id = ?;
				`, []any{string(StatusError), "queue wait timeout exceeded", id}
			}); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = 'error' WHERE job_id = ?;`, id); err != nil {
				return fmt.Errorf("update stale pending message: %w", err)
			}
			reaped = append(reaped, id)
		}
		for _, id := range streamingIDs {
			if err := transitionTx(ctx, tx, id, StatusError, func() (string, []any) {
				return `
					UPDATE jobs SET status = ?, error_message = ?, completed_at = CURRENT_TIMESTAMP, last_update_at = CURRENT_TIMESTAMP
					WHERE id = ?;
				`, []any{string(StatusError), "streaming job stalled (no upstream progress)", id}
			}); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = 'error' WHERE job_id = ?;`, id); err != nil {
				return fmt.Errorf("update stale streaming message: %w", err)
			}
			reaped = append(reaped, id)
		}

		if len(pendingIDs) > 0 {
			if err := recomputePendingPositionsTx(ctx, tx); err != nil {
				return err
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return reaped, nil
}

// PurgeTerminal deletes completed/error/cancelled jobs (and their
// messages) older than olderThan, the hourly sweep described in spec §4.5.
// Returns the number of jobs deleted.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin purge tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		cutoffSeconds := int(olderThan.Seconds())
		res, err := tx.ExecContext(ctx, `
			DELETE FROM messages WHERE job_id IN (
				SELECT id FROM jobs
				WHERE status IN (?, ?, ?)
				AND (strftime('%s','now') - strftime('%s', completed_at)) > ?
			);
		`, StatusCompleted, StatusError, StatusCancelled, cutoffSeconds)
		if err != nil {
			return fmt.Errorf("purge messages: %w", err)
		}
		_ = res

		res, err = tx.ExecContext(ctx, `
			DELETE FROM jobs
			WHERE status IN (?, ?, ?)
			AND (strftime('%s','now') - strftime('%s', completed_at)) > ?;
		`, StatusCompleted, StatusError, StatusCancelled, cutoffSeconds)
		if err != nil {
			return fmt.Errorf("purge jobs: %w", err)
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("read purge rows affected: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// recomputePendingPositionsTx renumbers every pending job's queue_position
// densely from 1, ordered priority DESC, queued_at ASC — the ordering
// StartNext claims in. Used after a reap sweep removes an arbitrary subset
// of pending jobs, where the simple "decrement everything after N" used by
// CancelJob/StartNext doesn't apply (more than one gap can open at once).
func recomputePendingPositionsTx(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM jobs WHERE status = ? ORDER BY priority DESC, queued_at ASC;
	`, StatusPending)
	if err != nil {
		return fmt.Errorf("query pending ids for renumbering: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan pending id for renumbering: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pending ids for renumbering: %w", err)
	}

	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET queue_position = ? WHERE id = ?;`, i+1, id); err != nil {
			return fmt.Errorf("renumber pending job %s: %w", id, err)
		}
	}
	return nil
}
