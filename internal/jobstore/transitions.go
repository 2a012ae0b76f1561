package jobstore

import (
	"context"
	"database/sql"
	"fmt"
)

// transitionTx moves a job to newStatus inside tx, enforcing
// allowedTransitions and locking the row via SELECT ... the row is read
// first so the caller gets ErrNoRows / a clear "already terminal" error
// instead of a silent no-op UPDATE. Mirrors persistence/tasks.go's
// transitionTaskTx pattern, generalized from the task-claim state machine to
// the job lifecycle in spec §3.
func transitionTx(ctx context.Context, tx *sql.Tx, jobID string, newStatus JobStatus, mutate func() (string, []any)) error {
	var current JobStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?;`, jobID).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("job %s not found", jobID)
		}
		return fmt.Errorf("read job status: %w", err)
	}
	if current.IsTerminal() {
		return fmt.Errorf("job %s is already in terminal status %q", jobID, current)
	}
	if !allowedTransitions[current][newStatus] {
		return fmt.Errorf("illegal transition for job %s: %s -> %s", jobID, current, newStatus)
	}

	query, args := mutate()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("apply transition %s -> %s: %w", current, newStatus, err)
	}
	return nil
}

// StartNext claims the highest-priority, oldest pending job and marks it
// streaming. Ties break on queued_at ascending (FIFO within a priority
// band, spec §4.1). Returns (nil, nil) when the queue has no pending job —
// callers (the Dispatcher's processNext loop) treat that as "nothing to do"
// rather than an error.
//
// The claimed job's queue position becomes 0; every other pending job's
// position is decremented by one so positions stay dense with no gaps.
func (s *Store) StartNext(ctx context.Context) (*Job, error) {
	var job *Job
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin start-next tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT id, queue_position FROM jobs
			WHERE status = ?
			ORDER BY priority DESC, queued_at ASC
			LIMIT 1;
		`, StatusPending)

		var jobID string
		var claimedPosition int
		if scanErr := row.Scan(&jobID, &claimedPosition); scanErr != nil {
			if scanErr == sql.ErrNoRows {
				job = nil
				return tx.Commit()
			}
			return fmt.Errorf("scan next pending job: %w", scanErr)
		}

		if txErr := transitionTx(ctx, tx, jobID, StatusStreaming, func() (string, []any) {
			return `
				UPDATE jobs
				SET status = ?, queue_position = 0, started_at = CURRENT_TIMESTAMP, last_update_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, []any{string(StatusStreaming), jobID}
		}); txErr != nil {
			return txErr
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET queue_position = queue_position - 1
			WHERE status = ? AND queue_position > ?;
		`, StatusPending, claimedPosition); err != nil {
			return fmt.Errorf("recompute queue positions: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = 'streaming' WHERE job_id = ?;
		`, jobID); err != nil {
			return fmt.Errorf("update message status: %w", err)
		}

		fetched, err := getJobTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		job = fetched

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimJob transitions a specific pending job to streaming — the claim half
// of pickNextBatched (spec §4.2): the Model Residency Manager picks which
// job to run next, and this is how the Dispatcher actually takes it off the
// pending queue. Returns an error if jobID is no longer pending (a
// concurrent cancel/reap raced the pick).
func (s *Store) ClaimJob(ctx context.Context, jobID string) (*Job, error) {
	var job *Job
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var claimedPosition int
		if err := tx.QueryRowContext(ctx, `
			SELECT queue_position FROM jobs WHERE id = ? AND status = ?;
		`, jobID, StatusPending).Scan(&claimedPosition); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("job %s is not pending", jobID)
			}
			return fmt.Errorf("read claimed job position: %w", err)
		}

		if txErr := transitionTx(ctx, tx, jobID, StatusStreaming, func() (string, []any) {
			return `
				UPDATE jobs
				SET status = ?, queue_position = 0, started_at = CURRENT_TIMESTAMP, last_update_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, []any{string(StatusStreaming), jobID}
		}); txErr != nil {
			return txErr
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET queue_position = queue_position - 1
			WHERE status = ? AND queue_position > ?;
		`, StatusPending, claimedPosition); err != nil {
			return fmt.Errorf("recompute queue positions: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = 'streaming' WHERE job_id = ?;
		`, jobID); err != nil {
			return fmt.Errorf("update message status: %w", err)
		}

		fetched, err := getJobTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		job = fetched
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// AppendContent appends a content and/or thinking delta to a streaming
// job. Content is append-only (spec §3 invariant): there is no API to
// rewrite or truncate what has already been appended.
func (s *Store) AppendContent(ctx context.Context, jobID, contentDelta, thinkingDelta string) error {
	if contentDelta == "" && thinkingDelta == "" {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append-content tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status JobStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?;`, jobID).Scan(&status); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("job %s not found", jobID)
			}
			return fmt.Errorf("read job status: %w", err)
		}
		if status != StatusStreaming {
			return fmt.Errorf("job %s is not streaming (status=%s)", jobID, status)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET content = content || ?, thinking = thinking || ?, last_update_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, contentDelta, thinkingDelta, jobID); err != nil {
			return fmt.Errorf("append content: %w", err)
		}
		if contentDelta != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE messages SET content = content || ? WHERE job_id = ?;
			`, contentDelta, jobID); err != nil {
				return fmt.Errorf("append message content: %w", err)
			}
		}
		if thinkingDelta != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE messages SET thinking = thinking || ? WHERE job_id = ?;
			`, thinkingDelta, jobID); err != nil {
				return fmt.Errorf("append message thinking: %w", err)
			}
		}
		return tx.Commit()
	})
}

// SetSourcesOnce records a job's RAG sources. It is a no-op error to call
// this more than once for the same job (spec §3: sources are set at most
// once, before any response token).
func (s *Store) SetSourcesOnce(ctx context.Context, jobID, sourcesJSON string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin set-sources tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status JobStatus
		var existing sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT status, sources FROM jobs WHERE id = ?;`, jobID).Scan(&status, &existing); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("job %s not found", jobID)
			}
			return fmt.Errorf("read job: %w", err)
		}
		if status != StatusStreaming {
			return fmt.Errorf("job %s is not streaming (status=%s)", jobID, status)
		}
		if existing.Valid && existing.String != "" {
			return fmt.Errorf("job %s already has sources set", jobID)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET sources = ?, last_update_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, sourcesJSON, jobID); err != nil {
			return fmt.Errorf("set sources: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET sources = ? WHERE job_id = ?;
		`, sourcesJSON, jobID); err != nil {
			return fmt.Errorf("set message sources: %w", err)
		}
		return tx.Commit()
	})
}

// CompleteJob transitions a streaming job to completed.
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := transitionTx(ctx, tx, jobID, StatusCompleted, func() (string, []any) {
			return `
				UPDATE jobs
				SET status = ?, completed_at = CURRENT_TIMESTAMP, last_update_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, []any{string(StatusCompleted), jobID}
		}); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = 'completed' WHERE job_id = ?;
		`, jobID); err != nil {
			return fmt.Errorf("update message status: %w", err)
		}
		return tx.Commit()
	})
}

// ErrorJob transitions a pending or streaming job to error, recording
// errMsg. Valid from pending (e.g. a queue-wait timeout, spec §4.5) or from
// streaming (an upstream failure, spec §4.3).
func (s *Store) ErrorJob(ctx context.Context, jobID, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin error tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := transitionTx(ctx, tx, jobID, StatusError, func() (string, []any) {
			return `
				UPDATE jobs
				SET status = ?, error_message = ?, completed_at = CURRENT_TIMESTAMP, last_update_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, []any{string(StatusError), errMsg, jobID}
		}); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = 'error' WHERE job_id = ?;
		`, jobID); err != nil {
			return fmt.Errorf("update message status: %w", err)
		}
		return tx.Commit()
	})
}

// CancelJob transitions a pending or streaming job to cancelled.
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current JobStatus
		var position int
		if err := tx.QueryRowContext(ctx, `SELECT status, queue_position FROM jobs WHERE id = ?;`, jobID).Scan(&current, &position); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("job %s not found", jobID)
			}
			return fmt.Errorf("read job: %w", err)
		}

		if err := transitionTx(ctx, tx, jobID, StatusCancelled, func() (string, []any) {
			return `
				UPDATE jobs
				SET status = ?, error_message = ?, completed_at = CURRENT_TIMESTAMP, last_update_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, []any{string(StatusCancelled), "Job was cancelled", jobID}
		}); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = 'cancelled' WHERE job_id = ?;
		`, jobID); err != nil {
			return fmt.Errorf("update message status: %w", err)
		}

		if current == StatusPending {
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET queue_position = queue_position - 1
				WHERE status = ? AND queue_position > ?;
			`, StatusPending, position); err != nil {
				return fmt.Errorf("recompute queue positions after cancel: %w", err)
			}
		}
		return tx.Commit()
	})
}

// Reprioritize updates a pending job's priority in place (spec §4.1
// prioritize operation) and renumbers every pending job's queue_position so
// the dense (priority DESC, queued_at ASC) permutation (spec §3 invariant on
// queuePosition) stays correct immediately, rather than only when StartNext
// next claims.
func (s *Store) Reprioritize(ctx context.Context, jobID string, priority int) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reprioritize tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET priority = ?, last_update_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, priority, jobID, StatusPending)
		if err != nil {
			return fmt.Errorf("reprioritize job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("read rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("job %s is not pending (or does not exist); cannot reprioritize", jobID)
		}

		if err := recomputePendingPositionsTx(ctx, tx); err != nil {
			return err
		}

		return tx.Commit()
	})
}
