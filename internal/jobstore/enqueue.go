package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enqueue creates a new job and its placeholder assistant message in a
// single transaction (spec §4.1). resolvedModel must already reflect the
// explicit→default resolution described in spec §4.6; the Job Store itself
// does not know about the catalog.
//
// Queue position is a dense 1..N permutation ordered (priority DESC,
// queued_at ASC) across every pending job (spec §3 invariant on
// queuePosition), recomputed by recomputePendingPositionsTx after the new
// row lands so a higher-priority arrival correctly displaces lower-priority
// jobs already waiting.
func (s *Store) Enqueue(ctx context.Context, conversationID string, jobType JobType, payloadJSON string, resolvedModel string, opts EnqueueOptions) (*EnqueueResult, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversationID is required")
	}
	if resolvedModel == "" {
		return nil, fmt.Errorf("resolvedModel is required")
	}
	if err := s.validator.Validate(jobType, payloadJSON); err != nil {
		return nil, err
	}

	maxWait := opts.MaxWaitSeconds
	if maxWait <= 0 {
		maxWait = 120
	}

	var modelSequenceJSON sql.NullString
	if len(opts.ModelSequence) > 0 {
		raw, err := json.Marshal(opts.ModelSequence)
		if err != nil {
			return nil, fmt.Errorf("marshal model sequence: %w", err)
		}
		modelSequenceJSON = sql.NullString{String: string(raw), Valid: true}
	}

	jobID := uuid.NewString()
	messageID := uuid.NewString()

	var result EnqueueResult
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var queuePosition int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(queue_position), 0) + 1
			FROM jobs
			WHERE status = ?;
		`, StatusPending).Scan(&queuePosition); err != nil {
			return fmt.Errorf("compute queue position: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, status, job_id)
			VALUES (?, ?, 'assistant', '', 'pending', ?);
		`, messageID, conversationID, jobID); err != nil {
			return fmt.Errorf("insert placeholder message: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (
				id, conversation_id, type, status, priority, queue_position,
				requested_model, model_sequence, max_wait_seconds, payload, message_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`,
			jobID, conversationID, string(jobType), string(StatusPending), opts.Priority, queuePosition,
			resolvedModel, modelSequenceJSON, maxWait, payloadJSON, messageID,
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		if err := recomputePendingPositionsTx(ctx, tx); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT queue_position FROM jobs WHERE id = ?;`, jobID).Scan(&queuePosition); err != nil {
			return fmt.Errorf("read renumbered queue position: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit enqueue tx: %w", err)
		}

		result = EnqueueResult{
			JobID:         jobID,
			MessageID:     messageID,
			QueuePosition: queuePosition,
			ResolvedModel: resolvedModel,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// now is a seam kept for parity with persistence/tasks.go's clock usage;
// SQLite's CURRENT_TIMESTAMP is authoritative for stored timestamps, this is
// only used for in-memory Job values returned to callers.
func now() time.Time { return time.Now().UTC() }
