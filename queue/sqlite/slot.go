package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
)

// State reads the slot singleton.
func (s *Store) State(ctx context.Context) (queue.QueueState, error) {
	return s.readState(ctx, s.db)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) readState(ctx context.Context, q querier) (queue.QueueState, error) {
	var state queue.QueueState
	var activeID, activeType, holder sql.NullString
	var models string
	var startedAt sql.NullInt64
	var lastUpdated int64

	err := q.QueryRowContext(ctx, `
		SELECT active_job_id, active_job_type, active_models, holder, started_at, last_updated
		FROM queue_state WHERE id = 1`,
	).Scan(&activeID, &activeType, &models, &holder, &startedAt, &lastUpdated)
	if err != nil {
		return state, errors.Wrap(err, "failed to read queue state")
	}

	state.ActiveJobID = activeID.String
	state.ActiveJobType = activeType.String
	state.Holder = holder.String
	state.StartedAt = timePtr(startedAt)
	state.LastUpdated = fromNanos(lastUpdated)
	if state.ActiveModels, err = decodeModels(models); err != nil {
		return state, err
	}
	return state, nil
}

// Claim takes the slot for req.Job. The first statement is the conditional
// update on the singleton; zero rows affected means another worker holds it.
func (s *Store) Claim(ctx context.Context, req queue.ClaimRequest) error {
	job := req.Job
	models, err := encodeModels(job.RequestedModels)
	if err != nil {
		return err
	}
	now := toNanos(req.Now)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE queue_state
			SET active_job_id = ?, active_job_type = ?, active_models = ?,
				holder = ?, started_at = ?, last_updated = ?
			WHERE id = 1 AND active_job_id IS NULL`,
			job.ID, job.Type, models, nullString(req.Holder), now, now,
		)
		if err != nil {
			return errors.WithDetailf(errors.Wrap(err, "failed to claim slot"), "Job ID: %s", job.ID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return queue.ErrContention
		}

		// The job must still be pending, and the lock must not have been
		// engaged since the caller read it.
		res, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'active', started_at = ?, updated_at = ?, blocked_by = NULL
			WHERE id = ? AND status = 'pending'
				AND (priority = 1 OR NOT EXISTS (
					SELECT 1 FROM system_flags WHERE key = 'priority_lock' AND enabled = 1))`,
			now, now, job.ID,
		)
		if err != nil {
			return errors.WithDetailf(errors.Wrap(err, "failed to activate job"), "Job ID: %s", job.ID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return queue.ErrContention
		}

		return s.appendLog(ctx, tx, queue.LogEntry{
			At:       req.Now,
			JobID:    job.ID,
			From:     queue.StatusPending,
			To:       queue.StatusActive,
			Reason:   queue.ReasonClaimed,
			Models:   job.RequestedModels,
			WorkerID: req.Holder,
		})
	})
}

// Heartbeat refreshes last_updated while jobID holds the slot.
func (s *Store) Heartbeat(ctx context.Context, jobID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_state SET last_updated = ? WHERE id = 1 AND active_job_id = ?`,
		toNanos(now), jobID,
	)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to heartbeat"), "Job ID: %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.WithDetailf(queue.ErrLeaseLost, "Job ID: %s", jobID)
	}
	return nil
}

// Release frees the slot held by req.JobID and records the outcome.
func (s *Store) Release(ctx context.Context, req queue.ReleaseRequest) (*queue.ReleaseResult, error) {
	if !req.Outcome.Terminal() {
		return nil, errors.NewInvalidRequestError("release outcome must be terminal, got %q", req.Outcome)
	}

	var result *queue.ReleaseResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := s.clearSlot(ctx, tx, req.Now, `active_job_id = ?`, req.JobID)
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.WithDetailf(queue.ErrLeaseLost, "Job ID: %s", req.JobID)
		}

		reason := queue.ReasonCompleted
		if req.Outcome == queue.StatusFailed {
			reason = queue.ReasonFailed(req.Error)
		}
		result, err = s.finishJob(ctx, tx, req.JobID, queue.StatusActive, req.Outcome, req.Error, reason, req.Now)
		if err != nil {
			return err
		}
		result.SlotFreed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Reclaim frees a slot whose heartbeat went stale, conditioned on the
// holder and heartbeat the caller observed.
func (s *Store) Reclaim(ctx context.Context, expected queue.QueueState, now time.Time) (*queue.ReleaseResult, error) {
	if expected.Free() {
		return nil, nil
	}

	var result *queue.ReleaseResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := s.clearSlot(ctx, tx, now, `active_job_id = ? AND last_updated = ?`,
			expected.ActiveJobID, toNanos(expected.LastUpdated))
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		result, err = s.finishJob(ctx, tx, expected.ActiveJobID, queue.StatusActive,
			queue.StatusFailed, queue.ReasonLeaseExpired, queue.ReasonLeaseExpired, now)
		if err != nil {
			return err
		}
		result.SlotFreed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// clearSlot nulls the singleton where cond holds and returns rows affected.
func (s *Store) clearSlot(ctx context.Context, tx *sql.Tx, now time.Time, cond string, args ...interface{}) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE queue_state
		SET active_job_id = NULL, active_job_type = NULL, active_models = '[]',
			holder = NULL, started_at = NULL, last_updated = ?
		WHERE id = 1 AND `+cond,
		append([]interface{}{toNanos(now)}, args...)...,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to release slot")
	}
	return res.RowsAffected()
}
