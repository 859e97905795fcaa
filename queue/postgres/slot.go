package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
)

// State reads the slot singleton.
func (s *Store) State(ctx context.Context) (queue.QueueState, error) {
	var (
		state       queue.QueueState
		jobID       *string
		jobType     *string
		holder      *string
		lastUpdated int64
	)
	err := s.db.QueryRow(ctx, `
		SELECT active_job_id, active_job_type, active_models, holder, started_at, last_updated
		FROM queue_state WHERE id = 1`,
	).Scan(&jobID, &jobType, &state.ActiveModels, &holder, &state.StartedAt, &lastUpdated)
	if err != nil {
		return state, errors.Wrap(err, "failed to read queue state")
	}
	state.ActiveJobID = deref(jobID)
	state.ActiveJobType = deref(jobType)
	state.ActiveModels = models(state.ActiveModels)
	state.Holder = deref(holder)
	state.StartedAt = utcPtr(state.StartedAt)
	state.LastUpdated = time.Unix(0, lastUpdated).UTC()
	return state, nil
}

// Claim takes the slot for req.Job. The conditional update on the singleton
// is the first statement; zero rows means another worker holds it.
func (s *Store) Claim(ctx context.Context, req queue.ClaimRequest) error {
	job := req.Job
	now := req.Now

	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE queue_state
			SET active_job_id = $1, active_job_type = $2, active_models = $3,
				holder = $4, started_at = $5, last_updated = $6
			WHERE id = 1 AND active_job_id IS NULL`,
			job.ID, job.Type, models(job.RequestedModels), text(req.Holder), now, now.UnixNano(),
		)
		if err != nil {
			return errors.WithDetailf(errors.Wrap(err, "failed to claim slot"), "Job ID: %s", job.ID)
		}
		if tag.RowsAffected() == 0 {
			return queue.ErrContention
		}

		tag, err = tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'active', started_at = $1, updated_at = $1, blocked_by = NULL
			WHERE id = $2 AND status = 'pending'
				AND (priority = 1 OR NOT EXISTS (
					SELECT 1 FROM system_flags WHERE key = 'priority_lock' AND enabled))`,
			now, job.ID,
		)
		if err != nil {
			return errors.WithDetailf(errors.Wrap(err, "failed to activate job"), "Job ID: %s", job.ID)
		}
		if tag.RowsAffected() == 0 {
			return queue.ErrContention
		}

		return s.appendLog(ctx, tx, queue.LogEntry{
			At:       now,
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
	tag, err := s.db.Exec(ctx,
		`UPDATE queue_state SET last_updated = $1 WHERE id = 1 AND active_job_id = $2`,
		now.UnixNano(), jobID,
	)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to heartbeat"), "Job ID: %s", jobID)
	}
	if tag.RowsAffected() == 0 {
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
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		n, err := s.clearSlot(ctx, tx, req.Now, `active_job_id = $2`, req.JobID)
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
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		n, err := s.clearSlot(ctx, tx, now, `active_job_id = $2 AND last_updated = $3`,
			expected.ActiveJobID, expected.LastUpdated.UnixNano())
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

// clearSlot nulls the singleton where cond holds. cond numbers its
// placeholders from $2; $1 is the new last_updated.
func (s *Store) clearSlot(ctx context.Context, tx pgx.Tx, now time.Time, cond string, args ...any) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE queue_state
		SET active_job_id = NULL, active_job_type = NULL, active_models = '{}',
			holder = NULL, started_at = NULL, last_updated = $1
		WHERE id = 1 AND `+cond,
		append([]any{now.UnixNano()}, args...)...,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to release slot")
	}
	return tag.RowsAffected(), nil
}
