package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
)

// finishJob moves jobID from `from` to a terminal status, returns its
// dependents to pending, and logs both.
func (s *Store) finishJob(ctx context.Context, tx pgx.Tx, jobID string, from, to queue.Status, errMsg, reason string, now time.Time) (*queue.ReleaseResult, error) {
	result := &queue.ReleaseResult{JobID: jobID, Outcome: to, Reason: reason}

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $1, completed_at = $2, updated_at = $2, error = $3, blocked_by = NULL
		WHERE id = $4 AND status = $5`,
		string(to), now, text(errMsg), jobID, string(from),
	)
	if err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "failed to finish job"), "Job ID: %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Warnw("Slot holder was not in expected state",
			"job_id", jobID,
			"expected", from,
		)
	} else if err := s.appendLog(ctx, tx, queue.LogEntry{
		At:     now,
		JobID:  jobID,
		From:   from,
		To:     to,
		Reason: reason,
	}); err != nil {
		return nil, err
	}

	result.Unblocked, err = s.unblockWhere(ctx, tx, now, `blocked_by = $1`, jobID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// unblockWhere returns blocked jobs matching cond to pending and logs each.
func (s *Store) unblockWhere(ctx context.Context, tx pgx.Tx, now time.Time, cond string, args ...any) ([]string, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, blocked_by FROM jobs
		WHERE status = 'blocked' AND `+cond+`
		ORDER BY seq
		FOR UPDATE`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find blocked jobs")
	}
	type blocked struct{ id, by string }
	var found []blocked
	for rows.Next() {
		var b blocked
		var by *string
		if err := rows.Scan(&b.id, &by); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan blocked job")
		}
		b.by = deref(by)
		found = append(found, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate blocked jobs")
	}

	var ids []string
	for _, b := range found {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET status = 'pending', blocked_by = NULL, updated_at = $1
			WHERE id = $2 AND status = 'blocked'`,
			now, b.id,
		)
		if err != nil {
			return nil, errors.WithDetailf(errors.Wrap(err, "failed to unblock job"), "Job ID: %s", b.id)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		if err := s.appendLog(ctx, tx, queue.LogEntry{
			At:        now,
			JobID:     b.id,
			From:      queue.StatusBlocked,
			To:        queue.StatusPending,
			Reason:    queue.ReasonUnblocked,
			BlockedBy: b.by,
		}); err != nil {
			return nil, err
		}
		ids = append(ids, b.id)
	}
	return ids, nil
}

// Block parks a pending job behind blockerID while blockerID holds the
// slot. A job whose blocker already released stays pending.
func (s *Store) Block(ctx context.Context, jobID, blockerID string, now time.Time) (bool, error) {
	blocked := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		// Share-lock the slot so a concurrent Release commits first or waits.
		var holding bool
		err := tx.QueryRow(ctx,
			`SELECT active_job_id IS NOT DISTINCT FROM $1 FROM queue_state WHERE id = 1 FOR SHARE`, blockerID,
		).Scan(&holding)
		if err != nil {
			return errors.Wrap(err, "failed to lock queue state")
		}
		if !holding {
			return nil
		}

		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET status = 'blocked', blocked_by = $1, updated_at = $2
			WHERE id = $3 AND status = 'pending'`,
			blockerID, now, jobID,
		)
		if err != nil {
			return errors.WithDetailf(errors.Wrap(err, "failed to block job"), "Job ID: %s", jobID)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		blocked = true
		return s.appendLog(ctx, tx, queue.LogEntry{
			At:        now,
			JobID:     jobID,
			From:      queue.StatusPending,
			To:        queue.StatusBlocked,
			Reason:    queue.ReasonBlockedBy(blockerID),
			BlockedBy: blockerID,
		})
	})
	return blocked, err
}

// UnblockReady returns to pending every blocked job whose blocker finished or no longer exists.
func (s *Store) UnblockReady(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		ids, err = s.unblockWhere(ctx, tx, now, `
			NOT EXISTS (
				SELECT 1 FROM jobs b
				WHERE b.id = jobs.blocked_by AND b.status IN ('pending', 'blocked', 'active'))`)
		return err
	})
	return ids, err
}

// FailJob marks a job failed on operator request. An active job releases
// the slot in the same transaction.
func (s *Store) FailJob(ctx context.Context, id, reason string, now time.Time) (*queue.ReleaseResult, error) {
	if reason == "" {
		reason = queue.ReasonCancelled
	}

	var result *queue.ReleaseResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		// Lock the slot before the job row, matching Claim and Release order.
		if _, err := tx.Exec(ctx, `SELECT 1 FROM queue_state WHERE id = 1 FOR UPDATE`); err != nil {
			return errors.Wrap(err, "failed to lock queue state")
		}

		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if isNoRows(err) {
			return errors.WithDetailf(queue.ErrJobNotFound, "Job ID: %s", id)
		}
		if err != nil {
			return errors.WithDetailf(errors.Wrap(err, "failed to read job"), "Job ID: %s", id)
		}

		from := queue.Status(status)
		if from.Terminal() {
			return errors.WithDetailf(queue.ErrTerminal, "Job ID: %s", id)
		}

		freed := false
		if from == queue.StatusActive {
			n, err := s.clearSlot(ctx, tx, now, `active_job_id = $2`, id)
			if err != nil {
				return err
			}
			freed = n > 0
		}

		result, err = s.finishJob(ctx, tx, id, from, queue.StatusFailed, reason, reason, now)
		if err != nil {
			return err
		}
		result.SlotFreed = freed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
