package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
)

// finishJob moves jobID from `from` to a terminal status, returns its
// dependents to pending, and logs both. Must run inside a slot transaction.
func (s *Store) finishJob(ctx context.Context, tx *sql.Tx, jobID string, from, to queue.Status, errMsg, reason string, now time.Time) (*queue.ReleaseResult, error) {
	result := &queue.ReleaseResult{JobID: jobID, Outcome: to, Reason: reason}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, completed_at = ?, updated_at = ?, error = ?, blocked_by = NULL
		WHERE id = ? AND status = ?`,
		string(to), toNanos(now), toNanos(now), nullString(errMsg), jobID, string(from),
	)
	if err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "failed to finish job"), "Job ID: %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// The slot named a job that is not in the expected state; the slot
		// is still cleared so admission can continue.
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

	result.Unblocked, err = s.unblockWhere(ctx, tx, now, `blocked_by = ?`, jobID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// unblockWhere returns blocked jobs matching cond to pending and logs each.
func (s *Store) unblockWhere(ctx context.Context, tx *sql.Tx, now time.Time, cond string, args ...interface{}) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, blocked_by FROM jobs WHERE status = 'blocked' AND `+cond, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find blocked jobs")
	}
	type blocked struct{ id, by string }
	var found []blocked
	for rows.Next() {
		var b blocked
		var by sql.NullString
		if err := rows.Scan(&b.id, &by); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan blocked job")
		}
		b.by = by.String
		found = append(found, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate blocked jobs")
	}

	var ids []string
	for _, b := range found {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'pending', blocked_by = NULL, updated_at = ?
			WHERE id = ? AND status = 'blocked'`,
			toNanos(now), b.id,
		)
		if err != nil {
			return nil, errors.WithDetailf(errors.Wrap(err, "failed to unblock job"), "Job ID: %s", b.id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
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
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'blocked', blocked_by = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'
				AND EXISTS (SELECT 1 FROM queue_state WHERE id = 1 AND active_job_id = ?)`,
			blockerID, toNanos(now), jobID, blockerID,
		)
		if err != nil {
			return errors.WithDetailf(errors.Wrap(err, "failed to block job"), "Job ID: %s", jobID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
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
	err := s.withTx(ctx, func(tx *sql.Tx) error {
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
// the slot in the same transaction; its worker notices on the next heartbeat.
func (s *Store) FailJob(ctx context.Context, id, reason string, now time.Time) (*queue.ReleaseResult, error) {
	if reason == "" {
		reason = queue.ReasonCancelled
	}

	var result *queue.ReleaseResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
		if err == sql.ErrNoRows {
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
			n, err := s.clearSlot(ctx, tx, now, `active_job_id = ?`, id)
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
