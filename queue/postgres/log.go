package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
)

// appendLog writes one queue log record inside the caller's transaction.
func (s *Store) appendLog(ctx context.Context, tx pgx.Tx, entry queue.LogEntry) error {
	var logModels []string
	if len(entry.Models) > 0 {
		logModels = entry.Models
	}

	workerID := entry.WorkerID
	if workerID == "" {
		workerID = s.workerID
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO queue_log (at, job_id, from_status, to_status, reason, models, blocked_by, worker_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.At,
		entry.JobID,
		text(string(entry.From)),
		string(entry.To),
		text(entry.Reason),
		logModels,
		text(entry.BlockedBy),
		text(workerID),
	)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to append queue log"), "Job ID: %s", entry.JobID)
	}
	return nil
}

// ListLog returns log records newest first.
func (s *Store) ListLog(ctx context.Context, filter queue.LogFilter) ([]queue.LogEntry, error) {
	query := `SELECT seq, at, job_id, from_status, to_status, reason, models, blocked_by, worker_id FROM queue_log`
	var args []any
	if filter.JobID != "" {
		args = append(args, filter.JobID)
		query += ` WHERE job_id = $1`
	}
	args = append(args, limitOrDefault(filter.Limit))
	query += fmt.Sprintf(` ORDER BY seq DESC LIMIT $%d`, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list queue log")
	}
	defer rows.Close()

	var entries []queue.LogEntry
	for rows.Next() {
		var e queue.LogEntry
		var at time.Time
		var from, reason, blockedBy, workerID *string
		var to string
		if err := rows.Scan(&e.Seq, &at, &e.JobID, &from, &to, &reason, &e.Models, &blockedBy, &workerID); err != nil {
			return nil, errors.Wrap(err, "failed to scan queue log")
		}
		e.At = utc(at)
		e.From = queue.Status(deref(from))
		e.To = queue.Status(to)
		e.Reason = deref(reason)
		e.BlockedBy = deref(blockedBy)
		e.WorkerID = deref(workerID)
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "failed to iterate queue log")
}
