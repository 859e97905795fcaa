package sqlite

import (
	"context"
	"database/sql"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// appendLog writes one queue log record inside the caller's transaction.
func (s *Store) appendLog(ctx context.Context, tx execer, entry queue.LogEntry) error {
	var models sql.NullString
	if len(entry.Models) > 0 {
		encoded, err := encodeModels(entry.Models)
		if err != nil {
			return err
		}
		models = sql.NullString{String: encoded, Valid: true}
	}

	workerID := entry.WorkerID
	if workerID == "" {
		workerID = s.workerID
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO queue_log (at, job_id, from_status, to_status, reason, models, blocked_by, worker_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		toNanos(entry.At),
		entry.JobID,
		nullString(string(entry.From)),
		string(entry.To),
		nullString(entry.Reason),
		models,
		nullString(entry.BlockedBy),
		nullString(workerID),
	)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to append queue log"), "Job ID: %s", entry.JobID)
	}
	return nil
}

// ListLog returns log records newest first.
func (s *Store) ListLog(ctx context.Context, filter queue.LogFilter) ([]queue.LogEntry, error) {
	query := `SELECT seq, at, job_id, from_status, to_status, reason, models, blocked_by, worker_id FROM queue_log`
	var args []interface{}
	if filter.JobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, filter.JobID)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list queue log")
	}
	defer rows.Close()

	var entries []queue.LogEntry
	for rows.Next() {
		var e queue.LogEntry
		var at int64
		var from, reason, models, blockedBy, workerID sql.NullString
		var to string
		if err := rows.Scan(&e.Seq, &at, &e.JobID, &from, &to, &reason, &models, &blockedBy, &workerID); err != nil {
			return nil, errors.Wrap(err, "failed to scan queue log")
		}
		e.At = fromNanos(at)
		e.From = queue.Status(from.String)
		e.To = queue.Status(to)
		e.Reason = reason.String
		e.BlockedBy = blockedBy.String
		e.WorkerID = workerID.String
		if models.Valid {
			if e.Models, err = decodeModels(models.String); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "failed to iterate queue log")
}
