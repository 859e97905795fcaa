package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/teranos/genq/db"
	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
)

const defaultListLimit = 100

// CreateJob inserts a pending job and logs it as queued.
func (s *Store) CreateJob(ctx context.Context, job *queue.Job) error {
	models, err := encodeModels(job.RequestedModels)
	if err != nil {
		return err
	}

	var payload sql.NullString
	if len(job.Payload) > 0 {
		payload = sql.NullString{String: string(job.Payload), Valid: true}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, priority, type, requested_models, payload, status,
				blocked_by, error, created_at, started_at, completed_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID,
			int(job.Priority),
			job.Type,
			models,
			payload,
			string(job.Status),
			nullString(job.BlockedBy),
			nullString(job.Error),
			toNanos(job.CreatedAt),
			nullNanos(job.StartedAt),
			nullNanos(job.CompletedAt),
			toNanos(job.UpdatedAt),
		)
		if err != nil {
			if db.IsConstraint(err) {
				return errors.WithDetailf(errors.Wrap(errors.ErrConflict, err.Error()), "Job ID: %s", job.ID)
			}
			return errors.WithDetailf(errors.Wrap(err, "failed to create job"), "Job ID: %s", job.ID)
		}

		return s.appendLog(ctx, tx, queue.LogEntry{
			At:     job.CreatedAt,
			JobID:  job.ID,
			To:     job.Status,
			Reason: queue.ReasonQueued,
			Models: job.RequestedModels,
		})
	})
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*queue.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.WithDetailf(queue.ErrJobNotFound, "Job ID: %s", id)
	}
	if err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "failed to get job"), "Job ID: %s", id)
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, filter queue.JobFilter) ([]*queue.Job, error) {
	var where []string
	var args []interface{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, seq DESC LIMIT ?"
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	return scanJobs(rows)
}

// CountJobs returns the number of jobs per status. Every status is present.
func (s *Store) CountJobs(ctx context.Context) (map[queue.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[queue.Status]int, len(queue.Statuses))
	for _, st := range queue.Statuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[queue.Status(status)] = n
	}
	return counts, errors.Wrap(rows.Err(), "failed to iterate job counts")
}

// Candidates returns pending jobs in admission order.
func (s *Store) Candidates(ctx context.Context, filter queue.CandidateFilter) ([]*queue.Job, error) {
	priorityClause := ""
	if filter.TopPriorityOnly {
		priorityClause = fmt.Sprintf(" AND priority = %d", queue.PriorityHigh)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending'`+priorityClause+`
		ORDER BY priority ASC, created_at ASC, seq ASC
		LIMIT ?`,
		limitOrDefault(filter.Limit),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select candidates")
	}
	return scanJobs(rows)
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
