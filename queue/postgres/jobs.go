package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
)

const defaultListLimit = 100

// CreateJob inserts a pending job and logs it as queued.
func (s *Store) CreateJob(ctx context.Context, job *queue.Job) error {
	var payload *string
	if len(job.Payload) > 0 {
		p := string(job.Payload)
		payload = &p
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO jobs (id, priority, type, requested_models, payload, status,
				blocked_by, error, created_at, started_at, completed_at, updated_at)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $11, $12)`,
			job.ID,
			int16(job.Priority),
			job.Type,
			models(job.RequestedModels),
			payload,
			string(job.Status),
			text(job.BlockedBy),
			text(job.Error),
			job.CreatedAt,
			job.StartedAt,
			job.CompletedAt,
			job.UpdatedAt,
		)
		if err != nil {
			if isDuplicateKey(err) {
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
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if isNoRows(err) {
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
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limitOrDefault(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC, seq DESC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	return collectJobs(rows)
}

// CountJobs returns the number of jobs per status. Every status is present.
func (s *Store) CountJobs(ctx context.Context) (map[queue.Status]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[queue.Status(status)] = int(n)
	}
	return counts, errors.Wrap(rows.Err(), "failed to iterate job counts")
}

// Candidates returns pending jobs in admission order.
func (s *Store) Candidates(ctx context.Context, filter queue.CandidateFilter) ([]*queue.Job, error) {
	priorityClause := ""
	if filter.TopPriorityOnly {
		priorityClause = fmt.Sprintf(" AND priority = %d", queue.PriorityHigh)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending'`+priorityClause+`
		ORDER BY priority ASC, created_at ASC, seq ASC
		LIMIT $1`,
		limitOrDefault(filter.Limit),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select candidates")
	}
	return collectJobs(rows)
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
