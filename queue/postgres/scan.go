package postgres

import (
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
)

const jobColumns = `id, priority, type, requested_models, payload, status,
	blocked_by, error, created_at, started_at, completed_at, updated_at`

func scanJob(row pgx.Row) (*queue.Job, error) {
	var (
		job       queue.Job
		priority  int16
		payload   []byte
		status    string
		blockedBy *string
		errMsg    *string
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(
		&job.ID,
		&priority,
		&job.Type,
		&job.RequestedModels,
		&payload,
		&status,
		&blockedBy,
		&errMsg,
		&createdAt,
		&job.StartedAt,
		&job.CompletedAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	job.Priority = queue.Priority(priority)
	job.RequestedModels = models(job.RequestedModels)
	if len(payload) > 0 {
		job.Payload = json.RawMessage(payload)
	}
	job.Status = queue.Status(status)
	job.BlockedBy = deref(blockedBy)
	job.Error = deref(errMsg)
	job.CreatedAt = utc(createdAt)
	job.StartedAt = utcPtr(job.StartedAt)
	job.CompletedAt = utcPtr(job.CompletedAt)
	job.UpdatedAt = utc(updatedAt)
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*queue.Job, error) {
	defer rows.Close()

	var jobs []*queue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Wrap(rows.Err(), "failed to iterate jobs")
}
