package sqlite

import (
	"database/sql"
	"encoding/json"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
)

// jobColumns is the column list every job query selects, in scan order.
const jobColumns = `id, priority, type, requested_models, payload, status,
	blocked_by, error, created_at, started_at, completed_at, updated_at`

// jobScanArgs holds nullable scan targets for one job row.
type jobScanArgs struct {
	models      string
	payload     sql.NullString
	status      string
	blockedBy   sql.NullString
	errMsg      sql.NullString
	createdAt   int64
	startedAt   sql.NullInt64
	completedAt sql.NullInt64
	updatedAt   int64
}

func (a *jobScanArgs) targets(job *queue.Job) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Priority,
		&job.Type,
		&a.models,
		&a.payload,
		&a.status,
		&a.blockedBy,
		&a.errMsg,
		&a.createdAt,
		&a.startedAt,
		&a.completedAt,
		&a.updatedAt,
	}
}

func (a *jobScanArgs) apply(job *queue.Job) error {
	models, err := decodeModels(a.models)
	if err != nil {
		return errors.WithDetailf(err, "Job ID: %s", job.ID)
	}
	job.RequestedModels = models
	if a.payload.Valid && a.payload.String != "" {
		job.Payload = json.RawMessage(a.payload.String)
	}
	job.Status = queue.Status(a.status)
	job.BlockedBy = a.blockedBy.String
	job.Error = a.errMsg.String
	job.CreatedAt = fromNanos(a.createdAt)
	job.StartedAt = timePtr(a.startedAt)
	job.CompletedAt = timePtr(a.completedAt)
	job.UpdatedAt = fromNanos(a.updatedAt)
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*queue.Job, error) {
	var job queue.Job
	var args jobScanArgs
	if err := row.Scan(args.targets(&job)...); err != nil {
		return nil, err
	}
	if err := args.apply(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*queue.Job, error) {
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
