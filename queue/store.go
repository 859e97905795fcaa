package queue

import (
	"context"
	"time"

	"github.com/teranos/genq/errors"
)

var (
	// ErrJobNotFound is returned when no job has the requested id.
	ErrJobNotFound = errors.Wrap(errors.ErrNotFound, "job")

	// ErrContention means the conditional update on the slot matched no row:
	// another worker claimed first, or the candidate stopped being eligible.
	// It is expected under concurrency and never logged as a failure.
	ErrContention = errors.New("execution slot contention")

	// ErrLeaseLost means the slot no longer names the job the caller holds,
	// typically because a reclaimer judged its heartbeat stale.
	ErrLeaseLost = errors.Wrap(errors.ErrConflict, "lease lost")

	// ErrTerminal is returned when failing a job that already finished.
	ErrTerminal = errors.Wrap(errors.ErrConflict, "job already terminal")

	// ErrMaintenance rejects submissions while maintenance mode is on.
	ErrMaintenance = errors.Wrap(errors.ErrServiceUnavailable, "maintenance mode enabled")
)

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Status Status
	Type   string
	Limit  int
}

// CandidateFilter narrows Candidates.
type CandidateFilter struct {
	// TopPriorityOnly restricts to priority 1 (priority lock engaged).
	TopPriorityOnly bool
	Limit           int
}

// ClaimRequest asks for the execution slot on behalf of Job.
type ClaimRequest struct {
	Job    *Job
	Holder string
	Now    time.Time
}

// ReleaseRequest hands the slot back after JobID finished.
type ReleaseRequest struct {
	JobID   string
	Outcome Status
	Error   string
	Now     time.Time
}

// ReleaseResult reports what a release, reclaim or fail changed.
type ReleaseResult struct {
	JobID     string
	Outcome   Status
	Reason    string
	Unblocked []string
	// SlotFreed is true when the job held the execution slot.
	SlotFreed bool
}

// Store persists jobs, the slot singleton, flags and the queue log.
//
// Claim, Heartbeat, Release and Reclaim are the only writers of the slot;
// each is one atomic conditional update at the storage layer, run together
// with its job-row and log writes in a single transaction. Every mutation
// of jobs, the slot holder, or flags must surface on the backend's change feed.
type Store interface {
	// CreateJob inserts a pending job and logs it as queued.
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	CountJobs(ctx context.Context) (map[Status]int, error)

	// Candidates returns pending jobs in admission order:
	// priority ascending, then created_at, then insertion order.
	Candidates(ctx context.Context, filter CandidateFilter) ([]*Job, error)

	State(ctx context.Context) (QueueState, error)
	Flag(ctx context.Context, name string) (FlagState, error)
	// SetFlag is idempotent but always bumps updated_at so subscribers wake.
	SetFlag(ctx context.Context, name string, enabled bool, now time.Time) (FlagState, error)

	// Claim takes the slot iff it is free, the job is still pending, and the
	// job is priority 1 or the priority lock is off. Otherwise ErrContention.
	Claim(ctx context.Context, req ClaimRequest) error
	// Heartbeat refreshes last_updated iff jobID still holds the slot, else ErrLeaseLost.
	Heartbeat(ctx context.Context, jobID string, now time.Time) error
	// Release frees the slot iff it still names JobID (else ErrLeaseLost),
	// records the outcome and returns dependents to pending.
	Release(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error)
	// Reclaim frees a stale slot iff (active_job_id, last_updated) still
	// equal expected, failing its job with "lease expired". Returns nil, nil
	// when the holder heartbeated or released first.
	Reclaim(ctx context.Context, expected QueueState, now time.Time) (*ReleaseResult, error)

	// Block moves a pending job to blocked behind blockerID. It reports false
	// when the job is not pending or blockerID no longer holds the slot.
	Block(ctx context.Context, jobID, blockerID string, now time.Time) (bool, error)
	// UnblockReady returns to pending every blocked job whose blocker is
	// terminal or gone.
	UnblockReady(ctx context.Context, now time.Time) ([]string, error)
	// FailJob marks a non-terminal job failed. An active job also frees the slot.
	FailJob(ctx context.Context, id, reason string, now time.Time) (*ReleaseResult, error)

	ListLog(ctx context.Context, filter LogFilter) ([]LogEntry, error)

	Ping(ctx context.Context) error
	Close() error
}
