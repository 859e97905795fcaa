package queue

import (
	"fmt"
	"time"
)

// Transition reasons written to the queue log.
const (
	ReasonQueued       = "queued"
	ReasonClaimed      = "claimed"
	ReasonCompleted    = "completed"
	ReasonLeaseExpired = "lease expired"
	ReasonUnblocked    = "unblocked"
	ReasonCancelled    = "cancelled"
)

// ReasonBlockedBy formats the reason for a pending → blocked transition.
func ReasonBlockedBy(jobID string) string {
	return fmt.Sprintf("blocked by %s", jobID)
}

// ReasonFailed formats the reason for an active → failed transition.
func ReasonFailed(msg string) string {
	return fmt.Sprintf("failed: %s", msg)
}

// LogEntry is one append-only record of a job status transition.
type LogEntry struct {
	Seq       int64     `json:"seq"`
	At        time.Time `json:"at"`
	JobID     string    `json:"job_id"`
	From      Status    `json:"from_status,omitempty"`
	To        Status    `json:"to_status"`
	Reason    string    `json:"reason,omitempty"`
	Models    []string  `json:"models,omitempty"`
	BlockedBy string    `json:"blocked_by,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
}

// LogFilter narrows ListLog.
type LogFilter struct {
	JobID string
	Limit int
}
