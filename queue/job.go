// Package queue holds the domain model of the coordinator: jobs, the
// execution-slot singleton, system flags, the transition log, and the Store
// contract every backend implements.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is a job's position in the admission state machine:
//
//	pending → blocked ⇄ pending → active → {completed, failed}
type Status string

const (
	StatusPending   Status = "pending"
	StatusBlocked   Status = "blocked"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusBlocked, StatusActive, StatusCompleted, StatusFailed}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusBlocked, StatusActive, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority ranks admission; 1 is highest.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// Valid reports whether p is 1, 2 or 3.
func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// Job is a unit of work waiting for, holding, or finished with the execution slot.
type Job struct {
	ID              string          `json:"id"`
	Priority        Priority        `json:"priority"`
	Type            string          `json:"type"`
	RequestedModels []string        `json:"requested_models"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Status          Status          `json:"status"`
	BlockedBy       string          `json:"blocked_by,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewJob creates a pending job with a fresh id. models are normalised.
func NewJob(jobType string, priority Priority, models []string, payload json.RawMessage, now time.Time) *Job {
	return &Job{
		ID:              uuid.NewString(),
		Priority:        priority,
		Type:            jobType,
		RequestedModels: NormalizeModels(models),
		Payload:         payload,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Duration returns how long the job held the slot, or zero if it never ran.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := j.UpdatedAt
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}

// QueueState is the singleton record naming the holder of the execution slot.
type QueueState struct {
	ActiveJobID   string     `json:"active_job_id,omitempty"`
	ActiveJobType string     `json:"active_job_type,omitempty"`
	ActiveModels  []string   `json:"active_models"`
	Holder        string     `json:"holder,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	LastUpdated   time.Time  `json:"last_updated"`
}

// Free reports whether no job holds the slot.
func (s QueueState) Free() bool {
	return s.ActiveJobID == ""
}

// Stale reports whether the slot is held and its heartbeat is older than threshold.
func (s QueueState) Stale(now time.Time, threshold time.Duration) bool {
	return !s.Free() && now.Sub(s.LastUpdated) > threshold
}

// Flag names stored in system_flags.
const (
	FlagPriorityLock = "priority_lock"
	FlagMaintenance  = "maintenance_mode"
)

// FlagState is a persisted boolean switch (priority lock, maintenance mode).
type FlagState struct {
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Mode renders the flag as "enabled" or "disabled".
func (f FlagState) Mode() string {
	if f.Enabled {
		return "enabled"
	}
	return "disabled"
}
