package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/genq/errors"
)

// Generation thresholds for PriorityForGeneration.
const (
	HighPriorityGenerations   = 10
	NormalPriorityGenerations = 50
)

// PriorityForGeneration tiers a user's n-th generation (1-based):
// the first 10 run at priority 1, 11 through 50 at 2, the rest at 3.
func PriorityForGeneration(n int) Priority {
	switch {
	case n <= HighPriorityGenerations:
		return PriorityHigh
	case n <= NormalPriorityGenerations:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// WorkflowStep is one stage of a multi-step generation workflow.
type WorkflowStep struct {
	Name         string `json:"name,omitempty" yaml:"name,omitempty"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	DefaultModel string `json:"default_model,omitempty" yaml:"default_model,omitempty"`
}

// Workflow describes the steps a job will run.
type Workflow struct {
	Steps []WorkflowStep `json:"steps" yaml:"steps"`
}

// Models collects every step's model (default_model wins over model),
// de-duplicated in step order.
func (w Workflow) Models() []string {
	models := make([]string, 0, len(w.Steps))
	for _, step := range w.Steps {
		m := step.DefaultModel
		if m == "" {
			m = step.Model
		}
		models = append(models, m)
	}
	return NormalizeModels(models)
}

// Submission is a request to enqueue a job.
type Submission struct {
	Type     string   `json:"type" yaml:"type"`
	Priority Priority `json:"priority,omitempty" yaml:"priority,omitempty"`
	// GenerationNumber derives Priority when Priority is zero.
	GenerationNumber int             `json:"generation_number,omitempty" yaml:"generation_number,omitempty"`
	Models           []string        `json:"requested_models,omitempty" yaml:"requested_models,omitempty"`
	Workflow         *Workflow       `json:"workflow,omitempty" yaml:"workflow,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty" yaml:"-"`
}

// Job validates the submission and builds the pending job it describes.
func (s Submission) Job(now time.Time) (*Job, error) {
	var problems []string

	jobType := strings.TrimSpace(s.Type)
	if jobType == "" {
		problems = append(problems, "type is required")
	}

	priority := s.Priority
	if priority == 0 && s.GenerationNumber > 0 {
		priority = PriorityForGeneration(s.GenerationNumber)
	}
	if priority == 0 {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		problems = append(problems, fmt.Sprintf("priority %d out of range 1-3", priority))
	}

	models := NormalizeModels(s.Models)
	if len(models) == 0 && s.Workflow != nil {
		models = s.Workflow.Models()
	}
	if len(models) == 0 {
		problems = append(problems, "requested_models (or workflow steps with models) required")
	}

	if len(s.Payload) > 0 && !json.Valid(s.Payload) {
		problems = append(problems, "payload is not valid JSON")
	}

	if len(problems) > 0 {
		return nil, errors.NewInvalidRequestError("malformed job: %s", strings.Join(problems, "; "))
	}

	return NewJob(jobType, priority, models, s.Payload, now), nil
}

// Submit validates s and enqueues it, unless maintenance mode is on.
func Submit(ctx context.Context, store Store, s Submission, now time.Time) (*Job, error) {
	maintenance, err := store.Flag(ctx, FlagMaintenance)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read maintenance mode")
	}
	if maintenance.Enabled {
		return nil, ErrMaintenance
	}

	job, err := s.Job(now)
	if err != nil {
		return nil, err
	}

	if err := store.CreateJob(ctx, job); err != nil {
		return nil, errors.Wrap(err, "failed to enqueue job")
	}
	return job, nil
}
