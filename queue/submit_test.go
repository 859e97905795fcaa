package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/genq/errors"
	qtest "github.com/teranos/genq/internal/testing"
	"github.com/teranos/genq/queue"
	"github.com/teranos/genq/queue/sqlite"
)

func TestPriorityForGeneration(t *testing.T) {
	tests := map[int]queue.Priority{
		1:  queue.PriorityHigh,
		10: queue.PriorityHigh,
		11: queue.PriorityNormal,
		50: queue.PriorityNormal,
		51: queue.PriorityLow,
		99: queue.PriorityLow,
	}
	for n, want := range tests {
		assert.Equal(t, want, queue.PriorityForGeneration(n), "generation %d", n)
	}
}

func TestWorkflowModels(t *testing.T) {
	wf := queue.Workflow{Steps: []queue.WorkflowStep{
		{Name: "keyframe", Model: "nano-banana-pro"},
		{Name: "animate", Model: "ignored", DefaultModel: "motion-2.0-fast"},
		{Name: "refine", Model: "nano-banana-pro"},
		{Name: "caption"},
	}}
	assert.Equal(t, []string{"nano-banana-pro", "motion-2.0-fast"}, wf.Models())
}

func TestSubmissionJob(t *testing.T) {
	now := time.Now()

	t.Run("derives priority and models", func(t *testing.T) {
		job, err := queue.Submission{
			Type:             "video",
			GenerationNumber: 12,
			Workflow:         &queue.Workflow{Steps: []queue.WorkflowStep{{Model: "m1"}}},
		}.Job(now)
		require.NoError(t, err)
		assert.Equal(t, queue.PriorityNormal, job.Priority)
		assert.Equal(t, []string{"m1"}, job.RequestedModels)
		assert.Equal(t, queue.StatusPending, job.Status)
	})

	t.Run("explicit priority wins", func(t *testing.T) {
		job, err := queue.Submission{Type: "image", Priority: queue.PriorityLow, GenerationNumber: 1, Models: []string{"m"}}.Job(now)
		require.NoError(t, err)
		assert.Equal(t, queue.PriorityLow, job.Priority)
	})

	t.Run("rejects malformed jobs", func(t *testing.T) {
		_, err := queue.Submission{Priority: 7, Payload: []byte("{")}.Job(now)
		require.Error(t, err)
		assert.True(t, errors.IsInvalidRequestError(err))
		assert.Contains(t, err.Error(), "type is required")
		assert.Contains(t, err.Error(), "priority 7 out of range")
		assert.Contains(t, err.Error(), "requested_models")
		assert.Contains(t, err.Error(), "payload is not valid JSON")
	})
}

func TestSubmit(t *testing.T) {
	store := sqlite.New(qtest.CreateTestDB(t))
	ctx := context.Background()
	now := time.Now()

	job, err := queue.Submit(ctx, store, queue.Submission{Type: "image", Priority: 1, Models: []string{"m1"}}, now)
	require.NoError(t, err)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)

	_, err = store.SetFlag(ctx, queue.FlagMaintenance, true, now)
	require.NoError(t, err)

	_, err = queue.Submit(ctx, store, queue.Submission{Type: "image", Priority: 1, Models: []string{"m1"}}, now)
	assert.True(t, errors.Is(err, queue.ErrMaintenance))
	assert.True(t, errors.IsServiceUnavailableError(err))

	_, err = store.SetFlag(ctx, queue.FlagPriorityLock, true, now)
	require.NoError(t, err)
	_, err = store.SetFlag(ctx, queue.FlagMaintenance, false, now)
	require.NoError(t, err)
	_, err = queue.Submit(ctx, store, queue.Submission{Type: "image", Priority: 3, Models: []string{"m1"}}, now)
	assert.NoError(t, err, "priority lock gates admission, not submission")
}
