package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatus(t *testing.T) {
	for _, s := range Statuses {
		assert.True(t, s.Valid())
	}
	assert.False(t, Status("running").Valid())

	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusBlocked.Terminal())
	assert.False(t, StatusActive.Terminal())
}

func TestQueueStateStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	threshold := 30 * time.Second

	assert.False(t, QueueState{}.Stale(now, threshold), "free slot is never stale")

	held := QueueState{ActiveJobID: "a", LastUpdated: now.Add(-29 * time.Second)}
	assert.False(t, held.Stale(now, threshold))

	held.LastUpdated = now.Add(-31 * time.Second)
	assert.True(t, held.Stale(now, threshold))
}

func TestNewJob(t *testing.T) {
	now := time.Now()
	j := NewJob("image", PriorityLow, []string{"m", "m"}, nil, now)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, []string{"m"}, j.RequestedModels)
	assert.Equal(t, time.Duration(0), j.Duration())
	assert.NotEqual(t, j.ID, NewJob("image", PriorityLow, nil, nil, now).ID)
}
