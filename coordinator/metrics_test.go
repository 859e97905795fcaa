package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/genq/queue"
)

func TestClaimMetrics(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, queue.PriorityHigh, []string{"m"}, time.Now())

	won := testutil.ToFloat64(claimsTotal.WithLabelValues(claimWon))
	completed := testutil.ToFloat64(transitionsTotal.WithLabelValues(string(queue.StatusCompleted)))

	g := newGate()
	c := newCoordinator(t, f.store, nil, g, testConfig(queue.ConflictRuleModels))
	_, err := c.Cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, won+1, testutil.ToFloat64(claimsTotal.WithLabelValues(claimWon)))
	assert.Equal(t, float64(1), testutil.ToFloat64(slotHeld))

	g.finish(job.ID, nil)
	c.Wait()
	assert.Equal(t, completed+1, testutil.ToFloat64(transitionsTotal.WithLabelValues(string(queue.StatusCompleted))))
	assert.Equal(t, float64(0), testutil.ToFloat64(slotHeld))
}
