package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/feed"
	qtest "github.com/teranos/genq/internal/testing"
	"github.com/teranos/genq/queue"
	"github.com/teranos/genq/queue/sqlite"
)

func TestCycleAdmissionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	early2 := f.submit(t, queue.PriorityNormal, []string{"a"}, base)
	late1 := f.submit(t, queue.PriorityHigh, []string{"b"}, base.Add(time.Minute))
	late2 := f.submit(t, queue.PriorityNormal, []string{"c"}, base.Add(2*time.Minute))

	g := newGate()
	c := newCoordinator(t, f.store, nil, g, testConfig(queue.ConflictRuleNone))

	res, err := c.Cycle(ctx)
	require.NoError(t, err)
	require.NotNil(t, res.Claimed)
	assert.Equal(t, late1.ID, res.Claimed.ID, "priority 1 first")

	res, err = c.Cycle(ctx)
	require.NoError(t, err)
	assert.Nil(t, res.Claimed, "slot is held")

	g.finish(late1.ID, nil)
	c.Wait()
	assert.Equal(t, queue.StatusCompleted, f.status(t, late1.ID))

	res, err = c.Cycle(ctx)
	require.NoError(t, err)
	require.NotNil(t, res.Claimed)
	assert.Equal(t, early2.ID, res.Claimed.ID, "earlier created_at within the band")

	g.finish(early2.ID, nil)
	c.Wait()
	assert.Equal(t, queue.StatusPending, f.status(t, late2.ID))
	f.assertAtMostOneActive(t)
}

func TestMultiWorkerRace(t *testing.T) {
	path := t.TempDir() + "/genq.db"
	const workers = 6

	var coords []*Coordinator
	var gates []*gate
	var store *sqlite.Store
	for i := 0; i < workers; i++ {
		s := sqlite.New(qtest.OpenTestDB(t, path))
		if store == nil {
			store = s
		}
		g := newGate()
		cfg := testConfig(queue.ConflictRuleModels)
		gates = append(gates, g)
		coords = append(coords, newCoordinator(t, s, nil, g, cfg))
	}

	job := queue.NewJob("image", queue.PriorityNormal, []string{"m1"}, nil, time.Now())
	require.NoError(t, store.CreateJob(context.Background(), job))

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	start := make(chan struct{})
	for _, c := range coords {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			<-start
			res, err := c.Cycle(context.Background())
			assert.NoError(t, err, "losing the race is not an error")
			if res != nil && res.Claimed != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(c)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, winners)

	active, err := store.ListJobs(context.Background(), queue.JobFilter{Status: queue.StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)

	for _, g := range gates {
		g.finish(job.ID, nil)
	}
	for _, c := range coords {
		c.Wait()
	}
}

func TestPriorityLockRespected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	p2 := f.submit(t, queue.PriorityNormal, []string{"a"}, base)
	p3 := f.submit(t, queue.PriorityLow, []string{"b"}, base)
	p1 := f.submit(t, queue.PriorityHigh, []string{"c"}, base.Add(time.Minute))
	f.setLock(t, true)

	g := newGate()
	c := newCoordinator(t, f.store, nil, g, testConfig(queue.ConflictRuleNone))

	res, err := c.Cycle(ctx)
	require.NoError(t, err)
	assert.True(t, res.Locked)
	require.NotNil(t, res.Claimed)
	assert.Equal(t, p1.ID, res.Claimed.ID)

	g.finish(p1.ID, nil)
	c.Wait()

	for i := 0; i < 3; i++ {
		res, err = c.Cycle(ctx)
		require.NoError(t, err)
		assert.Nil(t, res.Claimed)
	}
	assert.Equal(t, queue.StatusPending, f.status(t, p2.ID))
	assert.Equal(t, queue.StatusPending, f.status(t, p3.ID))
}

func TestAutoFlushOnDisable(t *testing.T) {
	f := newFixture(t)
	f.setLock(t, true)
	low := f.submit(t, queue.PriorityLow, []string{"m"}, time.Now())

	g := newGate()
	cfg := testConfig(queue.ConflictRuleModels)
	cfg.PollInterval = time.Hour // only the feed can wake the worker
	c := newCoordinator(t, f.store, changeFeed(f.db), g, cfg)
	runInBackground(t, c)

	require.Eventually(t, func() bool { return c.Status().LastCycle != nil }, waitFor, 10*time.Millisecond)
	assert.Never(t, func() bool { return len(g.Started()) > 0 }, 200*time.Millisecond, 20*time.Millisecond)

	f.setLock(t, false)

	require.Eventually(t, func() bool { return f.status(t, low.ID) == queue.StatusActive }, waitFor, 10*time.Millisecond)
	g.finish(low.ID, nil)
	require.Eventually(t, func() bool { return f.status(t, low.ID) == queue.StatusCompleted }, waitFor, 10*time.Millisecond)
}

func TestStaleLeaseRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dead := f.submit(t, queue.PriorityHigh, []string{"a"}, time.Now().Add(-time.Hour))
	next := f.submit(t, queue.PriorityNormal, []string{"b"}, time.Now().Add(-time.Hour))
	require.NoError(t, f.store.Claim(ctx, queue.ClaimRequest{
		Job:    dead,
		Holder: "crashed-worker",
		Now:    time.Now().Add(-time.Minute),
	}))

	g := newGate()
	c := newCoordinator(t, f.store, nil, g, testConfig(queue.ConflictRuleModels))

	res, err := c.Cycle(ctx)
	require.NoError(t, err)
	require.NotNil(t, res.Reclaimed)
	assert.Equal(t, dead.ID, res.Reclaimed.JobID)
	require.NotNil(t, res.Claimed)
	assert.Equal(t, next.ID, res.Claimed.ID)

	got := f.job(t, dead.ID)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, queue.ReasonLeaseExpired, got.Error)

	g.finish(next.ID, nil)
	c.Wait()
}

func TestFreshHolderIsNotReclaimed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	live := f.submit(t, queue.PriorityHigh, []string{"a"}, time.Now())
	require.NoError(t, f.store.Claim(ctx, queue.ClaimRequest{Job: live, Holder: "other", Now: time.Now()}))

	c := newCoordinator(t, f.store, nil, newGate(), testConfig(queue.ConflictRuleModels))
	res, err := c.Cycle(ctx)
	require.NoError(t, err)
	assert.Nil(t, res.Reclaimed)
	assert.Equal(t, queue.StatusActive, f.status(t, live.ID))
}

func TestUnblockPropagation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	a := f.submit(t, queue.PriorityHigh, []string{"m1", "m2"}, base)
	b := f.submit(t, queue.PriorityNormal, []string{"m2"}, base)
	other := f.submit(t, queue.PriorityNormal, []string{"m9"}, base)

	g := newGate()
	c := newCoordinator(t, f.store, nil, g, testConfig(queue.ConflictRuleModels))

	res, err := c.Cycle(ctx)
	require.NoError(t, err)
	require.Equal(t, a.ID, res.Claimed.ID)

	res, err = c.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, res.Blocked)
	assert.Equal(t, queue.StatusBlocked, f.status(t, b.ID))
	assert.Equal(t, a.ID, f.job(t, b.ID).BlockedBy)
	assert.Equal(t, queue.StatusPending, f.status(t, other.ID), "disjoint models do not conflict")

	g.finish(a.ID, errors.New("out of memory"))
	c.Wait()

	assert.Equal(t, queue.StatusPending, f.status(t, b.ID))
	assert.Equal(t, "out of memory", f.job(t, a.ID).Error)

	log, err := f.store.ListLog(ctx, queue.LogFilter{JobID: b.ID})
	require.NoError(t, err)
	require.NotEmpty(t, log)
	assert.Equal(t, queue.ReasonUnblocked, log[0].Reason)
}

func TestEndToEndSequentialModels(t *testing.T) {
	f := newFixture(t)
	a := f.submit(t, queue.PriorityHigh, []string{"m1"}, time.Now())
	b := f.submit(t, queue.PriorityNormal, []string{"m1"}, time.Now())

	g := newGate()
	cfg := testConfig(queue.ConflictRuleModels)
	cfg.PollInterval = 50 * time.Millisecond
	c := newCoordinator(t, f.store, changeFeed(f.db), g, cfg)
	runInBackground(t, c)

	require.Eventually(t, func() bool { return f.status(t, a.ID) == queue.StatusActive }, waitFor, 10*time.Millisecond)
	assert.NotEqual(t, queue.StatusActive, f.status(t, b.ID))

	g.finish(a.ID, nil)
	require.Eventually(t, func() bool { return f.status(t, b.ID) == queue.StatusActive }, waitFor, 10*time.Millisecond)
	assert.Equal(t, queue.StatusCompleted, f.status(t, a.ID))

	g.finish(b.ID, nil)
	require.Eventually(t, func() bool { return f.status(t, b.ID) == queue.StatusCompleted }, waitFor, 10*time.Millisecond)

	state, err := f.store.State(context.Background())
	require.NoError(t, err)
	assert.True(t, state.Free())
	assert.Equal(t, []string{a.ID, b.ID}, g.Started())
}

func TestEndToEndLockHoldsLowPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setLock(t, true)

	c3, err := queue.Submit(ctx, f.store, queue.Submission{
		Type:     "video",
		Priority: queue.PriorityLow,
		Models:   []string{"wan"},
	}, time.Now())
	require.NoError(t, err)

	g := newGate()
	cfg := testConfig(queue.ConflictRuleModels)
	cfg.PollInterval = 20 * time.Millisecond
	c := newCoordinator(t, f.store, changeFeed(f.db), g, cfg)
	runInBackground(t, c)

	assert.Never(t, func() bool { return f.status(t, c3.ID) != queue.StatusPending }, 300*time.Millisecond, 20*time.Millisecond)

	f.setLock(t, false)
	require.Eventually(t, func() bool { return f.status(t, c3.ID) == queue.StatusActive }, waitFor, 10*time.Millisecond)
	g.finish(c3.ID, nil)
}

func TestLeaseLostCancelsExecutor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.submit(t, queue.PriorityHigh, []string{"m"}, time.Now())

	g := newGate()
	cfg := testConfig(queue.ConflictRuleModels)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.StalenessThreshold = time.Second
	c := newCoordinator(t, f.store, nil, g, cfg)

	res, err := c.Cycle(ctx)
	require.NoError(t, err)
	require.NotNil(t, res.Claimed)
	require.Eventually(t, func() bool { return len(g.Started()) == 1 }, waitFor, 5*time.Millisecond)

	_, err = f.store.FailJob(ctx, job.ID, "cancelled by operator", time.Now())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(g.Cancelled()) == 1 }, waitFor, 5*time.Millisecond)
	c.Wait()

	got := f.job(t, job.ID)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, "cancelled by operator", got.Error, "abandoned holder does not overwrite the outcome")
	assert.Empty(t, c.Status().ActiveJobID)
}

func TestHeartbeatKeepsLeaseFresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.submit(t, queue.PriorityHigh, []string{"m"}, time.Now())

	g := newGate()
	cfg := testConfig(queue.ConflictRuleModels)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.StalenessThreshold = 200 * time.Millisecond
	c := newCoordinator(t, f.store, nil, g, cfg)

	_, err := c.Cycle(ctx)
	require.NoError(t, err)

	// A second worker keeps cycling well past the staleness threshold.
	other := newCoordinator(t, f.store, nil, newGate(), cfg)
	for i := 0; i < 10; i++ {
		time.Sleep(50 * time.Millisecond)
		res, err := other.Cycle(ctx)
		require.NoError(t, err)
		require.Nil(t, res.Reclaimed)
	}
	assert.NotNil(t, c.Status().LastHeartbeat)

	g.finish(job.ID, nil)
	c.Wait()
	assert.Equal(t, queue.StatusCompleted, f.status(t, job.ID))
}

func TestShutdownDrainsRunningJob(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, queue.PriorityHigh, []string{"m"}, time.Now())
	queued := f.submit(t, queue.PriorityHigh, nil, time.Now().Add(time.Second))

	g := newGate()
	cfg := testConfig(queue.ConflictRuleModels)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.StalenessThreshold = time.Second
	cfg.DrainTimeout = time.Minute
	c := newCoordinator(t, f.store, nil, g, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(g.Started()) == 1 }, waitFor, 10*time.Millisecond)
	stoppedAt := time.Now()
	cancel()

	// Heartbeats keep the lease while the job drains
	require.Eventually(t, func() bool {
		state, err := f.store.State(context.Background())
		return err == nil && state.ActiveJobID == job.ID && state.LastUpdated.After(stoppedAt)
	}, waitFor, 10*time.Millisecond)

	select {
	case <-done:
		t.Fatal("Run returned while the job was still running")
	case <-time.After(100 * time.Millisecond):
	}

	g.finish(job.ID, nil)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}

	assert.Equal(t, queue.StatusCompleted, f.status(t, job.ID))
	assert.Empty(t, g.Cancelled())
	assert.Equal(t, queue.StatusPending, f.status(t, queued.ID), "no admissions after shutdown")
	f.assertAtMostOneActive(t)
	assert.False(t, c.Status().Running)
}

func TestShutdownCancelsJobAfterDrainTimeout(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, queue.PriorityHigh, []string{"m"}, time.Now())

	g := newGate()
	cfg := testConfig(queue.ConflictRuleModels)
	cfg.DrainTimeout = 50 * time.Millisecond
	c := newCoordinator(t, f.store, nil, g, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(g.Started()) == 1 }, waitFor, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}

	got := f.job(t, job.ID)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Contains(t, got.Error, ReasonShutdown)
	assert.Equal(t, []string{job.ID}, g.Cancelled())
	f.assertAtMostOneActive(t)
}

func TestFeedDisconnectFallsBackToPolling(t *testing.T) {
	f := newFixture(t)
	bus := feed.NewBus()

	g := newGate()
	cfg := testConfig(queue.ConflictRuleModels)
	cfg.PollInterval = 50 * time.Millisecond
	c := newCoordinator(t, f.store, bus, g, cfg)
	runInBackground(t, c)

	require.Eventually(t, func() bool { return c.Status().FeedConnected }, waitFor, 10*time.Millisecond)
	bus.Close()
	require.Eventually(t, func() bool { return !c.Status().FeedConnected }, waitFor, 10*time.Millisecond)

	job := f.submit(t, queue.PriorityNormal, []string{"m"}, time.Now())
	require.Eventually(t, func() bool { return f.status(t, job.ID) == queue.StatusActive }, waitFor, 10*time.Millisecond)
	g.finish(job.ID, nil)
}

func TestStorageFailureBacksOff(t *testing.T) {
	f := newFixture(t)
	c := newCoordinator(t, f.store, nil, newGate(), testConfig(queue.ConflictRuleModels))
	require.NoError(t, f.db.Close())

	_, err := c.Cycle(context.Background())
	require.Error(t, err)

	runInBackground(t, c)
	require.Eventually(t, func() bool { return c.Status().ConsecutiveErrors > 0 }, waitFor, 10*time.Millisecond)
}

func TestExecutorPanicFailsJob(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, queue.PriorityHigh, []string{"m"}, time.Now())

	exec := ExecutorFunc(func(context.Context, *queue.Job) error { panic("boom") })
	c, err := New(f.store, nil, exec, testConfig(queue.ConflictRuleModels), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	_, err = c.Cycle(context.Background())
	require.NoError(t, err)
	c.Wait()

	got := f.job(t, job.ID)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "executor panic: boom")
}

func TestCancelRunningJob(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, queue.PriorityHigh, []string{"m"}, time.Now())

	g := newGate()
	c := newCoordinator(t, f.store, nil, g, testConfig(queue.ConflictRuleModels))
	_, err := c.Cycle(context.Background())
	require.NoError(t, err)

	assert.False(t, c.Cancel("some-other-job"))
	assert.True(t, c.Cancel(job.ID))
	c.Wait()

	assert.Equal(t, queue.StatusFailed, f.status(t, job.ID))
}
