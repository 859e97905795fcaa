package coordinator

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/genq/feed"
	qtest "github.com/teranos/genq/internal/testing"
	"github.com/teranos/genq/queue"
	"github.com/teranos/genq/queue/sqlite"
)

const waitFor = 5 * time.Second

// gate is an Executor whose jobs run until the test finishes them.
type gate struct {
	mu        sync.Mutex
	started   []string
	cancelled []string
	release   map[string]chan error
}

func newGate() *gate {
	return &gate{release: make(map[string]chan error)}
}

func (g *gate) ch(id string) chan error {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.release[id]
	if !ok {
		ch = make(chan error, 1)
		g.release[id] = ch
	}
	return ch
}

func (g *gate) Execute(ctx context.Context, job *queue.Job) error {
	ch := g.ch(job.ID)
	g.mu.Lock()
	g.started = append(g.started, job.ID)
	g.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		g.mu.Lock()
		g.cancelled = append(g.cancelled, job.ID)
		g.mu.Unlock()
		return ctx.Err()
	}
}

func (g *gate) finish(id string, err error) {
	g.ch(id) <- err
}

func (g *gate) Started() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.started...)
}

func (g *gate) Cancelled() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelled...)
}

type fixture struct {
	db    *sql.DB
	store *sqlite.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := qtest.CreateTestDB(t)
	return &fixture{db: db, store: sqlite.New(db, sqlite.WithLogger(zaptest.NewLogger(t).Sugar()))}
}

func (f *fixture) submit(t *testing.T, p queue.Priority, models []string, createdAt time.Time) *queue.Job {
	t.Helper()
	job := queue.NewJob("image", p, models, nil, createdAt)
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func (f *fixture) status(t *testing.T, id string) queue.Status {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}

func (f *fixture) job(t *testing.T, id string) *queue.Job {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (f *fixture) setLock(t *testing.T, enabled bool) {
	t.Helper()
	_, err := f.store.SetFlag(context.Background(), queue.FlagPriorityLock, enabled, time.Now())
	require.NoError(t, err)
}

func (f *fixture) assertAtMostOneActive(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	active, err := f.store.ListJobs(ctx, queue.JobFilter{Status: queue.StatusActive})
	require.NoError(t, err)
	require.LessOrEqual(t, len(active), 1)

	state, err := f.store.State(ctx)
	require.NoError(t, err)
	if len(active) == 1 {
		require.Equal(t, active[0].ID, state.ActiveJobID)
	} else {
		require.True(t, state.Free())
	}
}

func testConfig(rule string) Config {
	cfg := DefaultConfig()
	cfg.ConflictRule = rule
	cfg.MaxCyclesPerSecond = 0
	// Jobs still gated at cleanup are cancelled quickly
	cfg.DrainTimeout = 200 * time.Millisecond
	return cfg
}

func newCoordinator(t *testing.T, store queue.Store, sub feed.Subscriber, exec Executor, cfg Config) *Coordinator {
	t.Helper()
	c, err := New(store, sub, exec, cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return c
}

// runInBackground starts c.Run and stops it at cleanup.
func runInBackground(t *testing.T, c *Coordinator) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("coordinator did not stop")
		}
	})
	return cancel
}

func changeFeed(db *sql.DB) feed.Subscriber {
	return feed.NewChangeLog(db, feed.ChangeLogConfig{PollInterval: 10 * time.Millisecond}, nil)
}
