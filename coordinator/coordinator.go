// Package coordinator runs the per-worker admission loop.
//
// Every worker process runs one Coordinator against the shared store. There
// is no leader: a worker wakes on change-feed events, on its poll ticker, or
// when its own job finishes, and runs a cycle that reclaims a stale slot,
// unblocks jobs whose blocker finished, parks jobs that conflict with the
// active footprint, and tries to claim the slot for the next eligible job.
// Mutual exclusion comes only from the store's conditional update on the
// slot singleton.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/feed"
	"github.com/teranos/genq/logger"
	"github.com/teranos/genq/queue"
	"github.com/teranos/genq/sym"
)

// Error backoff for failed cycles and feed resubscription.
const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second

	// maxClaimAttempts bounds how many candidates one cycle tries after
	// losing a claim because the candidate stopped being eligible.
	maxClaimAttempts = 3
)

// CycleResult reports what one admission cycle changed.
type CycleResult struct {
	Reclaimed *queue.ReleaseResult
	Unblocked []string
	Blocked   []string
	Claimed   *queue.Job
	Locked    bool
}

// Status is a point-in-time view of the worker for health reporting.
type Status struct {
	WorkerID          string     `json:"worker_id"`
	Running           bool       `json:"running"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	LastCycle         *time.Time `json:"last_cycle,omitempty"`
	LastHeartbeat     *time.Time `json:"last_heartbeat,omitempty"`
	ActiveJobID       string     `json:"active_job_id,omitempty"`
	FeedConnected     bool       `json:"feed_connected"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// execution is the job this worker is running.
type execution struct {
	job    *queue.Job
	cancel context.CancelFunc
}

// Coordinator is one worker's admission loop.
type Coordinator struct {
	store  queue.Store
	sub    feed.Subscriber
	exec   Executor
	logger *zap.SugaredLogger
	now    func() time.Time

	limiter *rate.Limiter
	wake    chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	cfg      Config
	conflict queue.ConflictFunc
	running  *execution
	status   Status
}

// NewWorkerID returns "<hostname>-<random>".
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// New creates a coordinator. sub may be nil, in which case the worker
// relies on its poll ticker alone.
func New(store queue.Store, sub feed.Subscriber, exec Executor, cfg Config, log *zap.SugaredLogger, opts ...Option) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid coordinator config")
	}
	conflict, err := queue.ConflictRule(cfg.ConflictRule)
	if err != nil {
		return nil, err
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = NewWorkerID()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	limit := rate.Inf
	if cfg.MaxCyclesPerSecond > 0 {
		limit = rate.Limit(cfg.MaxCyclesPerSecond)
	}

	c := &Coordinator{
		store:    store,
		sub:      sub,
		exec:     exec,
		logger:   log.Named("coordinator").With(logger.FieldWorkerID, cfg.WorkerID),
		now:      time.Now,
		limiter:  rate.NewLimiter(limit, 1),
		wake:     make(chan struct{}, 1),
		cfg:      cfg,
		conflict: conflict,
		status:   Status{WorkerID: cfg.WorkerID},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WorkerID returns this worker's identity.
func (c *Coordinator) WorkerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.WorkerID
}

// Config returns the current configuration.
func (c *Coordinator) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetTimings applies reloaded timings and conflict rule. A running job keeps
// its heartbeat interval until it finishes.
func (c *Coordinator) SetTimings(t Timings) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.cfg
	next.HeartbeatInterval = t.HeartbeatInterval
	next.StalenessThreshold = t.StalenessThreshold
	next.PollInterval = t.PollInterval
	next.ConflictRule = t.ConflictRule
	next = next.withDefaults()
	if err := next.Validate(); err != nil {
		return err
	}
	conflict, err := queue.ConflictRule(next.ConflictRule)
	if err != nil {
		return err
	}

	c.cfg = next
	c.conflict = conflict
	c.logger.Infow(sym.AM+" Coordinator timings reloaded",
		"heartbeat_interval", next.HeartbeatInterval,
		"staleness_threshold", next.StalenessThreshold,
		"poll_interval", next.PollInterval,
		"conflict_rule", next.ConflictRule,
	)
	return nil
}

// Status returns a snapshot for health reporting.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.status
	if c.running != nil {
		st.ActiveJobID = c.running.job.ID
	}
	return st
}

func (c *Coordinator) settings() (Config, queue.ConflictFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg, c.conflict
}

func (c *Coordinator) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running != nil
}

func (c *Coordinator) updateStatus(fn func(*Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.status)
}

// Run drives cycles until ctx is done, then waits for the running job (if
// any) to finish and release the slot. A job still running after
// Config.DrainTimeout is cancelled. The first cycle runs immediately so a
// restarted worker reclaims stale slots and drains the backlog it missed.
func (c *Coordinator) Run(ctx context.Context) error {
	started := c.now()
	c.updateStatus(func(s *Status) {
		s.Running = true
		s.StartedAt = &started
	})
	defer c.updateStatus(func(s *Status) { s.Running = false })
	defer c.wg.Wait()

	cfg, _ := c.settings()
	c.logger.Infow(sym.Start+" Coordinator starting",
		"heartbeat_interval", cfg.HeartbeatInterval,
		"staleness_threshold", cfg.StalenessThreshold,
		"poll_interval", cfg.PollInterval,
		"conflict_rule", cfg.ConflictRule,
	)

	events := c.subscribe(ctx)
	resubBackoff := minBackoff
	var resub <-chan time.Time

	pollInterval := cfg.PollInterval
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	errorBackoff := minBackoff
	consecutive := 0
	trigger := "startup"

	for {
		if ctx.Err() != nil {
			c.logger.Infow(sym.Stop + " Coordinator stopping")
			return nil
		}

		if err := c.runCycle(ctx, trigger); err != nil {
			if ctx.Err() != nil {
				continue
			}
			consecutive++
			c.updateStatus(func(s *Status) { s.ConsecutiveErrors = consecutive })
			c.logger.Errorw("Admission cycle failed",
				"trigger", trigger,
				"consecutive_errors", consecutive,
				"backoff", errorBackoff,
				logger.FieldError, err,
			)
			if !sleepCtx(ctx, errorBackoff) {
				continue
			}
			errorBackoff = min(errorBackoff*2, maxBackoff)
			trigger = "retry"
			continue
		}
		if consecutive > 0 {
			c.logger.Infow("Coordinator recovered from errors", "previous_error_count", consecutive)
			consecutive = 0
			errorBackoff = minBackoff
			c.updateStatus(func(s *Status) { s.ConsecutiveErrors = 0 })
		}

		if cfg, _ := c.settings(); cfg.PollInterval != pollInterval {
			pollInterval = cfg.PollInterval
			poll.Reset(pollInterval)
		}

		select {
		case <-ctx.Done():
			continue

		case ev, ok := <-events:
			if !ok {
				events = nil
				c.setFeedConnected(false)
				if ctx.Err() == nil {
					c.logger.Warnw(sym.Feed+" Change feed disconnected, polling until resubscribed",
						"poll_interval", pollInterval,
						"retry_in", resubBackoff,
					)
					resub = time.After(resubBackoff)
				}
				trigger = "disconnect"
				continue
			}
			c.logger.Debugw("Change event",
				logger.FieldTable, ev.Table,
				logger.FieldOp, ev.Op,
				logger.FieldSeq, ev.Seq,
			)
			drain(events)
			if err := c.limiter.Wait(ctx); err != nil {
				continue
			}
			trigger = "feed"

		case <-resub:
			resub = nil
			if events = c.subscribe(ctx); events == nil {
				resubBackoff = min(resubBackoff*2, maxBackoff)
				resub = time.After(resubBackoff)
			} else {
				resubBackoff = minBackoff
			}
			trigger = "resubscribe"

		case <-poll.C:
			trigger = "poll"

		case <-c.wake:
			trigger = "release"
		}
	}
}

// subscribe returns nil when there is no feed or subscribing failed.
func (c *Coordinator) subscribe(ctx context.Context) <-chan feed.Event {
	if c.sub == nil {
		return nil
	}
	events, err := c.sub.Subscribe(ctx)
	if err != nil {
		c.logger.Warnw(sym.Feed+" Change feed subscribe failed, polling", logger.FieldError, err)
		c.setFeedConnected(false)
		return nil
	}
	c.setFeedConnected(true)
	return events
}

func (c *Coordinator) setFeedConnected(ok bool) {
	if ok {
		feedConnected.Set(1)
	} else {
		feedConnected.Set(0)
	}
	c.updateStatus(func(s *Status) { s.FeedConnected = ok })
}

// drain discards queued events; one cycle re-reads all state anyway.
func drain(events <-chan feed.Event) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Coordinator) runCycle(ctx context.Context, trigger string) error {
	cyclesTotal.WithLabelValues(trigger).Inc()
	_, err := c.Cycle(ctx)
	if err != nil {
		cycleErrorsTotal.Inc()
		return err
	}
	now := c.now()
	c.updateStatus(func(s *Status) { s.LastCycle = &now })
	return nil
}

// Cycle runs one admission pass. A claimed job starts executing before
// Cycle returns; cancelling ctx starts its drain timeout.
func (c *Coordinator) Cycle(ctx context.Context) (*CycleResult, error) {
	cfg, conflict := c.settings()
	now := c.now()
	res := &CycleResult{}

	state, err := c.store.State(ctx)
	if err != nil {
		return nil, err
	}

	if state.Stale(now, cfg.StalenessThreshold) {
		reclaimed, err := c.store.Reclaim(ctx, state, now)
		if err != nil {
			return nil, errors.Wrap(err, "failed to reclaim stale slot")
		}
		if reclaimed != nil {
			res.Reclaimed = reclaimed
			res.Unblocked = append(res.Unblocked, reclaimed.Unblocked...)
			reclaimsTotal.Inc()
			transitionsTotal.WithLabelValues(string(queue.StatusFailed)).Inc()
			c.logger.Warnw(sym.Slot+" Reclaimed stale slot",
				logger.FieldJobID, state.ActiveJobID,
				"holder", state.Holder,
				logger.FieldAge, now.Sub(state.LastUpdated),
				"unblocked", len(reclaimed.Unblocked),
			)
		}
		if state, err = c.store.State(ctx); err != nil {
			return nil, err
		}
	}

	unblocked, err := c.store.UnblockReady(ctx, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unblock jobs")
	}
	if len(unblocked) > 0 {
		res.Unblocked = append(res.Unblocked, unblocked...)
		transitionsTotal.WithLabelValues(string(queue.StatusPending)).Add(float64(len(unblocked)))
		c.logger.Infow("Unblocked jobs", logger.FieldCount, len(unblocked))
	}

	lock, err := c.store.Flag(ctx, queue.FlagPriorityLock)
	if err != nil {
		return nil, err
	}
	res.Locked = lock.Enabled

	if !state.Free() {
		res.Blocked, err = c.blockConflicting(ctx, state, conflict, cfg.ScanLimit, now)
		return res, err
	}
	if c.busy() {
		return res, nil
	}

	res.Claimed, err = c.claimNext(ctx, cfg, lock.Enabled, now)
	if err != nil {
		return res, err
	}
	if res.Claimed != nil {
		c.start(ctx, res.Claimed)
	}
	return res, nil
}

// blockConflicting parks pending jobs that conflict with the active footprint.
func (c *Coordinator) blockConflicting(ctx context.Context, state queue.QueueState, conflict queue.ConflictFunc, limit int, now time.Time) ([]string, error) {
	candidates, err := c.store.Candidates(ctx, queue.CandidateFilter{Limit: limit})
	if err != nil {
		return nil, err
	}

	var blocked []string
	for _, job := range candidates {
		if job.ID == state.ActiveJobID || !conflict(state, job) {
			continue
		}
		ok, err := c.store.Block(ctx, job.ID, state.ActiveJobID, now)
		if err != nil {
			return blocked, err
		}
		if ok {
			blocked = append(blocked, job.ID)
			transitionsTotal.WithLabelValues(string(queue.StatusBlocked)).Inc()
			c.logger.Debugw("Blocked job behind active footprint",
				logger.FieldJobID, job.ID,
				logger.FieldBlockedBy, state.ActiveJobID,
				logger.FieldModels, queue.SharedModels(state.ActiveModels, job.RequestedModels),
			)
		}
	}
	return blocked, nil
}

// claimNext tries candidates in admission order. Losing the slot CAS ends
// the attempt; losing only the job condition moves on to the next candidate.
func (c *Coordinator) claimNext(ctx context.Context, cfg Config, locked bool, now time.Time) (*queue.Job, error) {
	candidates, err := c.store.Candidates(ctx, queue.CandidateFilter{
		TopPriorityOnly: locked,
		Limit:           maxClaimAttempts,
	})
	if err != nil {
		return nil, err
	}

	for _, job := range candidates {
		err := c.store.Claim(ctx, queue.ClaimRequest{Job: job, Holder: cfg.WorkerID, Now: now})
		if err == nil {
			claimsTotal.WithLabelValues(claimWon).Inc()
			transitionsTotal.WithLabelValues(string(queue.StatusActive)).Inc()
			job.Status = queue.StatusActive
			job.StartedAt = &now
			job.BlockedBy = ""
			c.logger.Infow(sym.Slot+" Claimed execution slot",
				logger.FieldJobID, job.ID,
				logger.FieldJobType, job.Type,
				logger.FieldPriority, job.Priority,
				logger.FieldModels, job.RequestedModels,
				logger.FieldAge, now.Sub(job.CreatedAt),
			)
			return job, nil
		}
		if !errors.Is(err, queue.ErrContention) {
			claimsTotal.WithLabelValues(claimError).Inc()
			return nil, err
		}

		claimsTotal.WithLabelValues(claimContention).Inc()
		c.logger.Debugw("Lost claim", logger.FieldJobID, job.ID)
		state, err := c.store.State(ctx)
		if err != nil {
			return nil, err
		}
		if !state.Free() {
			return nil, nil
		}
	}
	return nil, nil
}
