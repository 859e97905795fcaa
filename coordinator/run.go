package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/logger"
	"github.com/teranos/genq/queue"
	"github.com/teranos/genq/sym"
)

// Release retry backoff bounds.
const (
	releaseMinBackoff = 100 * time.Millisecond
	releaseMaxBackoff = 5 * time.Second
)

// ReasonShutdown is the failure recorded when a stopping worker cancels a
// job that outlived the drain timeout.
const ReasonShutdown = "worker shutting down"

// start runs job in the background. The execution outlives ctx: once ctx is
// done the job gets cfg.DrainTimeout to finish before it is cancelled.
func (c *Coordinator) start(ctx context.Context, job *queue.Job) {
	execCtx, cancel := context.WithCancel(logger.WithJobID(context.WithoutCancel(ctx), job.ID))

	c.mu.Lock()
	c.running = &execution{job: job, cancel: cancel}
	c.mu.Unlock()
	slotHeld.Set(1)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.execute(ctx, execCtx, cancel, job)
	}()
}

// execute heartbeats while the executor runs, then releases the slot.
// Heartbeats continue while a stopping worker drains.
func (c *Coordinator) execute(parent, ctx context.Context, cancel context.CancelFunc, job *queue.Job) {
	defer c.finished()

	cfg, _ := c.settings()
	log := logger.FromContext(ctx, c.logger)

	done := make(chan error, 1)
	go func() {
		done <- c.safeExecute(ctx, job)
	}()

	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()
	lastBeat := c.now()

	stopping := parent.Done()
	var drainTimer *time.Timer
	var drainExpired <-chan time.Time
	drained := false
	defer func() {
		if drainTimer != nil {
			drainTimer.Stop()
		}
	}()

	for {
		select {
		case execErr := <-done:
			if drained && execErr != nil {
				execErr = errors.Wrap(execErr, ReasonShutdown)
			}
			c.release(job, execErr, lastBeat, cfg.StalenessThreshold)
			return

		case <-stopping:
			stopping = nil
			log.Infow(sym.Stop+" Worker stopping, waiting for running job",
				"drain_timeout", cfg.DrainTimeout,
			)
			drainTimer = time.NewTimer(cfg.DrainTimeout)
			drainExpired = drainTimer.C

		case <-drainExpired:
			drainExpired = nil
			drained = true
			log.Warnw(sym.Stop+" Drain timeout reached, cancelling job",
				"drain_timeout", cfg.DrainTimeout,
			)
			cancel()

		case <-ticker.C:
			now := c.now()
			err := c.store.Heartbeat(ctx, job.ID, now)
			if err == nil {
				lastBeat = now
				c.updateStatus(func(s *Status) { s.LastHeartbeat = &now })
				continue
			}
			if errors.Is(err, queue.ErrLeaseLost) {
				log.Warnw(sym.Slot+" Lease lost, abandoning job",
					logger.FieldAge, now.Sub(lastBeat),
				)
				cancel()
				<-done
				return
			}
			if ctx.Err() != nil {
				continue
			}
			log.Warnw("Heartbeat failed",
				logger.FieldAge, now.Sub(lastBeat),
				logger.FieldError, err,
			)
		}
	}
}

func (c *Coordinator) safeExecute(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("executor panic: %v", r)
		}
	}()
	if c.exec == nil {
		return errors.New("no executor configured")
	}
	return c.exec.Execute(ctx, job)
}

// release hands the slot back, retrying storage errors until the holder's
// lease would have expired anyway.
func (c *Coordinator) release(job *queue.Job, execErr error, lastBeat time.Time, staleness time.Duration) {
	req := queue.ReleaseRequest{JobID: job.ID, Outcome: queue.StatusCompleted}
	if execErr != nil {
		req.Outcome = queue.StatusFailed
		req.Error = execErr.Error()
	}

	log := c.logger.With(logger.FieldJobID, job.ID)
	deadline := lastBeat.Add(staleness)
	ctx, cancel := context.WithDeadline(context.Background(), deadline.Add(time.Second))
	defer cancel()

	backoff := releaseMinBackoff
	for attempt := 1; ; attempt++ {
		req.Now = c.now()
		res, err := c.store.Release(ctx, req)
		if err == nil {
			c.logReleased(job, res, req)
			return
		}
		if errors.Is(err, queue.ErrLeaseLost) {
			log.Warnw(sym.Slot+" Slot was reclaimed before release",
				logger.FieldStatus, req.Outcome,
			)
			return
		}
		if !c.now().Before(deadline) || ctx.Err() != nil {
			log.Errorw("Giving up on release, slot will be reclaimed as stale",
				"attempts", attempt,
				logger.FieldError, err,
			)
			return
		}
		log.Warnw("Release failed, retrying",
			"attempt", attempt,
			"backoff", backoff,
			logger.FieldError, err,
		)
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, releaseMaxBackoff)
	}
}

func (c *Coordinator) logReleased(job *queue.Job, res *queue.ReleaseResult, req queue.ReleaseRequest) {
	held := time.Duration(0)
	if job.StartedAt != nil {
		held = req.Now.Sub(*job.StartedAt)
	}
	jobDuration.WithLabelValues(job.Type, string(req.Outcome)).Observe(held.Seconds())
	transitionsTotal.WithLabelValues(string(req.Outcome)).Inc()
	if n := len(res.Unblocked); n > 0 {
		transitionsTotal.WithLabelValues(string(queue.StatusPending)).Add(float64(n))
	}

	fields := []interface{}{
		logger.FieldJobID, job.ID,
		logger.FieldJobType, job.Type,
		logger.FieldStatus, req.Outcome,
		logger.FieldDurationMS, held.Milliseconds(),
		"unblocked", len(res.Unblocked),
	}
	if req.Outcome == queue.StatusFailed {
		c.logger.Warnw(fmt.Sprintf("%s Job failed", sym.StatusGlyph["failed"]),
			append(fields, logger.FieldError, req.Error)...)
		return
	}
	c.logger.Infow(fmt.Sprintf("%s Job completed", sym.StatusGlyph["completed"]), fields...)
}

// finished clears the running job and wakes the loop so the next job is
// admitted without waiting for an event.
func (c *Coordinator) finished() {
	c.mu.Lock()
	c.running = nil
	c.mu.Unlock()
	slotHeld.Set(0)

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Cancel stops the running job if it has the given id. The job is released
// as failed with the executor's error.
func (c *Coordinator) Cancel(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running == nil || c.running.job.ID != jobID {
		return false
	}
	c.running.cancel()
	return true
}

// Wait blocks until the running job, if any, has been released.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}
