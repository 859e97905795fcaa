package coordinator

import (
	"time"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
)

// Config tunes one worker's coordinator.
type Config struct {
	// WorkerID identifies this worker in the slot holder and the queue log.
	WorkerID string
	// HeartbeatInterval is how often the holder refreshes last_updated.
	HeartbeatInterval time.Duration
	// StalenessThreshold is the heartbeat age after which any worker may reclaim the slot.
	StalenessThreshold time.Duration
	// PollInterval bounds how long a missed or disconnected feed can delay a cycle.
	PollInterval time.Duration
	// ConflictRule names the blocking predicate (see queue.ConflictRule).
	ConflictRule string
	// ScanLimit caps candidates read per cycle.
	ScanLimit int
	// MaxCyclesPerSecond rate-limits event-triggered cycles. Zero disables the limit.
	MaxCyclesPerSecond float64
	// DrainTimeout is how long a stopping worker lets its running job finish
	// before cancelling it.
	DrainTimeout time.Duration
}

// DefaultConfig returns the default 1:5 heartbeat to staleness ratio.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  6 * time.Second,
		StalenessThreshold: 30 * time.Second,
		PollInterval:       10 * time.Second,
		ConflictRule:       queue.ConflictRuleModels,
		ScanLimit:          100,
		MaxCyclesPerSecond: 20,
		DrainTimeout:       10 * time.Minute,
	}
}

// Validate checks timings and the conflict rule.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return errors.NewInvalidRequestError("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.PollInterval <= 0 {
		return errors.NewInvalidRequestError("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.HeartbeatInterval*2 >= c.StalenessThreshold {
		return errors.WithHint(
			errors.NewInvalidRequestError("staleness threshold %s must exceed twice the heartbeat interval %s",
				c.StalenessThreshold, c.HeartbeatInterval),
			"a live holder must get at least two heartbeats in before it can be reclaimed",
		)
	}
	if _, err := queue.ConflictRule(c.ConflictRule); err != nil {
		return err
	}
	if c.DrainTimeout < 0 {
		return errors.NewInvalidRequestError("drain timeout must not be negative, got %s", c.DrainTimeout)
	}
	if c.MaxCyclesPerSecond < 0 {
		return errors.NewInvalidRequestError("max cycles per second must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.StalenessThreshold == 0 {
		c.StalenessThreshold = def.StalenessThreshold
	}
	if c.PollInterval == 0 {
		c.PollInterval = def.PollInterval
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = def.ScanLimit
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	return c
}

// Timings is the hot-reloadable part of Config.
type Timings struct {
	HeartbeatInterval  time.Duration
	StalenessThreshold time.Duration
	PollInterval       time.Duration
	ConflictRule       string
}
