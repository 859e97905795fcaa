package am

import (
	"slices"

	"github.com/teranos/genq/errors"
)

var (
	drivers    = []string{DriverSQLite, DriverPostgres}
	transports = []string{TransportChangeLog, TransportPGNotify, TransportRedis, TransportNone}
	rules      = []string{"models", "type", "any", "none"}
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if !slices.Contains(drivers, c.Database.Driver) {
		return errors.Newf("database.driver must be one of %v, got %q", drivers, c.Database.Driver)
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		return errors.New("database.path cannot be empty for the sqlite driver")
	}
	if c.Database.Driver == DriverPostgres && c.Database.URL == "" {
		return errors.WithHint(
			errors.New("database.url is required for the postgres driver"),
			"set DATABASE_URL or GENQ_DATABASE_URL",
		)
	}

	if !slices.Contains(transports, c.Feed.Transport) {
		return errors.Newf("feed.transport must be one of %v, got %q", transports, c.Feed.Transport)
	}
	// A transport must match the store that produces its events
	if c.Feed.Transport == TransportChangeLog && c.Database.Driver != DriverSQLite {
		return errors.New("feed.transport changelog requires the sqlite driver")
	}
	if c.Feed.Transport == TransportPGNotify && c.Database.Driver != DriverPostgres {
		return errors.New("feed.transport pgnotify requires the postgres driver")
	}
	if c.Feed.Transport == TransportRedis && c.Feed.RedisURL == "" {
		return errors.WithHint(
			errors.New("feed.redis_url is required for the redis transport"),
			"set REDIS_URL or GENQ_FEED_REDIS_URL",
		)
	}
	if c.Feed.PollInterval < 0 {
		return errors.Newf("feed.poll_interval must be >= 0, got %s", c.Feed.PollInterval)
	}
	if c.Feed.Retention < 0 {
		return errors.Newf("feed.retention must be >= 0, got %s", c.Feed.Retention)
	}

	if err := c.Coordinator.Validate(); err != nil {
		return err
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		return errors.New("server.addr cannot be empty when the server is enabled")
	}
	if c.Executor.Timeout < 0 {
		return errors.Newf("executor.timeout must be >= 0, got %s", c.Executor.Timeout)
	}
	return nil
}

// Validate checks the hot-reloadable coordinator settings. It runs on every
// reload so a bad edit never reaches a running worker.
func (c CoordinatorConfig) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return errors.Newf("coordinator.heartbeat_interval must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.PollInterval <= 0 {
		return errors.Newf("coordinator.poll_interval must be > 0, got %s", c.PollInterval)
	}
	if c.StalenessThreshold <= 2*c.HeartbeatInterval {
		return errors.WithHint(
			errors.Newf("coordinator.staleness_threshold %s must exceed twice heartbeat_interval %s",
				c.StalenessThreshold, c.HeartbeatInterval),
			"the default ratio is 1:5 (6s heartbeat, 30s staleness)",
		)
	}
	if !slices.Contains(rules, c.ConflictRule) {
		return errors.Newf("coordinator.conflict_rule must be one of %v, got %q", rules, c.ConflictRule)
	}
	if c.ScanLimit < 0 {
		return errors.Newf("coordinator.scan_limit must be >= 0, got %d", c.ScanLimit)
	}
	if c.MaxCyclesPerSecond < 0 {
		return errors.Newf("coordinator.max_cycles_per_second must be >= 0, got %f", c.MaxCyclesPerSecond)
	}
	if c.DrainTimeout < 0 {
		return errors.Newf("coordinator.drain_timeout must be >= 0, got %s", c.DrainTimeout)
	}
	return nil
}
