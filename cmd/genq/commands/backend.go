package commands

import (
	"context"
	"database/sql"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/genq/am"
	"github.com/teranos/genq/coordinator"
	"github.com/teranos/genq/db"
	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/feed"
	"github.com/teranos/genq/feed/pgnotify"
	"github.com/teranos/genq/feed/redisfeed"
	"github.com/teranos/genq/queue"
	"github.com/teranos/genq/queue/postgres"
	"github.com/teranos/genq/queue/sqlite"
	"github.com/teranos/genq/server"
)

// backend is an opened job store plus the handles its change feeds need.
type backend struct {
	cfg   *am.Config
	store queue.Store

	sqlDB *sql.DB         // sqlite only
	pg    *postgres.Store // postgres only
	redis *goredis.Client
}

// loadConfig loads and validates the configuration.
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// openBackend opens and migrates the configured store.
func openBackend(ctx context.Context, cfg *am.Config, workerID string, log *zap.SugaredLogger) (*backend, error) {
	b := &backend{cfg: cfg}

	switch cfg.Database.Driver {
	case am.DriverSQLite:
		database, err := db.OpenWithMigrations(cfg.Database.Path, log)
		if err != nil {
			return nil, err
		}
		b.sqlDB = database
		b.store = sqlite.New(database, sqlite.WithWorkerID(workerID), sqlite.WithLogger(log))

	case am.DriverPostgres:
		store, err := postgres.New(ctx, cfg.Database.URL, postgres.WithWorkerID(workerID), postgres.WithLogger(log))
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		b.pg = store
		b.store = store

	default:
		return nil, errors.Newf("unknown database driver %q", cfg.Database.Driver)
	}
	return b, nil
}

// openStore is openBackend for commands that only read or write rows.
func openStore(ctx context.Context) (*backend, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openBackend(ctx, cfg, "", zap.NewNop().Sugar())
}

// databaseFeed returns the feed the store's own triggers produce, or nil
// when the configured transport is not a database feed.
func (b *backend) databaseFeed(log *zap.SugaredLogger) feed.Subscriber {
	switch {
	case b.sqlDB != nil:
		return feed.NewChangeLog(b.sqlDB, feed.ChangeLogConfig{
			PollInterval: b.cfg.Feed.PollInterval,
			Retention:    b.cfg.Feed.Retention,
		}, log)
	case b.pg != nil:
		return pgnotify.New(b.pg.Pool(), log)
	}
	return nil
}

// redisFeed connects to feed.redis_url.
func (b *backend) redisFeed(ctx context.Context, log *zap.SugaredLogger) (*redisfeed.Feed, error) {
	if b.cfg.Feed.RedisURL == "" {
		return nil, errors.WithHint(
			errors.New("feed.redis_url is not set"),
			"set GENQ_FEED_REDIS_URL or REDIS_URL",
		)
	}
	opts, err := goredis.ParseURL(b.cfg.Feed.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid feed.redis_url")
	}
	b.redis = goredis.NewClient(opts)

	rf := redisfeed.New(b.redis, redisfeed.WithChannel(b.cfg.Feed.Channel), redisfeed.WithLogger(log))
	if err := rf.Ping(ctx); err != nil {
		return nil, err
	}
	return rf, nil
}

// subscriber builds the change feed a worker listens on. A nil subscriber
// leaves the coordinator on its poll ticker.
func (b *backend) subscriber(ctx context.Context, log *zap.SugaredLogger) (feed.Subscriber, error) {
	switch b.cfg.Feed.Transport {
	case am.TransportChangeLog, am.TransportPGNotify:
		return b.databaseFeed(log), nil
	case am.TransportRedis:
		return b.redisFeed(ctx, log)
	case am.TransportNone:
		return nil, nil
	}
	return nil, errors.Newf("unknown feed transport %q", b.cfg.Feed.Transport)
}

// Close releases the store and any redis client.
func (b *backend) Close() error {
	var errs []error
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	if b.store != nil {
		errs = append(errs, b.store.Close())
	}
	return errors.Join(errs...)
}

// coordinatorConfig converts configuration to coordinator settings.
func coordinatorConfig(c am.CoordinatorConfig) coordinator.Config {
	workerID := c.WorkerID
	if workerID == "" {
		workerID = coordinator.NewWorkerID()
	}
	return coordinator.Config{
		WorkerID:           workerID,
		HeartbeatInterval:  c.HeartbeatInterval,
		StalenessThreshold: c.StalenessThreshold,
		PollInterval:       c.PollInterval,
		ConflictRule:       c.ConflictRule,
		ScanLimit:          c.ScanLimit,
		MaxCyclesPerSecond: c.MaxCyclesPerSecond,
		DrainTimeout:       c.DrainTimeout,
	}
}

// timings is the hot-reloadable subset of coordinatorConfig.
func timings(c am.CoordinatorConfig) coordinator.Timings {
	return coordinator.Timings{
		HeartbeatInterval:  c.HeartbeatInterval,
		StalenessThreshold: c.StalenessThreshold,
		PollInterval:       c.PollInterval,
		ConflictRule:       c.ConflictRule,
	}
}

func secrets(c am.AdminConfig) server.Secrets {
	return server.Secrets{
		PriorityLock: c.PriorityLockSecret,
		Maintenance:  c.MaintenanceSecret,
	}
}
