package feed

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/genq/errors"
)

// ChangeLogConfig tunes the SQLite change_log tailer.
type ChangeLogConfig struct {
	// PollInterval is how often the tailer reads new rows.
	PollInterval time.Duration
	// Retention is how long rows are kept before pruning. Zero disables pruning.
	Retention time.Duration
	// PruneInterval is how often RunPruner deletes expired rows. Zero means
	// a quarter of Retention, at least one minute.
	PruneInterval time.Duration
	// BatchSize caps rows read per poll.
	BatchSize int
}

// DefaultChangeLogConfig returns the tailer defaults.
func DefaultChangeLogConfig() ChangeLogConfig {
	return ChangeLogConfig{
		PollInterval: 250 * time.Millisecond,
		Retention:    time.Hour,
		BatchSize:    500,
	}
}

// ChangeLog tails the change_log table that SQLite triggers append to on
// every jobs, queue_state and system_flags mutation. Each subscription keeps
// its own cursor starting at the newest row, so it sees every later change
// from any process sharing the database file. Subscriptions only read;
// RunPruner owns deletion.
type ChangeLog struct {
	db     *sql.DB
	cfg    ChangeLogConfig
	logger *zap.SugaredLogger
}

var _ Subscriber = (*ChangeLog)(nil)

// NewChangeLog creates a tailer over db.
func NewChangeLog(db *sql.DB, cfg ChangeLogConfig, logger *zap.SugaredLogger) *ChangeLog {
	def := DefaultChangeLogConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = max(cfg.Retention/4, time.Minute)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ChangeLog{db: db, cfg: cfg, logger: logger}
}

// Subscribe starts a tail from the current head. The channel closes when
// ctx is done or a read fails.
func (c *ChangeLog) Subscribe(ctx context.Context) (<-chan Event, error) {
	cursor, err := c.Head(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, SubscriberBuffer)
	go c.tail(ctx, cursor, out)
	return out, nil
}

// Head returns the newest change_log sequence number.
func (c *ChangeLog) Head(ctx context.Context) (int64, error) {
	var head sql.NullInt64
	if err := c.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM change_log`).Scan(&head); err != nil {
		return 0, errors.Wrap(err, "failed to read change log head")
	}
	return head.Int64, nil
}

func (c *ChangeLog) tail(ctx context.Context, cursor int64, out chan<- Event) {
	defer close(out)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		events, err := c.Since(ctx, cursor, c.cfg.BatchSize)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warnw("Change log read failed, closing subscription",
					"cursor", cursor,
					"error", err,
				)
			}
			return
		}
		for _, ev := range events {
			select {
			case out <- ev:
				cursor = ev.Seq
			case <-ctx.Done():
				return
			}
		}
	}
}

// Since returns up to limit events after seq, oldest first.
func (c *ChangeLog) Since(ctx context.Context, seq int64, limit int) ([]Event, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT seq, tbl, op, row_id, at_ms FROM change_log
		WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		seq, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read change log")
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var table, op string
		var rowID sql.NullString
		var atMS int64
		if err := rows.Scan(&ev.Seq, &table, &op, &rowID, &atMS); err != nil {
			return nil, errors.Wrap(err, "failed to scan change log")
		}
		ev.Table = Table(table)
		ev.Op = Op(op)
		ev.RowID = rowID.String
		ev.At = time.UnixMilli(atMS).UTC()
		events = append(events, ev)
	}
	return events, errors.Wrap(rows.Err(), "failed to iterate change log")
}

// Prune deletes rows older than cutoff and returns how many were removed.
func (c *ChangeLog) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM change_log WHERE at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune change log")
	}
	return res.RowsAffected()
}

// RunPruner deletes rows older than Retention every PruneInterval until ctx
// is done. It returns immediately when Retention is zero.
func (c *ChangeLog) RunPruner(ctx context.Context) {
	if c.cfg.Retention <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.Prune(ctx, time.Now().Add(-c.cfg.Retention))
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warnw("Change log prune failed", "error", err)
				}
				continue
			}
			if n > 0 {
				c.logger.Debugw("Pruned change log", "rows", n)
			}
		}
	}
}
