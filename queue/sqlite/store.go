// Package sqlite implements queue.Store on SQLite through database/sql.
//
// The database must be opened with db.Open, which configures WAL, a busy
// timeout and BEGIN IMMEDIATE transactions: every slot transaction takes the
// write lock on BEGIN, so the conditional update that opens it is the single
// serialisation point across processes sharing the file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
)

var _ queue.Store = (*Store)(nil)

// Store is the SQLite queue.Store.
type Store struct {
	db       *sql.DB
	workerID string
	logger   *zap.SugaredLogger
}

// Option configures the Store.
type Option func(*Store)

// WithWorkerID stamps queue log entries written through this store.
func WithWorkerID(id string) Option {
	return func(s *Store) { s.workerID = id }
}

// WithLogger sets the logger for the store.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Store) { s.logger = logger }
}

// New wraps a migrated database handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying handle (used by the change-log tailer).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.PingContext(ctx), "failed to ping database")
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeModels(models []string) (string, error) {
	if models == nil {
		models = []string{}
	}
	b, err := json.Marshal(models)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode models")
	}
	return string(b), nil
}

func decodeModels(raw string) ([]string, error) {
	models := []string{}
	if raw == "" {
		return models, nil
	}
	if err := json.Unmarshal([]byte(raw), &models); err != nil {
		return nil, errors.Wrapf(err, "failed to decode models %q", raw)
	}
	return models, nil
}
