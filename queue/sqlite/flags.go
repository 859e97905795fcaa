package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
)

// Flag reads a system flag. Unknown flags read as disabled.
func (s *Store) Flag(ctx context.Context, name string) (queue.FlagState, error) {
	flag := queue.FlagState{Name: name}
	var enabled int
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, updated_at FROM system_flags WHERE key = ?`, name,
	).Scan(&enabled, &updatedAt)
	if err == sql.ErrNoRows {
		return flag, nil
	}
	if err != nil {
		return flag, errors.Wrapf(err, "failed to read flag %s", name)
	}
	flag.Enabled = enabled != 0
	flag.UpdatedAt = fromNanos(updatedAt)
	return flag, nil
}

// SetFlag upserts a flag. updated_at always moves, so the change log
// records every call, including ones that do not change the value.
func (s *Store) SetFlag(ctx context.Context, name string, enabled bool, now time.Time) (queue.FlagState, error) {
	if name == "" {
		return queue.FlagState{}, errors.NewInvalidRequestError("flag name is required")
	}
	value := 0
	if enabled {
		value = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_flags (key, enabled, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at`,
		name, value, toNanos(now),
	)
	if err != nil {
		return queue.FlagState{}, errors.Wrapf(err, "failed to set flag %s", name)
	}
	return queue.FlagState{Name: name, Enabled: enabled, UpdatedAt: now.UTC()}, nil
}
