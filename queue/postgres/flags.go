package postgres

import (
	"context"
	"time"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
)

// Flag reads a system flag. Unknown flags read as disabled.
func (s *Store) Flag(ctx context.Context, name string) (queue.FlagState, error) {
	flag := queue.FlagState{Name: name}
	var updatedAt time.Time
	err := s.db.QueryRow(ctx,
		`SELECT enabled, updated_at FROM system_flags WHERE key = $1`, name,
	).Scan(&flag.Enabled, &updatedAt)
	if isNoRows(err) {
		return flag, nil
	}
	if err != nil {
		return flag, errors.Wrapf(err, "failed to read flag %s", name)
	}
	flag.UpdatedAt = utc(updatedAt)
	return flag, nil
}

// SetFlag upserts a flag. The trigger notifies on every call, including
// ones that do not change the value.
func (s *Store) SetFlag(ctx context.Context, name string, enabled bool, now time.Time) (queue.FlagState, error) {
	if name == "" {
		return queue.FlagState{}, errors.NewInvalidRequestError("flag name is required")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO system_flags (key, enabled, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at`,
		name, enabled, now,
	)
	if err != nil {
		return queue.FlagState{}, errors.Wrapf(err, "failed to set flag %s", name)
	}
	return queue.FlagState{Name: name, Enabled: enabled, UpdatedAt: now.UTC()}, nil
}
