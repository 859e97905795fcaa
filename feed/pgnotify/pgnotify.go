// Package pgnotify carries change events over PostgreSQL LISTEN/NOTIFY.
//
// The postgres queue store's triggers call pg_notify on Channel for every
// jobs, queue_state and system_flags mutation, so a Listener on the same
// database sees every change without any relay process.
package pgnotify

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/feed"
)

// Channel is the NOTIFY channel shared with the store triggers.
const Channel = "genq_changes"

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Listener subscribes to Channel on a dedicated pooled connection and
// publishes events through pg_notify.
type Listener struct {
	pool   *pgxpool.Pool
	notify execer
	logger *zap.SugaredLogger
}

var (
	_ feed.Subscriber = (*Listener)(nil)
	_ feed.Publisher  = (*Listener)(nil)
)

// New creates a Listener. The caller owns the pool lifecycle.
func New(pool *pgxpool.Pool, logger *zap.SugaredLogger) *Listener {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Listener{pool: pool, notify: pool, logger: logger}
}

// Subscribe takes a connection out of the pool, issues LISTEN and streams
// notifications until ctx is done or the connection fails. The connection is
// never returned to the pool.
func (l *Listener) Subscribe(ctx context.Context) (<-chan feed.Event, error) {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to acquire listen connection")
	}
	conn := pooled.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		conn.Close(context.Background())
		return nil, errors.Wrapf(err, "failed to listen on %s", Channel)
	}

	out := make(chan feed.Event, feed.SubscriberBuffer)
	go l.listen(ctx, conn, out)
	return out, nil
}

func (l *Listener) listen(ctx context.Context, conn *pgx.Conn, out chan<- feed.Event) {
	defer close(out)
	defer conn.Close(context.Background())

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warnw("Postgres listen connection lost", "channel", Channel, "error", err)
			}
			return
		}

		ev := l.toEvent(n.Payload)

		select {
		case out <- ev:
		case <-ctx.Done():
			return
		default:
			// Receiver already has signals queued.
		}
	}
}

// toEvent decodes a trigger payload. A malformed payload is still a change
// signal.
func (l *Listener) toEvent(payload string) feed.Event {
	ev, err := feed.Decode([]byte(payload))
	if err != nil {
		l.logger.Debugw("Undecodable notification", "error", err)
		return feed.Event{Table: feed.TableJobs, Op: feed.OpUpdate}
	}
	return ev
}

// Publish sends ev on Channel.
func (l *Listener) Publish(ctx context.Context, ev feed.Event) error {
	payload, err := feed.Encode(ev)
	if err != nil {
		return err
	}
	if _, err := l.notify.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, string(payload)); err != nil {
		return errors.Wrap(err, "failed to notify")
	}
	return nil
}
