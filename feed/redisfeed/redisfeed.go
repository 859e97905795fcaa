// Package redisfeed carries change events over Redis pub/sub.
//
// Redis has no view of the job store, so events only reach this transport
// through feed.Relay. It lets many coordinators share one upstream tail
// instead of each polling the database.
package redisfeed

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/feed"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "genq:changes"

// Option configures a Feed.
type Option func(*Feed)

// WithChannel overrides the pub/sub channel name.
func WithChannel(name string) Option {
	return func(f *Feed) { f.channel = name }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(f *Feed) { f.logger = logger }
}

// Feed publishes and subscribes change events on a Redis channel.
type Feed struct {
	client  goredis.UniversalClient
	channel string
	logger  *zap.SugaredLogger
}

var (
	_ feed.Subscriber = (*Feed)(nil)
	_ feed.Publisher  = (*Feed)(nil)
)

// New creates a Feed. The caller owns the client lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Feed {
	f := &Feed{client: client, channel: DefaultChannel, logger: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Channel returns the pub/sub channel name.
func (f *Feed) Channel() string { return f.channel }

// Ping verifies the Redis connection is alive.
func (f *Feed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Publish sends ev to the channel.
func (f *Feed) Publish(ctx context.Context, ev feed.Event) error {
	payload, err := feed.Encode(ev)
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		return errors.Wrapf(err, "failed to publish to %s", f.channel)
	}
	return nil
}

// Subscribe confirms the subscription with the server before returning. The
// channel closes on the first receive error so the caller can fall back to
// polling; go-redis reconnects on the next Subscribe.
func (f *Feed) Subscribe(ctx context.Context) (<-chan feed.Event, error) {
	ps := f.client.Subscribe(ctx, f.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, errors.Wrapf(err, "failed to subscribe to %s", f.channel)
	}

	out := make(chan feed.Event, feed.SubscriberBuffer)
	go f.receive(ctx, ps, out)
	return out, nil
}

func (f *Feed) receive(ctx context.Context, ps *goredis.PubSub, out chan<- feed.Event) {
	defer close(out)
	defer ps.Close()

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Warnw("Redis subscription lost", "channel", f.channel, "error", err)
			}
			return
		}

		ev, err := feed.Decode([]byte(msg.Payload))
		if err != nil {
			f.logger.Debugw("Undecodable change event", "error", err)
			ev = feed.Event{Table: feed.TableJobs, Op: feed.OpUpdate}
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return
		default:
		}
	}
}
