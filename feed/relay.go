package feed

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/genq/errors"
)

// ErrDisconnected is returned by Relay when the source closes while ctx is live.
var ErrDisconnected = errors.New("change feed disconnected")

// Relay forwards every event from src to each of dst until ctx is done or
// src disconnects. Publish failures are logged and do not stop the relay.
func Relay(ctx context.Context, src Subscriber, logger *zap.SugaredLogger, dst ...Publisher) error {
	events, err := src.Subscribe(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to subscribe relay source")
	}
	return forward(ctx, events, logger, dst...)
}

func forward(ctx context.Context, events <-chan Event, logger *zap.SugaredLogger, dst ...Publisher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrDisconnected
			}
			for _, pub := range dst {
				if err := pub.Publish(ctx, ev); err != nil {
					logger.Warnw("Relay publish failed",
						"table", ev.Table,
						"seq", ev.Seq,
						"error", err,
					)
				}
			}
		}
	}
}
