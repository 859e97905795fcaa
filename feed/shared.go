package feed

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Shared multiplexes one upstream subscription over a Bus so several
// consumers in a process, such as the coordinator and the event broadcaster,
// read a single database tail. The upstream is opened by the first Subscribe.
// When it disconnects every downstream channel closes, and the next
// Subscribe opens a fresh upstream.
type Shared struct {
	base   context.Context
	src    Subscriber
	logger *zap.SugaredLogger

	mu  sync.Mutex
	bus *Bus
}

var _ Subscriber = (*Shared)(nil)

// NewShared wraps src. Upstream subscriptions live until ctx is done.
func NewShared(ctx context.Context, src Subscriber, logger *zap.SugaredLogger) *Shared {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Shared{base: ctx, src: src, logger: logger}
}

// Subscribe joins the current upstream, opening it if needed.
func (s *Shared) Subscribe(ctx context.Context) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bus == nil {
		events, err := s.src.Subscribe(s.base)
		if err != nil {
			return nil, err
		}
		bus := NewBus()
		s.bus = bus
		go s.pump(events, bus)
	}
	return s.bus.Subscribe(ctx)
}

func (s *Shared) pump(events <-chan Event, bus *Bus) {
	if err := forward(s.base, events, s.logger, bus); err != nil {
		s.logger.Debugw("Shared change feed upstream closed", "error", err)
	}

	s.mu.Lock()
	if s.bus == bus {
		s.bus = nil
	}
	s.mu.Unlock()
	bus.Close()
}

// Subscribers returns the number of live downstream subscriptions.
func (s *Shared) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bus == nil {
		return 0
	}
	return s.bus.Len()
}
