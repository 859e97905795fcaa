package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/sym"
)

// Start runs background services (the websocket event relay) until ctx is done.
func (s *Server) Start(ctx context.Context) {
	if s.feed == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runBroadcaster(ctx)
	}()
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithHintf(
			errors.Wrapf(err, "failed to listen on %s", addr),
			"set server.addr (GENQ_SERVER_ADDR) to a free address",
		)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.Start(ctx)

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Infow(fmt.Sprintf("%s HTTP server listening", sym.Start), "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		cancel()
		s.wg.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server failed")

	case <-ctx.Done():
	}

	s.logger.Infow("Initiating server shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()

	err := srv.Shutdown(shutdownCtx)
	// Hijacked websocket connections are not tracked by Shutdown; the
	// broadcaster closes them when ctx ends.
	s.wg.Wait()
	if err != nil {
		return errors.Wrap(err, "http server shutdown")
	}
	s.logger.Infow(fmt.Sprintf("%s HTTP server stopped", sym.Stop))
	return nil
}
