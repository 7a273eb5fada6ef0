package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Run serves the HTTP API and runs the janitor until ctx is cancelled or
// the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.runMaintenance(ctx, "startup sweep", s.sweepExpiredLeases)

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go s.runJanitor(janitorCtx)

	httpServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.RequestTimeout,
		WriteTimeout:      s.cfg.RequestTimeout,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting HTTP server", "addr", s.cfg.Listen, "mode", s.pool.Strategy.Mode())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return shutdownServer(httpServer, serverShutdownTimeout)
	case err := <-errCh:
		_ = shutdownServer(httpServer, serverShutdownTimeout)
		return err
	}
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
