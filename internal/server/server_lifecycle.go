package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StartAsync starts the server in a goroutine and returns any startup errors.
//
// The returned channel receives nil if startup succeeded, or an error if
// the listener could not be created (e.g., port already in use).
// After receiving from the channel, the server is either running or failed.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	ln, err := s.listen()
	if err != nil {
		errCh <- err
		close(errCh)
		return errCh
	}

	go func() {
		errCh <- nil
		close(errCh)

		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("relay server error", zap.Error(err))
		}
	}()

	return errCh
}

// Run listens and serves until ctx is cancelled, then stops the server:
// every PTY child is killed and every peer disconnected before it returns.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down relay")
		return s.Stop()
	})
	return g.Wait()
}

// listen creates the listener first to detect port conflicts immediately.
func (s *Server) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.createMux()}
	s.mu.Unlock()

	s.logger.Info("relay listening", zap.String("addr", ln.Addr().String()))
	return ln, nil
}

// Stop shuts the relay down: it refuses new connections, kills every PTY
// child and waits for it to be reaped, disconnects every peer, and closes
// the listener. It is safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true

	// Signal all clients to stop. writePump sends the close frame; we don't
	// write directly here to avoid racing with it.
	for client := range s.clients {
		client.closeSend()
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	s.sessions.CloseAll()
	s.relay.Close()

	if httpServer != nil {
		return httpServer.Close()
	}
	return nil
}
