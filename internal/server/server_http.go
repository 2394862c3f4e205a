package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handler returns the HTTP handler serving websocket upgrades on "/" and
// "/ws", plus the /health and /status endpoints.
func (s *Server) Handler() http.Handler {
	return s.createMux()
}

// createMux creates the HTTP mux with all endpoints.
func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Peers connect to the bare address; /ws is kept as an alias.
	mux.HandleFunc("/", s.handleWebSocket)
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Health check endpoint for monitoring
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Status endpoint used by "relay status".
	mux.Handle("/status", NewStatusHandler(s))

	return mux
}

// handleWebSocket upgrades an HTTP connection and starts the client's read
// and write pumps. The connection stays unresolved until its first message
// or the resolution timeout.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/ws" {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}

	// Upgrade the HTTP connection to a WebSocket connection.
	// This performs the WebSocket handshake (HTTP 101 Switching Protocols).
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		id:           id,
		conn:         conn,
		server:       s,
		send:         make(chan outbound, channelBufferSize),
		done:         make(chan struct{}),
		ready:        make(chan struct{}),
		inputLimiter: rate.NewLimiter(rate.Limit(s.opts.InputRateLimit), s.opts.InputBurst),
		ctx:          ctx,
		cancel:       cancel,
		logger:       s.logger.With(zap.String("conn", id)),
	}

	if !s.register(client) {
		cancel()
		conn.Close()
		return
	}

	client.logger.Info("peer connected",
		zap.String("remote", r.RemoteAddr),
		zap.Int("total", s.ClientCount()))

	go client.writePump()
	client.armResolveTimer()
	go client.readPump()
}
