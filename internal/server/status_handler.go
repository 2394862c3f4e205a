package server

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/glowus/relay/internal/pty"
	"github.com/glowus/relay/internal/relay"
)

// StatusResponse contains relay status information returned by the /status endpoint.
// This structure is used by the CLI to display relay status to the user.
type StatusResponse struct {
	// ListeningAddress is the address the relay is listening on (e.g., "127.0.0.1:3001").
	ListeningAddress string `json:"listening_address"`

	// UptimeSeconds is how long the relay has been running, in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// Peers counts connected peers per role, including unresolved ones.
	Peers map[string]int `json:"peers"`

	// AutomationBound is true while an automation peer is bound.
	AutomationBound bool `json:"automation_bound"`

	// CanvasUpdates is how many snapshots canvas peers have published.
	CanvasUpdates int `json:"canvas_updates"`

	// CanvasUpdatedAt is when the last snapshot was published, nil if none was.
	CanvasUpdatedAt *time.Time `json:"canvas_updated_at"`

	// PendingRequests lists automation commands still waiting for a reply.
	PendingRequests []relay.Pending `json:"pending_requests"`

	// PendingTimeoutMs is how long a command may wait before it expires.
	PendingTimeoutMs int64 `json:"pending_timeout_ms"`

	// ExpiredRequests counts commands that never received a reply.
	ExpiredRequests int64 `json:"expired_requests"`

	// MaxSessions is the PTY session limit.
	MaxSessions int `json:"max_sessions"`

	// Sessions lists the running PTY sessions.
	Sessions []pty.SessionInfo `json:"sessions"`
}

// StatusHandler handles HTTP requests for relay status.
// This endpoint is restricted to local machine addresses.
type StatusHandler struct {
	server *Server
}

// NewStatusHandler creates a new StatusHandler for s.
func NewStatusHandler(s *Server) *StatusHandler {
	return &StatusHandler{server: s}
}

// Status builds the current status snapshot.
func (s *Server) Status() StatusResponse {
	s.mu.Lock()
	updates := s.store.Updates()
	var updatedAt *time.Time
	if t := s.store.UpdatedAt(); !t.IsZero() {
		updatedAt = &t
	}
	bound := s.automation != nil
	s.mu.Unlock()

	return StatusResponse{
		ListeningAddress: s.Addr(),
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
		Peers:            s.PeerCounts(),
		AutomationBound:  bound,
		CanvasUpdates:    updates,
		CanvasUpdatedAt:  updatedAt,
		PendingRequests:  s.relay.List(),
		PendingTimeoutMs: s.relay.Timeout().Milliseconds(),
		ExpiredRequests:  s.expired.Load(),
		MaxSessions:      s.sessions.MaxSessions(),
		Sessions:         s.sessions.List(),
	}
}

// ServeHTTP handles HTTP GET requests to the /status endpoint.
//
// Non-local requests receive HTTP 403 Forbidden. Only GET method is allowed;
// other methods receive HTTP 405 Method Not Allowed.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) {
		http.Error(w, "Forbidden: status endpoint is local-only", http.StatusForbidden)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.server.Status()); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// isLoopbackRequest reports whether the request came from 127.0.0.0/8 or ::1.
// Unparseable addresses are rejected.
func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
