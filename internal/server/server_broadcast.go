package server

import (
	"go.uber.org/zap"

	apperrors "github.com/glowus/relay/internal/errors"
)

// register adds a freshly accepted, unresolved client.
func (s *Server) register(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

// unregister removes c from every peer table. It is safe to call for a
// client that was never registered.
func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.clients, c)
	delete(s.canvases, c)
	if s.automation == c {
		s.automation = nil
		s.logger.Info("automation peer unbound", zap.String("conn", c.id))
	}
}

// registerTerminal records a terminal commitment. Terminal peers share no
// hub state; they are only counted.
func (s *Server) registerTerminal(c *Client) {
	s.logger.Debug("terminal peer committed", zap.String("conn", c.id))
}

// registerCanvas adds c to the canvas peer set.
func (s *Server) registerCanvas(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canvases[c] = struct{}{}
	s.logger.Info("canvas peer connected",
		zap.String("conn", c.id),
		zap.Int("canvas_peers", len(s.canvases)))
}

// bindAutomation makes c the automation peer and sends it the current
// canvas snapshot. A previously bound peer stays connected but no longer
// receives mirrors or replies.
func (s *Server) bindAutomation(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev := s.automation; prev != nil && prev != c {
		s.logger.Warn("automation peer replaced",
			zap.String("previous", prev.id),
			zap.String("conn", c.id))
	}
	s.automation = c
	c.trySendFrame(c.encode(NewCanvasStateMessage(s.store.Read())))
}

// sendCanvasState answers get-canvas-state.
func (s *Server) sendCanvasState(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.trySendFrame(c.encode(NewCanvasStateMessage(s.store.Read())))
}

// replaceCanvasState stores a canvas peer's snapshot and mirrors it to the
// automation peer. Other canvas peers are not notified.
func (s *Server) replaceCanvasState(m CanvasStateUpdateMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.store.Replace(m.State)
	if s.automation == nil {
		return
	}
	s.automation.trySendFrame(s.automation.encode(NewCanvasStateMessage(snapshot)))
}

// forwardToAutomation passes a frame through to the automation peer, if one
// is bound.
func (s *Server) forwardToAutomation(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.automation == nil {
		return false
	}
	return s.automation.trySendFrame(data)
}

// broadcastToCanvases queues data for every canvas peer connected right now
// and returns how many accepted it. Peers that are shutting down are skipped
// without affecting the others.
func (s *Server) broadcastToCanvases(data []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	sent := 0
	for c := range s.canvases {
		if c.trySendFrame(data) {
			sent++
		}
	}
	return sent
}

// relayCommand broadcasts an automation command to the canvas peers. A
// command without a request ID gets a generated one, written into the frame
// so the canvas reply can be correlated.
func (s *Server) relayCommand(from *Client, m MCPCommandMessage, data []byte) {
	id := s.relay.Issue(m.RequestID, m.Command)
	if id != m.RequestID {
		rewritten, err := withRequestID(data, id)
		if err != nil {
			from.logger.Debug("dropping command", zap.Error(apperrors.InvalidMessage("cannot set requestId", err)))
			s.relay.Resolve(id)
			return
		}
		data = rewritten
	}

	sent := s.broadcastToCanvases(data)
	if sent == 0 {
		s.logger.Warn("command relayed with no canvas peer connected",
			zap.String("command", m.Command),
			zap.String("request_id", id))
		return
	}
	s.logger.Debug("command relayed",
		zap.String("command", m.Command),
		zap.String("request_id", id),
		zap.Int("canvas_peers", sent))
}

// relayResponse routes a canvas reply to the automation peer. Every reply is
// forwarded by request ID pass-through; the pending table only records
// whether it answered a live request.
func (s *Server) relayResponse(m MCPResponseMessage, data []byte) {
	pending, matched := s.relay.Resolve(m.RequestID)
	if !s.forwardToAutomation(data) {
		s.logger.Debug("reply not delivered",
			zap.String("request_id", m.RequestID),
			zap.Error(apperrors.New(apperrors.CodeRelayNoAutomation, "no automation peer bound")))
		return
	}
	if matched {
		s.logger.Debug("reply relayed",
			zap.String("request_id", m.RequestID),
			zap.String("command", pending.Command))
	} else {
		s.logger.Debug("reply relayed for unknown or settled request",
			zap.String("request_id", m.RequestID))
	}
}
