package server

import (
	"go.uber.org/zap"
)

// dispatch decodes one frame from a committed connection and hands it to the
// handler for the connection's role. Frames that do not decode are logged
// and dropped; they never close the connection.
func (c *Client) dispatch(data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		c.logger.Debug("dropping message", zap.Stringer("role", c.Role()), zap.Error(err))
		return
	}

	switch c.Role() {
	case RoleTerminal:
		c.dispatchTerminal(msg)
	case RoleAutomation:
		c.dispatchAutomation(msg, data)
	case RoleCanvas:
		c.dispatchCanvas(msg, data)
	}
}

// dispatchAutomation handles one message from an automation peer.
func (c *Client) dispatchAutomation(msg Message, data []byte) {
	switch m := msg.(type) {
	case MCPCommandMessage:
		c.server.relayCommand(c, m, data)
	case GetCanvasStateMessage:
		c.server.sendCanvasState(c)
	case MCPResponseMessage:
		c.server.broadcastToCanvases(data)
	case PingMessage:
		c.sendMessage(NewPongMessage())
	default:
		c.logger.Debug("ignoring message for automation role", zap.String("type", string(msg.MessageType())))
	}
}

// dispatchCanvas handles one message from a canvas peer.
func (c *Client) dispatchCanvas(msg Message, data []byte) {
	switch m := msg.(type) {
	case CanvasStateUpdateMessage:
		c.server.replaceCanvasState(m)
	case MCPResponseMessage:
		c.server.relayResponse(m, data)
	case CanvasEventMessage:
		c.server.forwardToAutomation(data)
	case PingMessage:
		c.sendMessage(NewPongMessage())
	default:
		c.logger.Debug("ignoring message for canvas role", zap.String("type", string(msg.MessageType())))
	}
}
