package server

import (
	"time"

	"go.uber.org/zap"
)

// commit moves the client from RoleUnresolved to role. Only the first caller
// wins; it reports whether this call made the commitment.
func (c *Client) commit(role Role) bool {
	if !c.role.CompareAndSwap(int32(RoleUnresolved), int32(role)) {
		return false
	}
	c.stopResolveTimer()
	c.logger.Info("role resolved", zap.Stringer("role", role))
	return true
}

func (c *Client) stopResolveTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolveTimer != nil {
		c.resolveTimer.Stop()
	}
}

// armResolveTimer starts the resolution window. A connection that sends
// nothing within it is assumed to be an interactive terminal and gets a
// shell in the home directory. Nothing verifies that assumption.
func (c *Client) armResolveTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolveTimer = time.AfterFunc(c.server.opts.ResolveTimeout, c.resolveTimeout)
}

// resolveTimeout fires when the resolution window elapsed without a message.
func (c *Client) resolveTimeout() {
	if !c.commit(RoleTerminal) {
		return
	}
	c.logger.Info("no handshake within resolution window, starting terminal",
		zap.Duration("timeout", c.server.opts.ResolveTimeout))
	c.server.registerTerminal(c)
	c.startTerminal(InitMessage{})
}

// resolve classifies the connection from its first frame.
//
// mcp-connect commits the automation role, frontend-connect the canvas role,
// and anything else, including frames that do not parse, the terminal role.
// If the timer committed the connection first, the frame is dispatched under
// that role instead.
func (c *Client) resolve(data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		c.logger.Debug("first message not understood, treating peer as terminal", zap.Error(err))
	}

	var role Role
	switch msg.(type) {
	case MCPConnectMessage:
		role = RoleAutomation
	case FrontendConnectMessage:
		role = RoleCanvas
	default:
		role = RoleTerminal
	}

	if !c.commit(role) {
		c.dispatch(data)
		return
	}

	switch role {
	case RoleAutomation:
		c.server.bindAutomation(c)
	case RoleCanvas:
		c.server.registerCanvas(c)
	case RoleTerminal:
		c.server.registerTerminal(c)
		handshake, isInit := msg.(InitMessage)
		c.startTerminal(handshake)
		if !isInit && msg != nil {
			// A terminal that skipped init still gets its first message.
			c.dispatchTerminal(msg)
		}
	}
}
