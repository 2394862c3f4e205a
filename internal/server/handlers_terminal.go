package server

import (
	"go.uber.org/zap"

	"github.com/glowus/relay/internal/pty"
)

// markReady releases terminal messages and PTY output held back until the
// start attempt finished.
func (c *Client) markReady() {
	c.readyOnce.Do(func() {
		close(c.ready)
	})
}

// waitReady blocks until the terminal start attempt finished. It reports
// false if the client shut down first.
func (c *Client) waitReady() bool {
	select {
	case <-c.ready:
		return true
	case <-c.done:
		return false
	}
}

// startTerminal spawns the shell owned by this connection and sends
// shell-info. If the shell cannot be started the peer receives an exit
// message carrying the coded error, and the connection is closed.
func (c *Client) startTerminal(handshake InitMessage) {
	defer c.markReady()

	opts := c.server.opts
	cols, rows := opts.Cols, opts.Rows
	if pty.ValidSize(handshake.Cols, handshake.Rows) {
		cols, rows = handshake.Cols, handshake.Rows
	}

	session, err := c.server.sessions.Spawn(pty.SessionConfig{
		Shell: opts.Shell,
		Dir:   handshake.Cwd,
		Cols:  cols,
		Rows:  rows,
		// Output waits for shell-info so the peer always sees it first.
		OnOutput: func(data string) {
			if c.waitReady() {
				c.sendMessage(NewOutputMessage(data))
			}
		},
		OnExit: func(status pty.ExitStatus) {
			if c.waitReady() {
				c.sendFrame(c.encode(NewExitMessage(status.Code, status.Signal)), true)
			}
		},
		Logger: c.logger,
	})
	if err != nil {
		c.logger.Error("failed to start terminal", zap.Error(err))
		c.sendFrame(c.encode(NewSpawnFailedMessage(err)), true)
		return
	}

	c.mu.Lock()
	if c.closed {
		// The peer left while the shell was starting.
		c.mu.Unlock()
		_ = session.Stop()
		return
	}
	c.session = session
	c.mu.Unlock()

	c.sendMessage(NewShellInfoMessage(session.Shell, session.Cwd(), session.Pid()))
}

// terminalSession returns the owned PTY, or nil if none is running.
func (c *Client) terminalSession() *pty.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// dispatchTerminal handles one message from a terminal peer. Tags outside
// the terminal protocol are ignored.
func (c *Client) dispatchTerminal(msg Message) {
	if !c.waitReady() {
		return
	}
	session := c.terminalSession()
	if session == nil {
		// Spawn failed; the connection is about to close.
		return
	}

	switch m := msg.(type) {
	case InputMessage:
		c.handleTerminalInput(session, m)
	case ResizeMessage:
		c.handleTerminalResize(session, m)
	case SetCwdMessage:
		c.handleSetCwd(session, m)
	case GetCwdMessage:
		c.sendMessage(NewCwdUpdateMessage(session.Cwd()))
	case PingMessage:
		c.sendMessage(NewPongMessage())
	case InitMessage:
		c.logger.Debug("ignoring init on a started terminal")
	default:
		c.logger.Debug("ignoring message for terminal role", zap.String("type", string(msg.MessageType())))
	}
}

// handleTerminalInput writes keystrokes to the PTY. The limiter throttles a
// flooding peer by delaying its reads; input is never dropped.
func (c *Client) handleTerminalInput(session *pty.Session, m InputMessage) {
	if err := c.inputLimiter.Wait(c.ctx); err != nil {
		return
	}
	if _, err := session.Write([]byte(m.Data)); err != nil {
		c.logger.Debug("terminal input not written", zap.Error(err))
	}
}

// handleTerminalResize applies a new geometry. The kernel delivers SIGWINCH
// to the foreground process so full-screen programs redraw.
func (c *Client) handleTerminalResize(session *pty.Session, m ResizeMessage) {
	if err := session.Resize(m.Cols, m.Rows); err != nil {
		c.logger.Debug("resize ignored", zap.Int("cols", m.Cols), zap.Int("rows", m.Rows), zap.Error(err))
		return
	}
	c.logger.Debug("terminal resized", zap.Int("cols", m.Cols), zap.Int("rows", m.Rows))
}

// handleSetCwd delegates the directory change to the shell and confirms it.
func (c *Client) handleSetCwd(session *pty.Session, m SetCwdMessage) {
	if m.Cwd == "" {
		c.logger.Debug("set-cwd without a directory")
		return
	}
	if err := session.ChangeDir(m.Cwd); err != nil {
		c.logger.Debug("set-cwd not written", zap.Error(err))
		return
	}
	c.sendMessage(NewCwdUpdateMessage(m.Cwd))
}
