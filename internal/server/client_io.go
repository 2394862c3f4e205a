package server

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/glowus/relay/internal/errors"
)

const (
	// defaultWriteWait bounds every single websocket write unless
	// Options.WriteWait overrides it.
	defaultWriteWait = 10 * time.Second

	// pongWait is how long the peer may stay silent before the read fails.
	// Each pong extends it.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = 30 * time.Second

	// maxMessageSize caps one inbound frame. Canvas snapshots are the
	// largest messages.
	maxMessageSize = 4 << 20
)

// closeSend safely signals the client to shut down exactly once.
// This is safe to call multiple times from different goroutines.
// We only close the done channel (never send) so no sender can panic;
// all senders select on done.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// encode marshals an outbound message. Marshal failures are logged and yield
// nil, which the send helpers skip.
func (c *Client) encode(msg any) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(apperrors.Internal("marshal outbound message", err)))
		return nil
	}
	return data
}

// sendFrame queues data and blocks until there is room or the client shuts
// down. PTY output uses it so no chunk is ever dropped or reordered.
// Must not be called with Server.mu held.
func (c *Client) sendFrame(data []byte, closeAfter bool) bool {
	if data == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	case c.send <- outbound{data: data, closeAfter: closeAfter}:
		return true
	}
}

// sendMessage marshals msg and queues it with sendFrame.
func (c *Client) sendMessage(msg any) bool {
	return c.sendFrame(c.encode(msg), false)
}

// trySendFrame queues data without blocking. It is used for frames sent
// while Server.mu is held. A peer whose buffer is full is disconnected
// rather than skipped, so it never silently misses a message.
func (c *Client) trySendFrame(data []byte) bool {
	if data == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- outbound{data: data}:
		return true
	default:
		c.logger.Warn("send buffer full, disconnecting slow peer",
			zap.Stringer("role", c.Role()),
			zap.Error(apperrors.New(apperrors.CodeServerSendFailed, "send queue full")))
		c.closeSend()
		return false
	}
}

// writePump continuously sends messages from the send channel to the WebSocket.
// It also sends periodic pings to keep the connection alive.
//
// When it stops for any reason it also closes done, so a sender blocked on a
// full queue (PTY output, a pong from the read pump) is released and the read
// pump can reach teardown.
func (c *Client) writePump() {
	writeWait := c.server.opts.WriteWait
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeSend()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// Shutdown signaled; send close frame and exit.
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
			if msg.closeAfter {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shell exited"))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames until the connection fails and hands each one to the
// resolver or, once a role is committed, to that role's dispatcher. Frames
// are handled one at a time, in arrival order.
func (c *Client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	// When we receive a pong (response to our ping), we know the peer is alive.
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("read error",
					zap.Error(apperrors.Wrap(apperrors.CodeServerConnectionLost, "connection closed unexpectedly", err)))
			}
			return
		}

		if c.Role() == RoleUnresolved {
			c.resolve(data)
			continue
		}
		c.dispatch(data)
	}
}

// teardown runs once the read loop ended. It unregisters the client, stops
// its writer and kills its PTY. The kill is skipped for a child that already
// exited, and issued at most once however teardown and exit race.
func (c *Client) teardown() {
	c.stopResolveTimer()
	c.server.unregister(c)
	c.closeSend()
	c.cancel()

	c.mu.Lock()
	c.closed = true
	session := c.session
	c.mu.Unlock()

	if session != nil {
		if err := session.Stop(); err != nil {
			c.logger.Warn("failed to stop PTY session", zap.Error(err))
		}
	}

	c.logger.Info("peer disconnected",
		zap.Stringer("role", c.Role()),
		zap.Int("remaining", c.server.ClientCount()))
}
