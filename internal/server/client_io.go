package server

import (
	"log"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	apperrors "github.com/lairsandllamas/host/internal/errors"
	"github.com/lairsandllamas/host/internal/protocol"
)

func newClient(s *Server, conn *websocket.Conn, remote string) *Client {
	return &Client{
		conn:    conn,
		send:    make(chan []byte, channelBufferSize),
		done:    make(chan struct{}),
		server:  s,
		limiter: rate.NewLimiter(s.commandRate, s.commandBurst),
		remote:  remote,
	}
}

// closeSend signals the client to shut down exactly once. Only done is
// closed, never send, so concurrent senders cannot panic.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// sendDirect writes a message for this client only, bypassing the hub. It
// is used during the handshake, before the client is admitted.
func (c *Client) sendDirect(msg protocol.ServerMessage) {
	data := encode(msg)
	if data == nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		log.Printf("server: client %s send buffer full, dropping %s", c.remote, msg.MessageType())
	}
}

// writePump sends queued messages to the WebSocket and pings periodically.
// Messages queued before shutdown are flushed before the close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("server: write error for %s: %v", c.remote, err)
				c.closeSend()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeSend()
				return
			}
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// authenticate admits the connection if it presents the game secret,
// either as credential from the upgrade request or in a first auth frame.
func (c *Client) authenticate(credential string) bool {
	a := c.server.auth
	if !a.Required() {
		return true
	}

	if credential == "" {
		c.conn.SetReadDeadline(time.Now().Add(authWait))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Printf("server: no auth frame from %s: %v", c.remote, err)
			return false
		}
		cmd, err := protocol.DecodeClientCommand(data)
		authCmd, ok := cmd.(protocol.AuthCommand)
		if err != nil || !ok {
			c.sendDirect(protocol.NewAuthResultMessage(false, apperrors.AuthRequired().Message))
			return false
		}
		credential = authCmd.Password
	}

	if !a.Verify(credential) {
		log.Printf("server: client %s failed authentication", c.remote)
		c.sendDirect(protocol.NewAuthResultMessage(false, apperrors.AuthInvalid().Message))
		return false
	}
	c.sendDirect(protocol.NewAuthResultMessage(true, ""))
	return true
}

// readPump decodes client commands and hands them to the session until the
// connection closes.
func (c *Client) readPump(sess Session) {
	defer func() {
		c.server.enqueue(hubEvent{kind: eventLeave, client: c})
		c.closeSend()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
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
				log.Printf("server: read error from %s: %v", c.remote, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			log.Printf("server: rate limited %s", c.remote)
			c.server.reply(c, protocol.NewErrorMessage(apperrors.CodeServerRateLimited, "Too many commands, slow down"))
			continue
		}

		cmd, err := protocol.DecodeClientCommand(data)
		if err != nil {
			// Malformed commands are dropped without touching shared state.
			log.Printf("server: ignoring command from %s: %v", c.remote, err)
			continue
		}
		if _, ok := cmd.(protocol.AuthCommand); ok {
			continue
		}
		sess.Dispatch(cmd)
	}
}
