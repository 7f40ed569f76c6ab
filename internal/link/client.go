package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type client struct {
	hub    *Hub
	socket *websocket.Conn
	remote string

	// send is a buffered channel of outbound frames
	send      chan []byte
	closeOnce sync.Once
}

func newClient(h *Hub, socket *websocket.Conn, remote string) *client {
	return &client{
		hub:    h,
		socket: socket,
		remote: remote,
		send:   make(chan []byte, messageBufferSize),
	}
}

// close is called by the hub only, which owns send
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (c *client) read(ctx context.Context) {
	defer c.socket.Close()

	c.socket.SetReadLimit(maxMessageSize)

	for {
		kind, p, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn(fmt.Sprintf("reading from client: %s", err.Error()))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		c.hub.dispatch(ctx, p)
	}
}

func (c *client) write() {
	defer c.socket.Close()

	for frame := range c.send {
		_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.hub.logger.Debug(fmt.Sprintf("writing to client: %s", err.Error()))
			return
		}
	}

	_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}
