package main

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/order-desk/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
)

// client is one live websocket connection. The first frame must be auth;
// everything before that is refused and the connection dropped.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	user   *user
	joined map[string]struct{}
	closed atomic.Bool
}

func newClient(conn *websocket.Conn, hub *Hub) *client {
	return &client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		joined: make(map[string]struct{}),
	}
}

func (c *client) readLoop() {
	defer c.close()
	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("[devserver] read message")
			return
		}
		var f wire.Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			c.pushError("malformed frame")
			continue
		}
		if c.user == nil {
			if f.Type != wire.TypeAuth {
				c.pushError("authenticate first")
				return
			}
			var d wire.AuthData
			if err := json.Unmarshal(f.Data, &d); err != nil || d.Token == "" {
				c.pushError("malformed auth frame")
				return
			}
			u, ok := c.hub.Authenticate(d.Token)
			if !ok {
				c.pushError("invalid session token")
				return
			}
			c.user = u
			c.hub.attach(c)
			log.Info().Msgf("[devserver] %s connected", u.Email)
			continue
		}
		c.route(f)
	}
}

func (c *client) route(f wire.Frame) {
	switch f.Type {
	case wire.TypeJoinChat, wire.TypeLeaveChat:
		var d wire.JoinData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.ChatID == "" {
			c.pushError("malformed " + f.Type + " frame")
			return
		}
		if f.Type == wire.TypeJoinChat {
			c.joined[d.ChatID] = struct{}{}
		} else {
			delete(c.joined, d.ChatID)
		}
	case wire.TypeMessage:
		var d wire.MessageData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			c.pushError("malformed message frame")
			return
		}
		if _, err := c.hub.PostMessage(c.user, d); err != nil {
			c.pushError(err.Error())
		}
	default:
		log.Debug().Str("type", f.Type).Msg("[devserver] ignoring unknown frame")
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Msg("[devserver] write frame")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) push(frame []byte) {
	if c.closed.Load() {
		return
	}
	select {
	case c.send <- frame:
	default:
		// drop oldest to avoid blocking the hub
		select {
		case <-c.send:
		default:
		}
		c.send <- frame
	}
}

func (c *client) pushError(content string) {
	if frame, err := wire.EncodeError(content); err == nil {
		c.push(frame)
	}
}

func (c *client) close() {
	if c.closed.Swap(true) {
		return
	}
	if c.user != nil {
		c.hub.detach(c)
	}
	close(c.send)
	_ = c.conn.Close()
}
