// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package wsfanout

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skyfleet/mission-control/pkg/util/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 25 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// clientMessage is the inbound subscribe protocol.
type clientMessage struct {
	Action string `json:"action"` // subscribe:mission, unsubscribe:drone, ...
	ID     string `json:"id"`
}

// client is one websocket session. All writes go through out so the socket
// sees one writer.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	claims *Claims

	out       chan []byte
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
	rooms  map[string]string // room -> bridged channel ("" for the org room)
}

func newClient(h *Hub, conn *websocket.Conn, claims *Claims) *client {
	return &client{
		hub:    h,
		conn:   conn,
		claims: claims,
		out:    make(chan []byte, sendBuffer),
		rooms:  make(map[string]string),
	}
}

// send queues a frame. A client that cannot keep up is dropped rather than
// allowed to stall the fan-out.
func (c *client) send(frame []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.out <- frame:
		c.mu.Unlock()
		return
	default:
	}
	c.mu.Unlock()
	tlmSlowClients.Inc()
	c.close(websocket.ClosePolicyViolation, "client too slow")
}

func (c *client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.out)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

func (c *client) addRoom(room, channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room] = channel
}

func (c *client) removeRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, room)
}

func (c *client) roomSnapshot() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.rooms))
	for room, channel := range c.rooms {
		out[room] = channel
	}
	return out
}

// readPump consumes subscribe messages and pongs until the socket dies.
func (c *client) readPump() {
	defer func() {
		c.hub.dropClient(c)
		c.close(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("websocket session for %s ended: %v", c.claims.Subject, err)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg clientMessage) {
	verb, kind, ok := strings.Cut(msg.Action, ":")
	if !ok || msg.ID == "" {
		return
	}
	room, channel := channelForRoom(kind, msg.ID)
	if room == "" {
		return
	}
	switch verb {
	case "subscribe":
		c.hub.join(c, room, channel)
	case "unsubscribe":
		c.hub.leave(c, room, channel)
	}
}

// writePump serializes frames and keepalive pings onto the socket.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.out:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}
