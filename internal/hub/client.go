// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tombee/fleet/internal/log"
)

const (
	// heartbeatInterval is the ping cadence.
	heartbeatInterval = 30 * time.Second

	// maxMissedPongs terminates the connection after this many pings
	// go unanswered.
	maxMissedPongs = 2

	// writeWait bounds a single control or data write.
	writeWait = 10 * time.Second

	// sendBuffer is the per-client outbound queue; overflow drops events.
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one WebSocket subscriber.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	missedPongs atomic.Int32
	logger      *slog.Logger
}

// subscribeRequest is the control message clients send to manage their
// topic set.
type subscribeRequest struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// ServeWS upgrades an HTTP request to a WebSocket subscription and runs
// the connection's pumps. Clients start subscribed to the wildcard topic
// and can narrow with {"action":"subscribe","topic":"chat:<id>"} control
// messages.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", log.Error(err))
		return
	}

	c := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: h.logger.With("remote", conn.RemoteAddr().String()),
	}
	h.Subscribe(c, TopicAll)

	go c.writePump()
	go c.readPump()
}

// readPump consumes subscription control messages and pong frames until
// the connection dies.
func (c *Client) readPump() {
	defer func() {
		c.hub.Remove(c)
		c.conn.Close()
	}()

	c.conn.SetPongHandler(func(string) error {
		c.missedPongs.Store(0)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", log.Error(err))
			}
			return
		}

		var req subscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}
		switch req.Action {
		case "subscribe":
			if req.Topic != "" {
				c.hub.Subscribe(c, req.Topic)
			}
		case "unsubscribe":
			if req.Topic != "" {
				c.hub.Unsubscribe(c, req.Topic)
			}
		}
	}
}

// writePump flushes queued events and drives the heartbeat. Two missed
// pongs in a row terminate the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if c.missedPongs.Add(1) > maxMissedPongs {
				c.logger.Debug("terminating unresponsive websocket")
				return
			}
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
