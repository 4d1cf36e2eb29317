/*
 * Copyright 2025 Fleetglass Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetglass/fleetglass/pkg/auth"
	"github.com/fleetglass/fleetglass/pkg/hub"
	"github.com/fleetglass/fleetglass/pkg/logger"
	"github.com/fleetglass/fleetglass/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// Client is one live WebSocket session. It implements hub.Session: the
// hub delivers through the buffered send queue and the single write
// pump serializes all writes to the transport.
type Client struct {
	id        string
	principal *auth.Principal
	conn      *websocket.Conn
	distrib   *hub.Hub
	log       logger.Logger

	pingInterval time.Duration
	pongWait     time.Duration

	send      chan *models.StreamMessage
	writeDone chan struct{}

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, principal *auth.Principal, distrib *hub.Hub, cfg *models.HubConfig, log logger.Logger) *Client {
	id := uuid.New().String()

	return &Client{
		id:           id,
		principal:    principal,
		conn:         conn,
		distrib:      distrib,
		log: log.WithComponent("client").WithFields(map[string]interface{}{
			"connection_id": id,
			"principal":     principal.ID,
		}),
		pingInterval: time.Duration(cfg.PingInterval),
		pongWait:     time.Duration(cfg.PongWait),
		send:         make(chan *models.StreamMessage, cfg.SendBuffer),
		writeDone:    make(chan struct{}),
	}
}

// ID implements hub.Session.
func (c *Client) ID() string { return c.id }

// PrincipalID implements hub.Session.
func (c *Client) PrincipalID() string { return c.principal.ID }

// Send implements hub.Session. It never blocks; a full queue drops the
// message and reports false so the hub can log the slow consumer.
func (c *Client) Send(msg *models.StreamMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close implements hub.Session. Safe to call from any goroutine and
// idempotent. Closing the send queue makes the write pump deliver a
// normal close frame; the transport is torn down only once the pump
// has drained or the write deadline has passed.
func (c *Client) Close() {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return
	}

	c.closed = true
	close(c.send)
	c.mu.Unlock()

	select {
	case <-c.writeDone:
	case <-time.After(writeWait):
	}

	_ = c.conn.Close()
}

// run drives the session until the peer disconnects, a heartbeat
// times out, or a write fails. It blocks in the read pump so the HTTP
// handler keeps the request alive.
func (c *Client) run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)

	c.distrib.Deregister(c.id)
	c.Close()
}

// readPump consumes client messages. The read deadline doubles as the
// liveness check: every pong pushes it out by pongWait, so a peer that
// misses consecutive pings exceeds the deadline and the read fails.
func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("WebSocket read ended")
			}

			return
		}

		c.handleMessage(ctx, payload)
	}
}

// handleMessage processes one inbound frame. Malformed payloads and
// unknown actions are logged and ignored; the connection stays open.
func (c *Client) handleMessage(ctx context.Context, payload []byte) {
	var msg models.ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.log.Warn().Err(err).Msg("Ignoring malformed client message")
		return
	}

	switch msg.Action {
	case models.ActionSubscribe:
		if err := c.distrib.Subscribe(ctx, c, msg.DeviceIDs); err != nil {
			c.log.Error().
				Err(err).
				Int("requested", len(msg.DeviceIDs)).
				Msg("Subscribe failed")
		}
	default:
		c.log.Warn().Str("action", msg.Action).Msg("Ignoring unknown client action")
	}
}

// writePump serializes all transport writes: queued stream messages and
// the periodic liveness ping.
func (c *Client) writePump() {
	defer close(c.writeDone)

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))

				return
			}

			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Debug().Err(err).Msg("WebSocket write failed")
				c.distrib.Deregister(c.id)

				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug().Err(err).Msg("WebSocket ping failed")
				c.distrib.Deregister(c.id)

				return
			}
		}
	}
}
