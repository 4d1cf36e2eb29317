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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetglass/fleetglass/pkg/auth"
	"github.com/fleetglass/fleetglass/pkg/hub"
	"github.com/fleetglass/fleetglass/pkg/logger"
	"github.com/fleetglass/fleetglass/pkg/models"
	"github.com/fleetglass/fleetglass/pkg/source"
)

const testSecret = "test-secret"

type fakeSource struct {
	ch chan source.Change
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan source.Change, 256)}
}

func (f *fakeSource) Changes() <-chan source.Change { return f.ch }

func (f *fakeSource) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeSource) emit(deviceID string) {
	f.ch <- source.Change{
		DeviceID: deviceID,
		Record:   models.DeviceRecord{DeviceID: deviceID, Timestamp: time.Now().UTC()},
	}
}

type fixture struct {
	ts   *httptest.Server
	feed *fakeSource
	stop context.CancelFunc
}

func startServer(t *testing.T, cfg models.HubConfig, grants map[string][]string) *fixture {
	t.Helper()

	feed := newFakeSource()
	distrib := hub.New(cfg, feed, nil, auth.NewStaticAuthorizer(grants), logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() { _ = distrib.Run(ctx) }()

	server := NewServer(cfg, distrib, auth.NewJWTVerifier(testSecret), logger.NewTestLogger())

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &fixture{ts: ts, feed: feed, stop: cancel}
}

func testServerConfig() models.HubConfig {
	return models.HubConfig{
		Listener:         models.ListenerConfig{ListenAddr: ":0"},
		BatchSize:        2,
		FlushInterval:    models.Duration(50 * time.Millisecond),
		PingInterval:     models.Duration(25 * time.Second),
		PongWait:         models.Duration(60 * time.Second),
		DriverKeyPattern: models.DefaultDriverKeyPattern,
		BackfillDepth:    10,
		SendBuffer:       64,
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream"
}

func bearerToken(t *testing.T, principal string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": principal,
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	return signed
}

func dial(t *testing.T, fx *fixture, header http.Header) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(fx.ts), header)
	require.NoError(t, err)

	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func authHeader(t *testing.T, principal string) http.Header {
	t.Helper()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+bearerToken(t, principal))

	return header
}

func TestUnauthenticatedConnectionClosedWithPolicyViolation(t *testing.T) {
	fx := startServer(t, testServerConfig(), nil)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(fx.ts), nil)
	require.NoError(t, err, "the upgrade itself succeeds; rejection arrives as a close frame")

	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected policy violation close, got %v", err)
}

func TestInvalidTokenRejected(t *testing.T) {
	fx := startServer(t, testServerConfig(), nil)

	header := http.Header{}
	header.Set("Authorization", "Bearer not-a-token")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(fx.ts), header)
	require.NoError(t, err)

	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

// seedAndSubscribe makes seedID's state known to the hub, subscribes,
// and waits for the resulting snapshot so the subscription is provably
// active before the caller emits more records.
func seedAndSubscribe(t *testing.T, conn *websocket.Conn, fx *fixture, seedID string, deviceIDs []string) {
	t.Helper()

	fx.feed.emit(seedID)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, conn.WriteJSON(models.ClientMessage{
		Action:    models.ActionSubscribe,
		DeviceIDs: deviceIDs,
	}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg models.StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, models.MessageTypeSnapshot, msg.Type)
}

func TestSubscribeAndReceiveBatches(t *testing.T) {
	cfg := testServerConfig()
	cfg.FlushInterval = models.Duration(time.Hour) // only the size threshold flushes

	fx := startServer(t, cfg, map[string][]string{"alice": {"D1"}})

	conn := dial(t, fx, authHeader(t, "alice"))
	seedAndSubscribe(t, conn, fx, "D1", []string{"D1", "D2"})

	// BatchSize is 2: the seed record plus one more trigger an
	// immediate flush.
	fx.feed.emit("D1")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg models.StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))

	assert.Equal(t, models.MessageTypeBatch, msg.Type)
	require.Len(t, msg.Devices, 2)
	assert.Equal(t, "D1", msg.Devices[0].DeviceID)
}

func TestMalformedMessageKeepsConnectionOpen(t *testing.T) {
	fx := startServer(t, testServerConfig(), map[string][]string{"alice": {"D1"}})

	conn := dial(t, fx, authHeader(t, "alice"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{{{not json")))
	require.NoError(t, conn.WriteJSON(models.ClientMessage{Action: "unknown-action"}))

	// The connection survives both; a subscribe afterwards still works.
	seedAndSubscribe(t, conn, fx, "D1", []string{"D1"})

	fx.feed.emit("D1")
	fx.feed.emit("D1")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg models.StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, models.MessageTypeBatch, msg.Type)
}

func TestUnauthorizedDevicesNeverDelivered(t *testing.T) {
	fx := startServer(t, testServerConfig(), map[string][]string{"alice": {"D1"}})

	conn := dial(t, fx, authHeader(t, "alice"))
	seedAndSubscribe(t, conn, fx, "D1", []string{"D1", "D2"})

	fx.feed.emit("D2")
	fx.feed.emit("D2")
	fx.feed.emit("D1")
	fx.feed.emit("D1")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg models.StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))

	require.NotEmpty(t, msg.Devices)

	for _, update := range msg.Devices {
		assert.Equal(t, "D1", update.DeviceID)
	}
}

func TestShutdownDeliversNormalCloseFrame(t *testing.T) {
	cfg := testServerConfig()
	cfg.FlushInterval = models.Duration(time.Hour) // nothing flushes after the snapshot

	fx := startServer(t, cfg, map[string][]string{"alice": {"D1"}})

	conn := dial(t, fx, authHeader(t, "alice"))
	seedAndSubscribe(t, conn, fx, "D1", []string{"D1"})

	fx.stop()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
		"shutdown must end with a clean close frame, got %v", err)
}

func TestHeartbeatTimeoutTearsDownConnection(t *testing.T) {
	cfg := testServerConfig()
	cfg.PingInterval = models.Duration(100 * time.Millisecond)
	cfg.PongWait = models.Duration(300 * time.Millisecond)

	fx := startServer(t, cfg, map[string][]string{"alice": {"D1"}})

	conn := dial(t, fx, authHeader(t, "alice"))

	// Suppress the automatic pong reply to simulate a half-open peer.
	conn.SetPingHandler(func(string) error { return nil })

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	_, _, err := conn.ReadMessage()
	require.Error(t, err, "the server must drop a peer that stops answering pings")
}
