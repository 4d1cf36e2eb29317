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

package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/fleetglass/fleetglass/pkg/logger"
	"github.com/fleetglass/fleetglass/pkg/models"
)

const monitoringSuffix = "monitoring"

var errMissingStream = errors.New("nats source requires a stream name")

// NATSSource consumes telemetry from a JetStream stream whose subjects
// follow <prefix>.<deviceID>.monitoring. Subjects outside that
// convention are skipped silently.
type NATSSource struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	cfg     models.NATSConfig
	changes chan Change
	log     logger.Logger
}

// NewNATSSource connects to the configured NATS server. Reconnection
// after transport errors is delegated to the nats client.
func NewNATSSource(cfg *models.NATSConfig, log logger.Logger) (*NATSSource, error) {
	if cfg.Stream == "" {
		return nil, errMissingStream
	}

	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NATSSource{
		conn:    conn,
		js:      js,
		cfg:     *cfg,
		changes: make(chan Change, 256),
		log:     log.WithComponent("nats_source"),
	}, nil
}

// Changes implements Source.
func (s *NATSSource) Changes() <-chan Change {
	return s.changes
}

// Run implements Source. It creates an ordered consumer delivering only
// new messages and blocks until the context is canceled.
func (s *NATSSource) Run(ctx context.Context) error {
	defer close(s.changes)
	defer s.conn.Close()

	prefix := s.cfg.SubjectPrefix
	if prefix == "" {
		prefix = "telemetry"
	}

	cons, err := s.js.OrderedConsumer(ctx, s.cfg.Stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{prefix + ".>"},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create ordered consumer: %w", err)
	}

	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		s.handleMessage(ctx, prefix, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer consumeCtx.Stop()

	s.log.Info().
		Str("stream", s.cfg.Stream).
		Str("subject_prefix", prefix).
		Msg("Telemetry source consuming")

	<-ctx.Done()

	return nil
}

func (s *NATSSource) handleMessage(ctx context.Context, prefix string, msg jetstream.Msg) {
	deviceID, ok := deviceIDFromSubject(msg.Subject(), prefix)
	if !ok {
		// Not a per-device monitoring subject; ignore.
		return
	}

	var record models.DeviceRecord
	if err := json.Unmarshal(msg.Data(), &record); err != nil {
		s.log.Warn().
			Err(err).
			Str("subject", msg.Subject()).
			Msg("Dropping undecodable telemetry message")

		return
	}

	if record.DeviceID == "" {
		record.DeviceID = deviceID
	}

	select {
	case s.changes <- Change{DeviceID: deviceID, Record: record}:
	case <-ctx.Done():
	}
}

// deviceIDFromSubject extracts the device ID from a subject of the
// form <prefix>.<deviceID>.monitoring.
func deviceIDFromSubject(subject, prefix string) (string, bool) {
	rest, found := strings.CutPrefix(subject, prefix+".")
	if !found {
		return "", false
	}

	parts := strings.Split(rest, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] != monitoringSuffix {
		return "", false
	}

	return parts[0], true
}
