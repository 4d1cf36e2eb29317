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

	"github.com/segmentio/kafka-go"

	"github.com/fleetglass/fleetglass/pkg/logger"
	"github.com/fleetglass/fleetglass/pkg/models"
)

var errMissingKey = errors.New("message has no device key")

// KafkaSource consumes telemetry from a single topic where the message
// key is the device ID. Messages without a key are skipped.
type KafkaSource struct {
	reader  *kafka.Reader
	changes chan Change
	log     logger.Logger
}

// NewKafkaSource creates a Kafka-backed telemetry source.
func NewKafkaSource(cfg *models.KafkaConfig, log logger.Logger) *KafkaSource {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})

	return &KafkaSource{
		reader:  reader,
		changes: make(chan Change, 256),
		log:     log.WithComponent("kafka_source"),
	}
}

// Changes implements Source.
func (s *KafkaSource) Changes() <-chan Change {
	return s.changes
}

// Run implements Source. ReadMessage retries transient broker errors
// internally; only context cancellation ends the loop.
func (s *KafkaSource) Run(ctx context.Context) error {
	defer close(s.changes)
	defer s.reader.Close()

	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}

			s.log.Error().Err(err).Msg("Kafka read failed")

			continue
		}

		change, err := changeFromMessage(msg)
		if err != nil {
			if !errors.Is(err, errMissingKey) {
				s.log.Warn().
					Err(err).
					Str("device_id", string(msg.Key)).
					Msg("Dropping undecodable telemetry message")
			}

			continue
		}

		select {
		case s.changes <- change:
		case <-ctx.Done():
			return nil
		}
	}
}

// changeFromMessage converts one Kafka message into a telemetry
// change. The message key is the device ID and fills in a missing
// DeviceID on the decoded record.
func changeFromMessage(msg kafka.Message) (Change, error) {
	deviceID := string(msg.Key)
	if deviceID == "" {
		return Change{}, errMissingKey
	}

	var record models.DeviceRecord
	if err := json.Unmarshal(msg.Value, &record); err != nil {
		return Change{}, fmt.Errorf("failed to decode telemetry payload: %w", err)
	}

	if record.DeviceID == "" {
		record.DeviceID = deviceID
	}

	return Change{DeviceID: deviceID, Record: record}, nil
}
