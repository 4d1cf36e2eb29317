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

package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/fleetglass/fleetglass/pkg/logger"
)

var (
	errInvalidDuration     = errors.New("invalid duration")
	errNoSourceConfigured  = errors.New("exactly one telemetry source (nats or kafka) must be configured")
	errNoListenAddr        = errors.New("listener listen_addr is required")
	errBadDriverKeyPattern = errors.New("invalid driver_key_pattern")
	errNoAuthorizer        = errors.New("either database or auth.static_grants must be configured")
	errNoJWTSecret         = errors.New("auth.jwt_secret is required")
)

// Duration wraps time.Duration for JSON configs, accepting either a Go
// duration string ("25s") or nanoseconds as a number.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		dur, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}

		*d = Duration(dur)

		return nil
	default:
		return errInvalidDuration
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// ListenerConfig configures the client-facing HTTP/WebSocket listener.
type ListenerConfig struct {
	ListenAddr string     `json:"listen_addr"` // e.g., :8090
	CORS       CORSConfig `json:"cors"`
}

// CORSConfig restricts which browser origins may open a WebSocket.
type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins"`
}

// NATSConfig configures the JetStream telemetry source.
type NATSConfig struct {
	URL           string `json:"url"`
	Stream        string `json:"stream"`         // e.g., TELEMETRY
	SubjectPrefix string `json:"subject_prefix"` // e.g., telemetry
	ConsumerName  string `json:"consumer_name"`
}

// KafkaConfig configures the Kafka telemetry source.
type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	GroupID string   `json:"group_id"`
}

// DatabaseConfig configures the Postgres record store and the
// device-grant authorizer.
type DatabaseConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Database        string `json:"database"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	SSLMode         string `json:"ssl_mode"`
	MaxConnections  int32  `json:"max_connections"`
	ApplicationName string `json:"application_name"`
}

// AuthConfig configures client authentication and authorization.
// StaticGrants maps a principal ID to the device IDs it may observe;
// when set it replaces the database-backed authorizer.
type AuthConfig struct {
	JWTSecret    string              `json:"jwt_secret"`
	StaticGrants map[string][]string `json:"static_grants,omitempty"`
}

// HubConfig is the full configuration for the hubd process.
type HubConfig struct {
	Listener ListenerConfig  `json:"listener"`
	NATS     *NATSConfig     `json:"nats,omitempty"`
	Kafka    *KafkaConfig    `json:"kafka,omitempty"`
	Database *DatabaseConfig `json:"database,omitempty"`
	Auth     AuthConfig      `json:"auth"`
	Logging  *logger.Config  `json:"logging,omitempty"`

	// Fanout tuning.
	BatchSize     int      `json:"batch_size"`     // flush immediately at this many buffered records
	FlushInterval Duration `json:"flush_interval"` // timer-driven flush period

	// Connection liveness.
	PingInterval Duration `json:"ping_interval"`
	PongWait     Duration `json:"pong_wait"`

	// Enrichment.
	DriverKeyPattern string `json:"driver_key_pattern"` // regexp over IO keys
	BackfillDepth    int    `json:"backfill_depth"`     // records scanned on a cache miss

	SendBuffer int `json:"send_buffer"` // per-client outbound queue length
}

// Defaults applied by Validate.
const (
	DefaultBatchSize        = 10
	DefaultFlushInterval    = Duration(time.Second)
	DefaultPingInterval     = Duration(25 * time.Second)
	DefaultPongWait         = Duration(60 * time.Second)
	DefaultDriverKeyPattern = `(?i)^driver`
	DefaultBackfillDepth    = 100
	DefaultSendBuffer       = 64
)

// Validate checks the configuration and fills defaults in place.
func (c *HubConfig) Validate() error {
	if c.Listener.ListenAddr == "" {
		return errNoListenAddr
	}

	if (c.NATS == nil) == (c.Kafka == nil) {
		return errNoSourceConfigured
	}

	if c.Database == nil && len(c.Auth.StaticGrants) == 0 {
		return errNoAuthorizer
	}

	if c.Auth.JWTSecret == "" {
		return errNoJWTSecret
	}

	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}

	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}

	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}

	if time.Duration(c.PongWait) <= time.Duration(c.PingInterval) {
		// Two missed probes plus grace, scaled to the actual ping
		// interval so the read deadline always outlives the first ping.
		c.PongWait = 2*c.PingInterval + Duration(10*time.Second)
	}

	if c.DriverKeyPattern == "" {
		c.DriverKeyPattern = DefaultDriverKeyPattern
	}

	if _, err := regexp.Compile(c.DriverKeyPattern); err != nil {
		return fmt.Errorf("%w: %w", errBadDriverKeyPattern, err)
	}

	if c.BackfillDepth <= 0 {
		c.BackfillDepth = DefaultBackfillDepth
	}

	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}

	return nil
}
