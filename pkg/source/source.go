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

// Package source defines the telemetry feed capability and its NATS
// JetStream and Kafka implementations. A Source yields (deviceID,
// record) tuples, keeping the hub decoupled from the transport's
// subject or topic naming.
package source

import (
	"context"

	"github.com/fleetglass/fleetglass/pkg/models"
)

// Change is one newly observed telemetry record for a device.
type Change struct {
	DeviceID string
	Record   models.DeviceRecord
}

// Source is a live feed of telemetry changes across all devices.
// Changes returns the feed channel; Run consumes the transport until
// the context is canceled and closes the channel on return. Transport
// errors inside Run are logged and retried by the underlying client
// library, not surfaced per message.
type Source interface {
	Changes() <-chan Change
	Run(ctx context.Context) error
}
