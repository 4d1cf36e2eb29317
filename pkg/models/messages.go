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
	"time"
)

// Client actions accepted over the WebSocket.
const (
	ActionSubscribe = "subscribe"
)

// Stream message types sent to clients.
const (
	MessageTypeBatch    = "batch"
	MessageTypeSnapshot = "snapshot"
)

// ClientMessage is a message received from a connected client.
type ClientMessage struct {
	Action    string   `json:"action"`
	DeviceIDs []string `json:"deviceIds,omitempty"`
}

// DeviceUpdate pairs a device identifier with one enriched record.
type DeviceUpdate struct {
	DeviceID string       `json:"deviceId"`
	Data     DeviceRecord `json:"data"`
}

// StreamMessage is sent over the WebSocket to a client. Batch and
// snapshot messages share the same shape and differ only in Type.
type StreamMessage struct {
	Type      string         `json:"type"`
	Devices   []DeviceUpdate `json:"devices"`
	Timestamp time.Time      `json:"timestamp"`
}
