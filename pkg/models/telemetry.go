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

// Package models defines the shared data types for the telemetry hub.
package models

import (
	"time"
)

// Position is the GPS block of a telemetry record.
type Position struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Speed      float64 `json:"speed"`
	Course     float64 `json:"course"`
	Satellites int     `json:"satellites"`
}

// DeviceRecord is one telemetry observation for a vehicle device. The
// IO map carries open-ended device/vendor-specific signals (ignition,
// fuel level, driver-card identifiers) keyed by vendor field names.
// Records for a given device arrive in non-decreasing timestamp order;
// the hub never reorders them.
type DeviceRecord struct {
	DeviceID  string                 `json:"deviceId"`
	Timestamp time.Time              `json:"timestamp"`
	Position  Position               `json:"position"`
	IO        map[string]interface{} `json:"io,omitempty"`
}

// Clone returns a copy of the record with its own IO map, so enrichment
// never mutates a record shared with other consumers.
func (r *DeviceRecord) Clone() DeviceRecord {
	out := *r

	if r.IO != nil {
		out.IO = make(map[string]interface{}, len(r.IO))
		for k, v := range r.IO {
			out.IO[k] = v
		}
	}

	return out
}
