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

// Package store reads historical telemetry records. The hub never
// writes telemetry; persistence belongs to the upstream ingestion
// pipeline.
package store

import (
	"context"
	"errors"

	"github.com/fleetglass/fleetglass/pkg/models"
)

// ErrNotFound indicates no record exists for the requested device.
var ErrNotFound = errors.New("no record found for device")

// RecordStore serves point-in-time reads against the telemetry history.
// LatestRecord backs the post-subscribe snapshot; LatestRecords backs
// the driver-field backfill scan (most recent first).
type RecordStore interface {
	LatestRecord(ctx context.Context, deviceID string) (*models.DeviceRecord, error)
	LatestRecords(ctx context.Context, deviceID string, limit int) ([]models.DeviceRecord, error)
}
