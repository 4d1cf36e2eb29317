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

package hub

import (
	"context"
	"regexp"
	"sync"

	"github.com/fleetglass/fleetglass/pkg/logger"
	"github.com/fleetglass/fleetglass/pkg/models"
	"github.com/fleetglass/fleetglass/pkg/store"
)

// DriverFieldCache remembers the last-seen driver-identity fields per
// device so records that omit them (most records do) can be backfilled
// before delivery. Driver-identity keys are matched by a configurable
// pattern over the record's IO map.
type DriverFieldCache struct {
	pattern *regexp.Regexp
	records store.RecordStore // nil disables historical backfill
	depth   int
	log     logger.Logger

	mu        sync.Mutex
	snapshots map[string]map[string]interface{}
	pending   map[string]struct{} // devices with an in-flight backfill
	missed    map[string]struct{} // devices whose backfill found nothing
}

// NewDriverFieldCache creates a cache. records may be nil, in which
// case a miss stays a miss until a record with driver fields arrives.
func NewDriverFieldCache(pattern *regexp.Regexp, records store.RecordStore, depth int, log logger.Logger) *DriverFieldCache {
	return &DriverFieldCache{
		pattern:   pattern,
		records:   records,
		depth:     depth,
		log:       log.WithComponent("driver_cache"),
		snapshots: make(map[string]map[string]interface{}),
		pending:   make(map[string]struct{}),
		missed:    make(map[string]struct{}),
	}
}

// HasDriverFields reports whether the record's IO map carries at least
// one driver-identity key.
func (c *DriverFieldCache) HasDriverFields(record *models.DeviceRecord) bool {
	for key := range record.IO {
		if c.pattern.MatchString(key) {
			return true
		}
	}

	return false
}

// Capture overwrites the device's snapshot with the driver-identity
// subset of the record's IO map. Last write wins.
func (c *DriverFieldCache) Capture(deviceID string, record *models.DeviceRecord) {
	snapshot := make(map[string]interface{})

	for key, val := range record.IO {
		if c.pattern.MatchString(key) {
			snapshot[key] = val
		}
	}

	if len(snapshot) == 0 {
		return
	}

	c.mu.Lock()
	c.snapshots[deviceID] = snapshot
	delete(c.missed, deviceID)
	c.mu.Unlock()
}

// Enrich merges the device's cached driver fields into a record that
// lacks them, never overwriting a field already present, and returns
// the merged record. Records that already carry driver fields pass
// through untouched (and refresh the snapshot via Capture).
//
// On a full miss (no snapshot either) a one-time historical lookup is
// started in the background; the current record goes out unenriched.
// Lookup failures are swallowed: enrichment is best-effort and must
// not block the ingestion path.
func (c *DriverFieldCache) Enrich(ctx context.Context, deviceID string, record models.DeviceRecord) models.DeviceRecord {
	if c.HasDriverFields(&record) {
		c.Capture(deviceID, &record)
		return record
	}

	c.mu.Lock()

	snapshot, ok := c.snapshots[deviceID]
	if !ok {
		c.startBackfillLocked(ctx, deviceID)
		c.mu.Unlock()

		return record
	}

	merged := record.Clone()
	if merged.IO == nil {
		merged.IO = make(map[string]interface{}, len(snapshot))
	}

	for key, val := range snapshot {
		if _, exists := merged.IO[key]; !exists {
			merged.IO[key] = val
		}
	}

	c.mu.Unlock()

	return merged
}

// startBackfillLocked launches the historical driver-field lookup for a
// device unless one already ran or is running. Caller holds c.mu.
func (c *DriverFieldCache) startBackfillLocked(ctx context.Context, deviceID string) {
	if c.records == nil {
		return
	}

	if _, running := c.pending[deviceID]; running {
		return
	}

	if _, failed := c.missed[deviceID]; failed {
		return
	}

	c.pending[deviceID] = struct{}{}

	go c.backfill(ctx, deviceID)
}

func (c *DriverFieldCache) backfill(ctx context.Context, deviceID string) {
	defer func() {
		c.mu.Lock()
		delete(c.pending, deviceID)
		c.mu.Unlock()
	}()

	records, err := c.records.LatestRecords(ctx, deviceID, c.depth)
	if err != nil {
		c.log.Debug().
			Err(err).
			Str("device_id", deviceID).
			Msg("Driver field backfill query failed")

		c.markMissed(deviceID)

		return
	}

	for i := range records {
		if c.HasDriverFields(&records[i]) {
			c.Capture(deviceID, &records[i])
			return
		}
	}

	c.markMissed(deviceID)
}

// markMissed negative-caches a device until a record with driver fields
// finally shows up, so one quiet device cannot trigger repeated store
// scans.
func (c *DriverFieldCache) markMissed(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.snapshots[deviceID]; !ok {
		c.missed[deviceID] = struct{}{}
	}
}

// Snapshot returns a copy of the cached driver fields for a device, or
// nil when none are cached.
func (c *DriverFieldCache) Snapshot(deviceID string) map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot, ok := c.snapshots[deviceID]
	if !ok {
		return nil
	}

	out := make(map[string]interface{}, len(snapshot))
	for k, v := range snapshot {
		out[k] = v
	}

	return out
}
