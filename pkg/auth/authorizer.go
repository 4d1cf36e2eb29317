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

package auth

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Authorizer resolves the set of device IDs a principal may observe.
// The hub calls it on every subscribe message; implementations must be
// side-effect free and safe for concurrent use.
type Authorizer interface {
	AuthorizedDevices(ctx context.Context, principalID string) (map[string]struct{}, error)
}

// StaticAuthorizer serves grants from a fixed in-memory map. Used for
// deployments without a database and throughout the tests.
type StaticAuthorizer struct {
	grants map[string]map[string]struct{}
}

// NewStaticAuthorizer builds an authorizer from principal -> device ID
// grant lists.
func NewStaticAuthorizer(grants map[string][]string) *StaticAuthorizer {
	out := make(map[string]map[string]struct{}, len(grants))

	for principal, devices := range grants {
		set := make(map[string]struct{}, len(devices))
		for _, id := range devices {
			set[id] = struct{}{}
		}

		out[principal] = set
	}

	return &StaticAuthorizer{grants: out}
}

// AuthorizedDevices implements Authorizer. Unknown principals get an
// empty set, not an error.
func (a *StaticAuthorizer) AuthorizedDevices(_ context.Context, principalID string) (map[string]struct{}, error) {
	set := make(map[string]struct{}, len(a.grants[principalID]))
	for id := range a.grants[principalID] {
		set[id] = struct{}{}
	}

	return set, nil
}

// PostgresAuthorizer resolves grants from the device_grants table.
type PostgresAuthorizer struct {
	pool *pgxpool.Pool
}

// NewPostgresAuthorizer creates an authorizer backed by the given pool.
func NewPostgresAuthorizer(pool *pgxpool.Pool) *PostgresAuthorizer {
	return &PostgresAuthorizer{pool: pool}
}

// AuthorizedDevices implements Authorizer with a fresh query per call,
// so revoked grants take effect on the next subscribe.
func (a *PostgresAuthorizer) AuthorizedDevices(ctx context.Context, principalID string) (map[string]struct{}, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT device_id FROM device_grants WHERE principal_id = $1`, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query device grants: %w", err)
	}
	defer rows.Close()

	set := make(map[string]struct{})

	for rows.Next() {
		var deviceID string
		if err := rows.Scan(&deviceID); err != nil {
			return nil, fmt.Errorf("failed to scan device grant: %w", err)
		}

		set[deviceID] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("device grant iteration error: %w", err)
	}

	return set, nil
}
