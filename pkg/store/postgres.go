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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetglass/fleetglass/pkg/models"
)

// NewPool dials the configured Postgres cluster and returns a pgx pool
// shared by the record store and the grant authorizer.
func NewPool(ctx context.Context, cfg *models.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, nil
	}

	db := *cfg
	if db.Port == 0 {
		db.Port = 5432
	}

	connURL := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   "/" + db.Database,
	}

	if db.Username != "" {
		if db.Password != "" {
			connURL.User = url.UserPassword(db.Username, db.Password)
		} else {
			connURL.User = url.User(db.Username)
		}
	}

	query := connURL.Query()

	sslMode := db.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	query.Set("sslmode", sslMode)

	if db.ApplicationName != "" {
		query.Set("application_name", db.ApplicationName)
	}

	connURL.RawQuery = query.Encode()

	poolConfig, err := pgxpool.ParseConfig(connURL.String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if db.MaxConnections > 0 {
		poolConfig.MaxConns = db.MaxConnections
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return pool, nil
}

// PostgresStore reads telemetry from the telemetry_records table:
// (device_id text, recorded_at timestamptz, latitude, longitude,
// speed, course double precision, satellites int, io jsonb).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a record store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const selectRecords = `
SELECT device_id, recorded_at, latitude, longitude, speed, course, satellites, io
FROM telemetry_records
WHERE device_id = $1
ORDER BY recorded_at DESC
LIMIT $2`

// LatestRecord implements RecordStore.
func (s *PostgresStore) LatestRecord(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	records, err := s.LatestRecords(ctx, deviceID, 1)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}

	return &records[0], nil
}

// LatestRecords implements RecordStore, returning most recent first.
func (s *PostgresStore) LatestRecords(ctx context.Context, deviceID string, limit int) ([]models.DeviceRecord, error) {
	rows, err := s.pool.Query(ctx, selectRecords, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry records: %w", err)
	}
	defer rows.Close()

	var records []models.DeviceRecord

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("telemetry record iteration error: %w", err)
	}

	return records, nil
}

func scanRecord(row pgx.Row) (models.DeviceRecord, error) {
	var (
		record models.DeviceRecord
		ts     time.Time
		ioRaw  []byte
	)

	err := row.Scan(
		&record.DeviceID,
		&ts,
		&record.Position.Latitude,
		&record.Position.Longitude,
		&record.Position.Speed,
		&record.Position.Course,
		&record.Position.Satellites,
		&ioRaw,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return record, ErrNotFound
		}

		return record, fmt.Errorf("failed to scan telemetry record: %w", err)
	}

	record.Timestamp = ts

	if len(ioRaw) > 0 {
		if err := json.Unmarshal(ioRaw, &record.IO); err != nil {
			return record, fmt.Errorf("failed to decode io attributes: %w", err)
		}
	}

	return record, nil
}
