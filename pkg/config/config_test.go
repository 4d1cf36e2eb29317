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

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Name   string           `json:"name"`
	Nested testNestedConfig `json:"nested"`
	Count  int              `json:"count"`

	validateErr error
}

type testNestedConfig struct {
	Secret string `json:"secret"`
}

func (c *testConfig) Validate() error {
	return c.validateErr
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestFileLoader(t *testing.T) {
	path := writeConfigFile(t, `{"name": "hub", "count": 3, "nested": {"secret": "from-file"}}`)

	var cfg testConfig
	require.NoError(t, (&FileLoader{}).Load(context.Background(), path, &cfg))

	assert.Equal(t, "hub", cfg.Name)
	assert.Equal(t, 3, cfg.Count)
	assert.Equal(t, "from-file", cfg.Nested.Secret)
}

func TestFileLoaderMissingFile(t *testing.T) {
	var cfg testConfig

	err := (&FileLoader{}).Load(context.Background(), "/nonexistent/config.json", &cfg)
	require.Error(t, err)
}

func TestFileLoaderBadJSON(t *testing.T) {
	path := writeConfigFile(t, `{"name": `)

	var cfg testConfig

	err := (&FileLoader{}).Load(context.Background(), path, &cfg)
	require.Error(t, err)
}

func TestLoadAndValidateEnvOverride(t *testing.T) {
	path := writeConfigFile(t, `{"name": "hub", "count": 3, "nested": {"secret": "from-file"}}`)

	t.Setenv("FLEETGLASS_NESTED_SECRET", "from-env")
	t.Setenv("FLEETGLASS_NAME", "overridden")

	var cfg testConfig
	require.NoError(t, LoadAndValidate(context.Background(), path, &cfg))

	assert.Equal(t, "overridden", cfg.Name)
	assert.Equal(t, "from-env", cfg.Nested.Secret)
	assert.Equal(t, 3, cfg.Count, "non-string leaves are not overridable")
}

func TestLoadAndValidateRunsValidation(t *testing.T) {
	path := writeConfigFile(t, `{"name": "hub"}`)

	errBad := errors.New("bad config")

	cfg := testConfig{validateErr: errBad}

	err := LoadAndValidate(context.Background(), path, &cfg)
	require.ErrorIs(t, err, errBad)
}
