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

// Package config loads JSON configuration files with environment
// variable overrides.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// EnvPrefix is prepended to all environment override variable names.
const EnvPrefix = "FLEETGLASS_"

// Loader loads configuration from a path into dst.
type Loader interface {
	Load(ctx context.Context, path string, dst interface{}) error
}

// Validator is implemented by config structs that can validate
// themselves after loading. Validate may fill defaults in place.
type Validator interface {
	Validate() error
}

// FileLoader loads configuration from a local JSON file.
type FileLoader struct{}

// Load implements Loader by reading and unmarshaling a JSON file.
func (*FileLoader) Load(_ context.Context, path string, dst interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file '%s': %w", path, err)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to unmarshal JSON from '%s': %w", path, err)
	}

	return nil
}

// LoadAndValidate loads the file at path, applies environment
// overrides, and runs validation when dst implements Validator.
//
// Overrides are flat JSON pointers with underscores: the variable
// FLEETGLASS_AUTH_JWT_SECRET overrides auth.jwt_secret. Only string
// leaves are overridable from the environment; structured values stay
// in the file.
func LoadAndValidate(ctx context.Context, path string, dst interface{}) error {
	loader := &FileLoader{}
	if err := loader.Load(ctx, path, dst); err != nil {
		return err
	}

	applyEnvOverrides(dst)

	if v, ok := dst.(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid configuration in '%s': %w", path, err)
		}
	}

	return nil
}

// applyEnvOverrides round-trips dst through a generic JSON map, walks
// it looking for environment overrides, and unmarshals the result
// back. Errors here are ignored: the file already parsed, and a bad
// override value will be caught by validation.
func applyEnvOverrides(dst interface{}) {
	raw, err := json.Marshal(dst)
	if err != nil {
		return
	}

	var tree map[string]interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return
	}

	if !overrideLeaves(tree, EnvPrefix) {
		return
	}

	patched, err := json.Marshal(tree)
	if err != nil {
		return
	}

	_ = json.Unmarshal(patched, dst)
}

func overrideLeaves(node map[string]interface{}, prefix string) bool {
	changed := false

	for key, val := range node {
		envKey := prefix + strings.ToUpper(key)

		switch typed := val.(type) {
		case map[string]interface{}:
			if overrideLeaves(typed, envKey+"_") {
				changed = true
			}
		case string, nil:
			if override, ok := os.LookupEnv(envKey); ok {
				node[key] = override
				changed = true
			}
		}
	}

	return changed
}
