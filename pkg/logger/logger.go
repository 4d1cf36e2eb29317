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

// Package logger provides JSON structured logging using zerolog.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls log output for a process.
type Config struct {
	Level      string `json:"level"`
	Debug      bool   `json:"debug"`
	Output     string `json:"output"`
	TimeFormat string `json:"time_format"`
}

// DefaultConfig returns info-level JSON logging to stdout.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Output: "stdout",
	}
}

type zeroLogger struct {
	logger zerolog.Logger
}

// New builds a Logger from the provided configuration. A nil config
// yields the defaults.
func New(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	var output io.Writer = os.Stdout
	if config.Output == "stderr" {
		output = os.Stderr
	}

	level := zerolog.InfoLevel

	if config.Debug {
		level = zerolog.DebugLevel
	} else if config.Level != "" {
		var err error

		level, err = zerolog.ParseLevel(config.Level)
		if err != nil {
			return nil, err
		}
	}

	if config.TimeFormat != "" {
		zerolog.TimeFieldFormat = config.TimeFormat
	} else {
		zerolog.TimeFieldFormat = time.RFC3339
	}

	zl := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &zeroLogger{logger: zl}, nil
}

// NewTestLogger returns a logger that discards all output. Intended for
// tests that exercise components requiring a Logger.
func NewTestLogger() Logger {
	return &zeroLogger{logger: zerolog.New(io.Discard)}
}

func (z *zeroLogger) Trace() *zerolog.Event { return z.logger.Trace() }
func (z *zeroLogger) Debug() *zerolog.Event { return z.logger.Debug() }
func (z *zeroLogger) Info() *zerolog.Event  { return z.logger.Info() }
func (z *zeroLogger) Warn() *zerolog.Event  { return z.logger.Warn() }
func (z *zeroLogger) Error() *zerolog.Event { return z.logger.Error() }
func (z *zeroLogger) Fatal() *zerolog.Event { return z.logger.Fatal() }

func (z *zeroLogger) With() zerolog.Context { return z.logger.With() }

func (z *zeroLogger) WithComponent(component string) Logger {
	return &zeroLogger{logger: z.logger.With().Str("component", component).Logger()}
}

func (z *zeroLogger) WithFields(fields map[string]interface{}) Logger {
	ctx := z.logger.With()
	for key, value := range fields {
		ctx = ctx.Interface(key, value)
	}

	return &zeroLogger{logger: ctx.Logger()}
}

func (z *zeroLogger) SetLevel(level zerolog.Level) {
	z.logger = z.logger.Level(level)
}
