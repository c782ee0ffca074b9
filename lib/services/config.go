/*
Copyright 2025 Fateworks, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package services

import (
	"context"
	"log/slog"
	"math"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/fateworks/pik/lib/backend"
	"github.com/fateworks/pik/lib/defaults"
)

// ConfigService reads and writes the stringly-typed runtime tunables.
// The key set is fixed at the seed list; unknown keys are rejected on
// write. Values are read from the store on every call so a change
// takes effect on the next read.
type ConfigService struct {
	backend *backend.Backend
	logger  *slog.Logger
}

// NewConfigService wires the config service.
func NewConfigService(b *backend.Backend) *ConfigService {
	return &ConfigService{
		backend: b,
		logger:  slog.With("component", "config"),
	}
}

// GetAll returns every tunable, parsing values that read cleanly as
// finite numbers into numbers and leaving the rest as strings.
func (s *ConfigService) GetAll(ctx context.Context) (map[string]interface{}, error) {
	raw, err := s.backend.GetAllConfig(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make(map[string]interface{}, len(raw))
	for key, value := range raw {
		if f, err := strconv.ParseFloat(value, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			out[key] = f
			continue
		}
		out[key] = value
	}
	return out, nil
}

// Update sets one known key. Writes to unknown keys fail with a
// bad-request.
func (s *ConfigService) Update(ctx context.Context, key, value string) error {
	if _, known := defaults.RuntimeConfig[key]; !known {
		return trace.BadParameter("unknown config key %q", key)
	}
	if err := s.backend.SetConfigValue(ctx, key, value); err != nil {
		return trace.Wrap(err)
	}
	s.logger.InfoContext(ctx, "Updated config", "key", key, "value", value)
	return nil
}

// Float reads a key as float64, falling back on a missing or
// unparsable value.
func (s *ConfigService) Float(ctx context.Context, key string, fallback float64) float64 {
	raw, err := s.backend.GetConfigValue(ctx, key)
	if err != nil {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		s.logger.Warn("Unparsable numeric config value", "key", key, "value", raw)
		return fallback
	}
	return f
}

// Int reads a key as int64, falling back on a missing or unparsable
// value.
func (s *ConfigService) Int(ctx context.Context, key string, fallback int64) int64 {
	f := s.Float(ctx, key, float64(fallback))
	return int64(f)
}

// String reads a key as a string with a fallback.
func (s *ConfigService) String(ctx context.Context, key, fallback string) string {
	raw, err := s.backend.GetConfigValue(ctx, key)
	if err != nil {
		return fallback
	}
	return raw
}
