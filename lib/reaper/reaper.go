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

// Package reaper deletes expired webauthn challenges and session
// tokens on a fixed schedule.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fateworks/pik"
	"github.com/fateworks/pik/lib/backend"
	"github.com/fateworks/pik/lib/defaults"
)

// Config groups the reaper dependencies.
type Config struct {
	Backend  *backend.Backend
	Clock    clockwork.Clock
	Interval time.Duration
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing Backend")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Interval == 0 {
		c.Interval = defaults.ReaperInterval
	}
	return nil
}

// Reaper removes expired rows.
type Reaper struct {
	cfg    Config
	logger *slog.Logger
}

// New builds a reaper.
func New(cfg Config) (*Reaper, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Reaper{
		cfg:    cfg,
		logger: slog.With(pik.ComponentKey, pik.ComponentReaper),
	}, nil
}

// Run sweeps once immediately, then on every tick until the context
// is canceled. Sweep failures are logged and retried on the next
// tick.
func (r *Reaper) Run(ctx context.Context) {
	r.sweep(ctx)
	ticker := r.cfg.Clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.sweep(ctx)
		}
	}
}

// Sweep deletes rows whose expiry is in the past and reports how many
// were removed.
func (r *Reaper) Sweep(ctx context.Context) (challenges, tokens int64, err error) {
	now := r.cfg.Clock.Now()
	challenges, err = r.cfg.Backend.DeleteExpiredChallenges(ctx, now)
	if err != nil {
		return 0, 0, trace.Wrap(err)
	}
	tokens, err = r.cfg.Backend.DeleteExpiredSessionTokens(ctx, now)
	if err != nil {
		return challenges, 0, trace.Wrap(err)
	}
	return challenges, tokens, nil
}

func (r *Reaper) sweep(ctx context.Context) {
	challenges, tokens, err := r.Sweep(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "sweep failed", "error", err)
		return
	}
	if challenges > 0 || tokens > 0 {
		r.logger.InfoContext(ctx, "reaped expired rows",
			"challenges", challenges, "session_tokens", tokens)
	}
}
