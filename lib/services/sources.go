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

// Package services implements the kernel's feature services on top of
// the backend: source registry, consent links, and runtime config.
package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fateworks/pik"
	"github.com/fateworks/pik/api/types"
	"github.com/fateworks/pik/lib/backend"
	"github.com/fateworks/pik/lib/defaults"
)

// SourceRegistry manages upstream sources and their API keys. A
// source's key exists in plaintext only in the registration or
// rotation response; the store keeps its SHA-256.
type SourceRegistry struct {
	backend *backend.Backend
	clock   clockwork.Clock
	logger  *slog.Logger
}

// NewSourceRegistry wires a registry to the backend.
func NewSourceRegistry(b *backend.Backend, clock clockwork.Clock) *SourceRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SourceRegistry{
		backend: b,
		clock:   clock,
		logger:  slog.With(pik.ComponentKey, pik.ComponentSources),
	}
}

// Register creates a source with a caller-chosen id and returns the
// record along with the plaintext API key, exactly once.
func (r *SourceRegistry) Register(ctx context.Context, id, name string) (*types.Source, string, error) {
	if err := types.ValidateSourceID(id); err != nil {
		return nil, "", trace.Wrap(err)
	}
	if strings.TrimSpace(name) == "" {
		return nil, "", trace.BadParameter("missing source name")
	}
	plaintext, hash, err := generateAPIKey()
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	source := &types.Source{
		ID:         id,
		Name:       name,
		Status:     types.SourceActive,
		APIKeyHash: hash,
		CreatedAt:  r.clock.Now().UTC(),
	}
	if err := r.backend.CreateSource(ctx, source); err != nil {
		return nil, "", trace.Wrap(err)
	}
	r.logger.InfoContext(ctx, "Registered source", "source_id", id)
	return source, plaintext, nil
}

// RotateKey replaces the source's API key atomically. The previous
// key stops authenticating on the next request.
func (r *SourceRegistry) RotateKey(ctx context.Context, id string) (*types.Source, string, error) {
	source, err := r.backend.GetSource(ctx, nil, id)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	plaintext, hash, err := generateAPIKey()
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	if err := r.backend.UpdateSourceKeyHash(ctx, id, hash); err != nil {
		return nil, "", trace.Wrap(err)
	}
	source.APIKeyHash = hash
	r.logger.InfoContext(ctx, "Rotated source API key", "source_id", id)
	return source, plaintext, nil
}

// SetStatus transitions a source among active, suspended and
// deactivated. Only active sources authenticate.
func (r *SourceRegistry) SetStatus(ctx context.Context, id string, status types.SourceStatus) (*types.Source, error) {
	if err := status.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := r.backend.UpdateSourceStatus(ctx, id, status); err != nil {
		return nil, trace.Wrap(err)
	}
	r.logger.InfoContext(ctx, "Changed source status", "source_id", id, "status", string(status))
	return r.backend.GetSource(ctx, nil, id)
}

// Get fetches one source by id.
func (r *SourceRegistry) Get(ctx context.Context, id string) (*types.Source, error) {
	source, err := r.backend.GetSource(ctx, nil, id)
	return source, trace.Wrap(err)
}

// List returns all sources.
func (r *SourceRegistry) List(ctx context.Context) ([]types.Source, error) {
	sources, err := r.backend.ListSources(ctx)
	return sources, trace.Wrap(err)
}

// Authenticate resolves a presented plaintext API key to an active
// source. Missing header, unknown key, and suspended source all fail
// with the same message so a caller learns nothing from the reply.
func (r *SourceRegistry) Authenticate(ctx context.Context, plaintext string) (*types.Source, error) {
	if plaintext == "" {
		return nil, trace.AccessDenied("invalid API key")
	}
	source, err := r.backend.GetActiveSourceByKeyHash(ctx, HashAPIKey(plaintext))
	return source, trace.Wrap(err)
}

// HashAPIKey returns the at-rest form of a plaintext API key.
func HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// generateAPIKey mints a key of the form pik_ + 48 hex characters and
// returns it with its hash.
func generateAPIKey() (plaintext, hash string, err error) {
	buf := make([]byte, defaults.APIKeyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", trace.Wrap(err)
	}
	plaintext = pik.APIKeyPrefix + hex.EncodeToString(buf)
	return plaintext, HashAPIKey(plaintext), nil
}
