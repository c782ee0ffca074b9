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
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fateworks/pik/api/types"
	"github.com/fateworks/pik/lib/backend"
	"github.com/fateworks/pik/lib/events"
)

// testEnv wires the shared fixtures the service tests use.
type testEnv struct {
	backend *backend.Backend
	ledger  *events.Ledger
	bus     *events.Bus
	config  *ConfigService
	clock   *clockwork.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	b, err := backend.NewMemory(context.Background(), clock)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	bus := events.NewBus(events.BusConfig{})
	return &testEnv{
		backend: b,
		ledger:  events.NewLedger(b, bus, clock),
		bus:     bus,
		config:  NewConfigService(b),
		clock:   clock,
	}
}

func (env *testEnv) createRoot(t *testing.T, id string) *types.RootIdentity {
	t.Helper()
	root := &types.RootIdentity{
		ID: id, HeroName: "Kaelen", FateAlignment: "chaos",
		FateLevel: 1, Status: types.IdentityActive,
		EnrolledBy: "operator", EnrolledAt: env.clock.Now().UTC(),
	}
	err := env.backend.InTransaction(context.Background(), func(tx *sql.Tx) error {
		return env.backend.CreateRootIdentity(context.Background(), tx, root)
	})
	require.NoError(t, err)
	return root
}

var apiKeyPattern = regexp.MustCompile(`^pik_[0-9a-f]{48}$`)

func TestSourceRegisterAndAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	registry := NewSourceRegistry(env.backend, env.clock)

	source, key, err := registry.Register(ctx, "arena-of-fates", "Arena of Fates")
	require.NoError(t, err)
	require.Equal(t, "arena-of-fates", source.ID)
	require.Equal(t, types.SourceActive, source.Status)
	require.Regexp(t, apiKeyPattern, key)

	got, err := registry.Authenticate(ctx, key)
	require.NoError(t, err)
	require.Equal(t, source.ID, got.ID)

	// Wrong key, empty key and suspended source all fail alike.
	_, err = registry.Authenticate(ctx, "pik_000000000000000000000000000000000000000000000000")
	require.True(t, trace.IsNotFound(err))
	_, err = registry.Authenticate(ctx, "")
	require.True(t, trace.IsAccessDenied(err))

	_, err = registry.SetStatus(ctx, "arena-of-fates", types.SourceSuspended)
	require.NoError(t, err)
	_, err = registry.Authenticate(ctx, key)
	require.True(t, trace.IsNotFound(err))
}

func TestSourceRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	registry := NewSourceRegistry(env.backend, env.clock)

	for _, id := range []string{"", "ab", "-leading", "trailing-", "UPPER", "has space", "bad_underscore"} {
		_, _, err := registry.Register(ctx, id, "Name")
		require.True(t, trace.IsBadParameter(err), "id %q should be rejected", id)
	}
	_, _, err := registry.Register(ctx, "valid-id", "  ")
	require.True(t, trace.IsBadParameter(err))

	_, _, err = registry.Register(ctx, "valid-id", "Valid")
	require.NoError(t, err)
	// Duplicate ids conflict.
	_, _, err = registry.Register(ctx, "valid-id", "Valid Again")
	require.True(t, trace.IsAlreadyExists(err))
}

func TestSourceKeyRotation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	registry := NewSourceRegistry(env.backend, env.clock)

	_, oldKey, err := registry.Register(ctx, "guild-hall", "Guild Hall")
	require.NoError(t, err)

	_, newKey, err := registry.RotateKey(ctx, "guild-hall")
	require.NoError(t, err)
	require.NotEqual(t, oldKey, newKey)
	require.Regexp(t, apiKeyPattern, newKey)

	// The old key stops authenticating as soon as rotation commits.
	_, err = registry.Authenticate(ctx, oldKey)
	require.True(t, trace.IsNotFound(err))
	got, err := registry.Authenticate(ctx, newKey)
	require.NoError(t, err)
	require.Equal(t, "guild-hall", got.ID)

	_, _, err = registry.RotateKey(ctx, "no-such-source")
	require.True(t, trace.IsNotFound(err))
}

func TestSourceStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	registry := NewSourceRegistry(env.backend, env.clock)

	_, _, err := registry.Register(ctx, "guild-hall", "Guild Hall")
	require.NoError(t, err)

	_, err = registry.SetStatus(ctx, "guild-hall", types.SourceStatus("haunted"))
	require.True(t, trace.IsBadParameter(err))

	source, err := registry.SetStatus(ctx, "guild-hall", types.SourceDeactivated)
	require.NoError(t, err)
	require.Equal(t, types.SourceDeactivated, source.Status)

	sources, err := registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 1)
}
