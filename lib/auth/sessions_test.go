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

package auth

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fateworks/pik/api/types"
	"github.com/fateworks/pik/lib/backend"
	"github.com/fateworks/pik/lib/defaults"
	"github.com/fateworks/pik/lib/events"
	"github.com/fateworks/pik/lib/httplib"
	"github.com/fateworks/pik/lib/services"
)

type testEnv struct {
	backend *backend.Backend
	ledger  *events.Ledger
	config  *services.ConfigService
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
		config:  services.NewConfigService(b),
		clock:   clock,
	}
}

func (env *testEnv) createRoot(t *testing.T, id string) {
	t.Helper()
	err := env.backend.InTransaction(context.Background(), func(tx *sql.Tx) error {
		return env.backend.CreateRootIdentity(context.Background(), tx, &types.RootIdentity{
			ID: id, HeroName: "Kaelen", FateAlignment: "order",
			FateLevel: 1, Status: types.IdentityActive,
			EnrolledAt: env.clock.Now().UTC(),
		})
	})
	require.NoError(t, err)
}

func TestSessionIssueAndValidate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRoot(t, "root_1")
	sessions := NewSessions(env.backend, env.config, env.clock)

	token, expiresAt, err := sessions.Issue(ctx, "root_1")
	require.NoError(t, err)
	// 32 random bytes as lowercase hex.
	require.Regexp(t, `^[0-9a-f]{64}$`, token)
	// The TTL comes from runtime config, seeded at one hour.
	require.Equal(t, env.clock.Now().UTC().Add(time.Hour), expiresAt)

	rootID, err := sessions.Validate(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "root_1", rootID)

	// Two issues never collide.
	second, _, err := sessions.Issue(ctx, "root_1")
	require.NoError(t, err)
	require.NotEqual(t, token, second)
}

func TestSessionValidateFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRoot(t, "root_1")
	sessions := NewSessions(env.backend, env.config, env.clock)

	_, err := sessions.Validate(ctx, "")
	require.True(t, httplib.IsUnauthorized(err))
	_, err = sessions.Validate(ctx, "deadbeef")
	require.True(t, httplib.IsUnauthorized(err))

	token, _, err := sessions.Issue(ctx, "root_1")
	require.NoError(t, err)

	// Validation right at expiry fails; unknown and expired tokens
	// are indistinguishable to the caller.
	env.clock.Advance(time.Hour)
	_, err = sessions.Validate(ctx, token)
	require.True(t, httplib.IsUnauthorized(err))
}

func TestSessionTTLFromConfig(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRoot(t, "root_1")
	require.NoError(t, env.config.Update(ctx, defaults.ConfigSessionTokenTTL, "60"))
	sessions := NewSessions(env.backend, env.config, env.clock)

	token, expiresAt, err := sessions.Issue(ctx, "root_1")
	require.NoError(t, err)
	require.Equal(t, env.clock.Now().UTC().Add(time.Minute), expiresAt)

	env.clock.Advance(59 * time.Second)
	_, err = sessions.Validate(ctx, token)
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	_, err = sessions.Validate(ctx, token)
	require.True(t, httplib.IsUnauthorized(err))
}
