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

package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fateworks/pik/api/types"
	"github.com/fateworks/pik/lib/backend"
)

func newTestReaper(t *testing.T, interval time.Duration) (*Reaper, *backend.Backend, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	b, err := backend.NewMemory(context.Background(), clock)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	r, err := New(Config{Backend: b, Clock: clock, Interval: interval})
	require.NoError(t, err)
	return r, b, clock
}

func seedChallenge(t *testing.T, b *backend.Backend, id string, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, b.CreateChallenge(context.Background(), &types.WebAuthnChallenge{
		ID:        id,
		Challenge: "chal-" + id,
		Type:      types.ChallengeAuthentication,
		ExpiresAt: expiresAt,
		CreatedAt: expiresAt.Add(-5 * time.Minute),
	}))
}

func seedToken(t *testing.T, b *backend.Backend, hash string, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, b.CreateSessionToken(context.Background(), &types.SessionToken{
		TokenHash: hash,
		RootID:    "root_a",
		ExpiresAt: expiresAt,
		CreatedAt: expiresAt.Add(-time.Hour),
	}))
}

func TestSweep(t *testing.T) {
	r, b, clock := newTestReaper(t, time.Minute)
	ctx := context.Background()
	now := clock.Now()

	seedChallenge(t, b, "expired_1", now.Add(-time.Minute))
	seedChallenge(t, b, "expired_2", now.Add(-time.Second))
	seedChallenge(t, b, "live", now.Add(time.Minute))
	seedToken(t, b, "hash_expired", now.Add(-time.Minute))
	seedToken(t, b, "hash_live", now.Add(time.Hour))

	challenges, tokens, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), challenges)
	require.Equal(t, int64(1), tokens)

	// Live rows survive and the consumable challenge still works.
	_, err = b.TakeChallenge(ctx, "chal-live")
	require.NoError(t, err)
	_, err = b.GetSessionToken(ctx, "hash_live")
	require.NoError(t, err)

	// A second sweep finds nothing left to remove.
	challenges, tokens, err = r.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, challenges)
	require.Zero(t, tokens)
}

func TestRunSweepsOnSchedule(t *testing.T) {
	r, b, clock := newTestReaper(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	now := clock.Now()

	// Already expired at startup, reaped by the initial sweep.
	seedChallenge(t, b, "startup", now.Add(-time.Second))
	// Expires between the first and second tick.
	seedToken(t, b, "hash_later", now.Add(90*time.Second))

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	// Wait for the run loop to reach its ticker, then let two intervals
	// pass.
	clock.BlockUntil(1)
	require.Eventually(t, func() bool {
		_, err := b.GetSessionToken(context.Background(), "hash_later")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	clock.Advance(time.Minute)
	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		_, err := b.GetSessionToken(context.Background(), "hash_later")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not stop on context cancel")
	}
}
