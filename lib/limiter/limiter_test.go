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

package limiter

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// The fake epoch sits exactly on a minute boundary so window math in
// the assertions stays simple.
func newTestLimiter() (*Limiter, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(clock), clock
}

func TestAllowWithinLimit(t *testing.T) {
	l, _ := newTestLimiter()
	p := Policy{Name: "ingest", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		_, err := l.Allow(p, "10.0.0.1")
		require.NoError(t, err, "request %d", i)
	}
	retryAfter, err := l.Allow(p, "10.0.0.1")
	require.True(t, trace.IsLimitExceeded(err))
	require.Equal(t, time.Minute, retryAfter)
}

func TestRetryAfterShrinks(t *testing.T) {
	l, clock := newTestLimiter()
	p := Policy{Name: "ingest", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		_, err := l.Allow(p, "10.0.0.1")
		require.NoError(t, err)
	}
	clock.Advance(45 * time.Second)
	retryAfter, err := l.Allow(p, "10.0.0.1")
	require.True(t, trace.IsLimitExceeded(err))
	require.Equal(t, 15*time.Second, retryAfter)
}

func TestSlidingWindowCarriesPreviousLoad(t *testing.T) {
	l, clock := newTestLimiter()
	p := Policy{Name: "ingest", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		_, err := l.Allow(p, "10.0.0.1")
		require.NoError(t, err)
	}

	// At the window boundary the previous window still counts in full.
	clock.Advance(time.Minute)
	_, err := l.Allow(p, "10.0.0.1")
	require.True(t, trace.IsLimitExceeded(err))

	// Halfway in, the previous window weighs 1.5, leaving room for two
	// requests before the estimate reaches the limit again.
	clock.Advance(30 * time.Second)
	_, err = l.Allow(p, "10.0.0.1")
	require.NoError(t, err)
	_, err = l.Allow(p, "10.0.0.1")
	require.NoError(t, err)
	_, err = l.Allow(p, "10.0.0.1")
	require.True(t, trace.IsLimitExceeded(err))
}

func TestIdleWindowsClearHistory(t *testing.T) {
	l, clock := newTestLimiter()
	p := Policy{Name: "ingest", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		_, err := l.Allow(p, "10.0.0.1")
		require.NoError(t, err)
	}

	// Two idle windows later the full budget is back.
	clock.Advance(2 * time.Minute)
	for i := 0; i < 3; i++ {
		_, err := l.Allow(p, "10.0.0.1")
		require.NoError(t, err, "request %d", i)
	}
}

func TestUnlimitedPolicy(t *testing.T) {
	l, _ := newTestLimiter()
	for i := 0; i < 1000; i++ {
		_, err := l.Allow(Unlimited, "10.0.0.1")
		require.NoError(t, err)
	}
}

func TestClientsAndPoliciesIsolated(t *testing.T) {
	l, _ := newTestLimiter()
	ingest := Policy{Name: "ingest", Limit: 2, Window: time.Minute}
	auth := Policy{Name: "auth", Limit: 2, Window: time.Minute}

	for i := 0; i < 2; i++ {
		_, err := l.Allow(ingest, "10.0.0.1")
		require.NoError(t, err)
	}
	_, err := l.Allow(ingest, "10.0.0.1")
	require.True(t, trace.IsLimitExceeded(err))

	// A different client and a different policy keep their own budgets.
	_, err = l.Allow(ingest, "10.0.0.2")
	require.NoError(t, err)
	_, err = l.Allow(auth, "10.0.0.1")
	require.NoError(t, err)
}

func TestPrune(t *testing.T) {
	l, clock := newTestLimiter()
	p := Policy{Name: "ingest", Limit: 5, Window: time.Minute}

	_, err := l.Allow(p, "10.0.0.1")
	require.NoError(t, err)
	_, err = l.Allow(p, "10.0.0.2")
	require.NoError(t, err)
	require.Len(t, l.counters, 2)

	clock.Advance(30 * time.Second)
	_, err = l.Allow(p, "10.0.0.2")
	require.NoError(t, err)

	// Both counters share the same window start, so a three-minute idle
	// stretch ages them out together.
	clock.Advance(3 * time.Minute)
	l.Prune(2 * time.Minute)
	require.Empty(t, l.counters)
}
