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

package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fateworks/pik/api/types"
	"github.com/fateworks/pik/lib/backend"
)

func newTestLedger(t *testing.T) (*Ledger, *backend.Backend, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	b, err := backend.NewMemory(context.Background(), clock)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	bus := NewBus(BusConfig{})
	return NewLedger(b, bus, clock), b, clock
}

func seedRoot(t *testing.T, b *backend.Backend, id string) {
	t.Helper()
	err := b.InTransaction(context.Background(), func(tx *sql.Tx) error {
		return b.CreateRootIdentity(context.Background(), tx, &types.RootIdentity{
			ID: id, HeroName: "Kaelen", FateAlignment: "order",
			FateLevel: 1, Status: types.IdentityActive,
			EnrolledAt: b.Clock().Now().UTC(),
		})
	})
	require.NoError(t, err)
}

func TestLedgerAppendAndEmit(t *testing.T) {
	ledger, b, _ := newTestLedger(t)
	ctx := context.Background()
	seedRoot(t, b, "root_1")

	sub, err := ledger.bus.Subscribe()
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	var appended *types.IdentityEvent
	err = b.InTransaction(ctx, func(tx *sql.Tx) error {
		appended, err = ledger.Append(ctx, tx, AppendParams{
			RootID:   "root_1",
			Type:     "progression.xp_granted",
			SourceID: "arena-of-fates",
			Payload:  map[string]int{"xp": 50},
			Changes:  json.RawMessage(`{"total_xp":50}`),
		})
		return err
	})
	require.NoError(t, err)
	require.NotEmpty(t, appended.ID)
	require.JSONEq(t, `{"xp":50}`, string(appended.Payload))
	require.JSONEq(t, `{"total_xp":50}`, string(appended.Changes))

	// Nothing reaches subscribers before the explicit post-commit Emit.
	select {
	case ev := <-sub.Events():
		t.Fatalf("event %v published before Emit", ev.ID)
	default:
	}

	ledger.Emit(appended)
	select {
	case ev := <-sub.Events():
		require.Equal(t, appended.ID, ev.ID)
		require.Equal(t, "arena-of-fates", ev.SourceID)
	default:
		t.Fatal("event not published after Emit")
	}

	timeline, err := ledger.Timeline(ctx, "root_1")
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	require.Equal(t, appended.ID, timeline[0].ID)
}

func TestLedgerAppendValidation(t *testing.T) {
	ledger, b, _ := newTestLedger(t)
	ctx := context.Background()

	err := b.InTransaction(ctx, func(tx *sql.Tx) error {
		_, err := ledger.Append(ctx, tx, AppendParams{Type: "progression.xp_granted"})
		return err
	})
	require.True(t, trace.IsBadParameter(err))

	err = b.InTransaction(ctx, func(tx *sql.Tx) error {
		_, err := ledger.Append(ctx, tx, AppendParams{RootID: "root_1"})
		return err
	})
	require.True(t, trace.IsBadParameter(err))
}

func TestLedgerRecentAndCounts(t *testing.T) {
	ledger, b, clock := newTestLedger(t)
	ctx := context.Background()
	seedRoot(t, b, "root_1")

	for i := 0; i < 3; i++ {
		eventType := "progression.xp_granted"
		if i == 0 {
			eventType = "identity.enrolled"
		}
		err := b.InTransaction(ctx, func(tx *sql.Tx) error {
			_, err := ledger.Append(ctx, tx, AppendParams{RootID: "root_1", Type: eventType})
			return err
		})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	recent, err := ledger.Recent(ctx, "root_1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "progression.xp_granted", recent[0].Type)

	n, err := ledger.CountByType(ctx, "root_1", "progression.xp_granted")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	total, err := ledger.TotalCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), total)

	grouped, err := ledger.CountsByType(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), grouped["identity.enrolled"])
}

func TestEmitNilEvent(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	// A nil row is a no-op rather than a panic.
	ledger.Emit(nil)
	ledger.EmitAll(nil)
}
