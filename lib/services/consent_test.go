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
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/fateworks/pik"
	"github.com/fateworks/pik/api/types"
)

func (env *testEnv) createSource(t *testing.T, id string) {
	t.Helper()
	registry := NewSourceRegistry(env.backend, env.clock)
	_, _, err := registry.Register(context.Background(), id, "Source "+id)
	require.NoError(t, err)
}

func TestConsentGrant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRoot(t, "root_1")
	env.createSource(t, "arena-of-fates")
	consent := NewConsent(env.backend, env.ledger, env.config, env.clock)

	sub, err := env.bus.Subscribe()
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	link, err := consent.Grant(ctx, "root_1", GrantParams{
		SourceID: "arena-of-fates", GrantedBy: "root_1",
	})
	require.NoError(t, err)
	require.Equal(t, types.LinkActive, link.Status)
	// The default scope comes from runtime config.
	require.Equal(t, "progression:write", link.Scope)

	select {
	case ev := <-sub.Events():
		require.Equal(t, pik.EventSourceLinkGranted, ev.Type)
	default:
		t.Fatal("grant did not publish a ledger event")
	}

	// A second active link for the same pair conflicts.
	_, err = consent.Grant(ctx, "root_1", GrantParams{
		SourceID: "arena-of-fates", GrantedBy: "root_1",
	})
	require.True(t, trace.IsAlreadyExists(err))

	active, err := consent.ActiveLink(ctx, nil, "root_1", "arena-of-fates")
	require.NoError(t, err)
	require.Equal(t, link.ID, active.ID)
}

func TestConsentGrantValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRoot(t, "root_1")
	env.createSource(t, "arena-of-fates")
	consent := NewConsent(env.backend, env.ledger, env.config, env.clock)

	_, err := consent.Grant(ctx, "root_1", GrantParams{GrantedBy: "root_1"})
	require.True(t, trace.IsBadParameter(err))
	_, err = consent.Grant(ctx, "root_1", GrantParams{SourceID: "arena-of-fates"})
	require.True(t, trace.IsBadParameter(err))
	_, err = consent.Grant(ctx, "root_missing", GrantParams{SourceID: "arena-of-fates", GrantedBy: "x"})
	require.True(t, trace.IsNotFound(err))
	_, err = consent.Grant(ctx, "root_1", GrantParams{SourceID: "no-such-source", GrantedBy: "x"})
	require.True(t, trace.IsNotFound(err))

	registry := NewSourceRegistry(env.backend, env.clock)
	_, err = registry.SetStatus(ctx, "arena-of-fates", types.SourceSuspended)
	require.NoError(t, err)
	_, err = consent.Grant(ctx, "root_1", GrantParams{SourceID: "arena-of-fates", GrantedBy: "x"})
	require.True(t, trace.IsBadParameter(err))
}

func TestConsentRevoke(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRoot(t, "root_1")
	env.createRoot(t, "root_2")
	env.createSource(t, "arena-of-fates")
	consent := NewConsent(env.backend, env.ledger, env.config, env.clock)

	link, err := consent.Grant(ctx, "root_1", GrantParams{
		SourceID: "arena-of-fates", GrantedBy: "root_1",
	})
	require.NoError(t, err)

	// A link belongs to its root; other roots cannot see it.
	_, err = consent.Revoke(ctx, "root_2", link.ID, RevokeParams{})
	require.True(t, trace.IsNotFound(err))

	revoked, err := consent.Revoke(ctx, "root_1", link.ID, RevokeParams{RevokedBy: "root_1"})
	require.NoError(t, err)
	require.Equal(t, types.LinkRevoked, revoked.Status)
	require.Equal(t, "root_1", revoked.RevokedBy)
	require.NotNil(t, revoked.RevokedAt)

	_, err = consent.ActiveLink(ctx, nil, "root_1", "arena-of-fates")
	require.True(t, trace.IsNotFound(err))

	// Revoking twice is a bad request, not a crash.
	_, err = consent.Revoke(ctx, "root_1", link.ID, RevokeParams{})
	require.True(t, trace.IsBadParameter(err))

	// A fresh grant after revocation is allowed.
	fresh, err := consent.Grant(ctx, "root_1", GrantParams{
		SourceID: "arena-of-fates", GrantedBy: "root_1",
	})
	require.NoError(t, err)
	require.NotEqual(t, link.ID, fresh.ID)

	links, err := consent.ListLinks(ctx, "root_1")
	require.NoError(t, err)
	require.Len(t, links, 2)
}
