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
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/fateworks/pik"
	"github.com/fateworks/pik/api/types"
)

func TestEnroll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	identity := NewIdentity(env.backend, env.ledger, env.config, env.clock)

	result, err := identity.Enroll(ctx, EnrollParams{
		HeroName:      "  Kaelen  ",
		FateAlignment: "chaos",
		Origin:        "ashfall",
		EnrolledBy:    "operator",
	})
	require.NoError(t, err)
	require.Equal(t, "Kaelen", result.Root.HeroName)
	require.Equal(t, 1, result.Root.FateLevel)
	require.Zero(t, result.Root.FateXP)
	require.True(t, result.Persona.Primary)
	require.Equal(t, result.Root.ID, result.Persona.RootID)
	require.Empty(t, result.LinkID)

	// Root, persona and ledger row all landed.
	stored, err := env.backend.GetRootIdentity(ctx, nil, result.Root.ID)
	require.NoError(t, err)
	require.Equal(t, types.IdentityActive, stored.Status)
	persona, err := env.backend.GetPrimaryPersona(ctx, result.Root.ID)
	require.NoError(t, err)
	require.Equal(t, result.Persona.ID, persona.ID)
	n, err := env.ledger.CountByType(ctx, result.Root.ID, pik.EventIdentityEnrolled)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestEnrollValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	identity := NewIdentity(env.backend, env.ledger, env.config, env.clock)

	_, err := identity.Enroll(ctx, EnrollParams{EnrolledBy: "operator"})
	require.True(t, trace.IsBadParameter(err))
	_, err = identity.Enroll(ctx, EnrollParams{HeroName: "   ", EnrolledBy: "operator"})
	require.True(t, trace.IsBadParameter(err))
	_, err = identity.Enroll(ctx, EnrollParams{HeroName: "Kaelen"})
	require.True(t, trace.IsBadParameter(err))
}

func TestEnrollWithSourceLink(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createSource(t, "arena-of-fates")
	identity := NewIdentity(env.backend, env.ledger, env.config, env.clock)

	result, err := identity.Enroll(ctx, EnrollParams{
		HeroName:   "Kaelen",
		EnrolledBy: "operator",
		SourceID:   "arena-of-fates",
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.LinkID)

	link, err := env.backend.GetActiveSourceLink(ctx, nil, result.Root.ID, "arena-of-fates")
	require.NoError(t, err)
	require.Equal(t, result.LinkID, link.ID)
	require.Equal(t, "progression:write", link.Scope)

	// An unknown source does not fail the enrollment; it just skips
	// the link.
	result, err = identity.Enroll(ctx, EnrollParams{
		HeroName:   "Brahm",
		EnrolledBy: "operator",
		SourceID:   "no-such-source",
	})
	require.NoError(t, err)
	require.Empty(t, result.LinkID)
}

func TestUpdateProfile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRoot(t, "root_1")
	identity := NewIdentity(env.backend, env.ledger, env.config, env.clock)

	name := "Kaelen the Bold"
	origin := "ashfall"
	updated, err := identity.UpdateProfile(ctx, "root_1", ProfileUpdate{
		HeroName: &name,
		Origin:   &origin,
	})
	require.NoError(t, err)
	require.Equal(t, name, updated.HeroName)
	require.Equal(t, origin, updated.Origin)
	// Untouched fields survive.
	require.Equal(t, "chaos", updated.FateAlignment)

	n, err := env.ledger.CountByType(ctx, "root_1", pik.EventIdentityProfileUpdated)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	empty := "   "
	_, err = identity.UpdateProfile(ctx, "root_1", ProfileUpdate{HeroName: &empty})
	require.True(t, trace.IsBadParameter(err))

	_, err = identity.UpdateProfile(ctx, "root_1", ProfileUpdate{})
	require.True(t, trace.IsBadParameter(err))

	_, err = identity.UpdateProfile(ctx, "root_missing", ProfileUpdate{HeroName: &name})
	require.True(t, trace.IsNotFound(err))
}

func TestEquipTitle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRoot(t, "root_1")
	identity := NewIdentity(env.backend, env.ledger, env.config, env.clock)

	// Equipping a title the root does not hold is rejected.
	_, err := identity.EquipTitle(ctx, "root_1", "title_fate_awakened")
	require.True(t, trace.IsBadParameter(err))

	err = env.backend.InTransaction(ctx, func(tx *sql.Tx) error {
		return env.backend.InsertUserTitle(ctx, tx, &types.UserTitle{
			RootID: "root_1", TitleID: "title_fate_awakened",
			GrantedVia: "level:2", GrantedAt: env.clock.Now().UTC(),
		})
	})
	require.NoError(t, err)

	updated, err := identity.EquipTitle(ctx, "root_1", "title_fate_awakened")
	require.NoError(t, err)
	require.Equal(t, "title_fate_awakened", updated.EquippedTitleID)

	stored, err := env.backend.GetRootIdentity(ctx, nil, "root_1")
	require.NoError(t, err)
	require.Equal(t, "title_fate_awakened", stored.EquippedTitleID)

	// An empty title id clears the display.
	updated, err = identity.EquipTitle(ctx, "root_1", "")
	require.NoError(t, err)
	require.Empty(t, updated.EquippedTitleID)

	n, err := env.ledger.CountByType(ctx, "root_1", pik.EventIdentityTitleEquipped)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}
