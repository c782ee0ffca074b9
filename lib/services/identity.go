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
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fateworks/pik"
	"github.com/fateworks/pik/api/types"
	"github.com/fateworks/pik/lib/backend"
	"github.com/fateworks/pik/lib/defaults"
	"github.com/fateworks/pik/lib/events"
)

// Identity manages root identity lifecycle outside the passkey
// ceremonies: operator enrollment, profile updates and title
// equipping.
type Identity struct {
	backend *backend.Backend
	ledger  *events.Ledger
	config  *ConfigService
	clock   clockwork.Clock
	logger  *slog.Logger
}

// NewIdentity builds the identity service.
func NewIdentity(b *backend.Backend, ledger *events.Ledger, config *ConfigService, clock clockwork.Clock) *Identity {
	return &Identity{
		backend: b,
		ledger:  ledger,
		config:  config,
		clock:   clock,
		logger:  slog.With(pik.ComponentKey, pik.ComponentIdentity),
	}
}

// EnrollParams describes an operator enrollment.
type EnrollParams struct {
	HeroName      string `json:"hero_name"`
	FateAlignment string `json:"fate_alignment"`
	Origin        string `json:"origin,omitempty"`
	EnrolledBy    string `json:"enrolled_by"`
	SourceID      string `json:"source_id,omitempty"`
}

// EnrollResult is the created identity.
type EnrollResult struct {
	Root    *types.RootIdentity `json:"identity"`
	Persona *types.Persona      `json:"persona"`
	LinkID  string              `json:"link_id,omitempty"`
}

// Enroll creates a root identity, its primary persona and the
// enrollment ledger row in one transaction. When a source id is given
// and the source is active, a consent link is granted in the same
// transaction.
func (s *Identity) Enroll(ctx context.Context, p EnrollParams) (*EnrollResult, error) {
	p.HeroName = strings.TrimSpace(p.HeroName)
	if p.HeroName == "" {
		return nil, trace.BadParameter("missing hero_name")
	}
	if p.EnrolledBy == "" {
		return nil, trace.BadParameter("missing enrolled_by")
	}

	now := s.clock.Now()
	root := &types.RootIdentity{
		ID:            "root_" + uuid.NewString(),
		HeroName:      p.HeroName,
		FateAlignment: p.FateAlignment,
		Origin:        p.Origin,
		FateXP:        0,
		FateLevel:     1,
		Status:        types.IdentityActive,
		EnrolledBy:    p.EnrolledBy,
		EnrolledAt:    now,
	}
	persona := &types.Persona{
		ID:        "per_" + uuid.NewString(),
		RootID:    root.ID,
		Name:      p.HeroName,
		Primary:   true,
		CreatedAt: now,
	}
	result := &EnrollResult{Root: root, Persona: persona}

	var pending []*types.IdentityEvent
	err := s.backend.InTransaction(ctx, func(tx *sql.Tx) error {
		if err := s.backend.CreateRootIdentity(ctx, tx, root); err != nil {
			return trace.Wrap(err)
		}
		if err := s.backend.CreatePersona(ctx, tx, persona); err != nil {
			return trace.Wrap(err)
		}
		evt, err := s.ledger.Append(ctx, tx, events.AppendParams{
			RootID: root.ID,
			Type:   pik.EventIdentityEnrolled,
			Payload: map[string]interface{}{
				"hero_name":      root.HeroName,
				"fate_alignment": root.FateAlignment,
				"origin":         root.Origin,
				"enrolled_by":    root.EnrolledBy,
			},
		})
		if err != nil {
			return trace.Wrap(err)
		}
		pending = append(pending, evt)

		if p.SourceID == "" {
			return nil
		}
		source, err := s.backend.GetSource(ctx, tx, p.SourceID)
		if err != nil || source.Status != types.SourceActive {
			s.logger.WarnContext(ctx, "skipping enrollment link for unavailable source",
				"source_id", p.SourceID, "root_id", root.ID)
			return nil
		}
		link := &types.SourceLink{
			ID:        "lnk_" + uuid.NewString(),
			RootID:    root.ID,
			SourceID:  p.SourceID,
			Scope:     s.config.String(ctx, defaults.ConfigDefaultLinkScope, "progression:write"),
			Status:    types.LinkActive,
			GrantedBy: p.EnrolledBy,
			GrantedAt: now,
		}
		if err := s.backend.CreateSourceLink(ctx, tx, link); err != nil {
			return trace.Wrap(err)
		}
		linkEvt, err := s.ledger.Append(ctx, tx, events.AppendParams{
			RootID:   root.ID,
			Type:     pik.EventSourceLinkGranted,
			SourceID: p.SourceID,
			Payload: map[string]interface{}{
				"link_id":    link.ID,
				"scope":      link.Scope,
				"granted_by": link.GrantedBy,
			},
		})
		if err != nil {
			return trace.Wrap(err)
		}
		pending = append(pending, linkEvt)
		result.LinkID = link.ID
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.ledger.EmitAll(pending)
	return result, nil
}

// ProfileUpdate carries the mutable profile fields. Nil pointers
// leave the field unchanged.
type ProfileUpdate struct {
	HeroName      *string `json:"hero_name,omitempty"`
	FateAlignment *string `json:"fate_alignment,omitempty"`
	Origin        *string `json:"origin,omitempty"`
}

// UpdateProfile applies a partial profile update and records the
// changed fields on the ledger.
func (s *Identity) UpdateProfile(ctx context.Context, rootID string, u ProfileUpdate) (*types.RootIdentity, error) {
	root, err := s.backend.GetRootIdentity(ctx, nil, rootID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	changes := map[string]interface{}{}
	if u.HeroName != nil {
		name := strings.TrimSpace(*u.HeroName)
		if name == "" {
			return nil, trace.BadParameter("hero_name cannot be empty")
		}
		root.HeroName = name
		changes["hero_name"] = name
	}
	if u.FateAlignment != nil {
		root.FateAlignment = *u.FateAlignment
		changes["fate_alignment"] = *u.FateAlignment
	}
	if u.Origin != nil {
		root.Origin = *u.Origin
		changes["origin"] = *u.Origin
	}
	if len(changes) == 0 {
		return nil, trace.BadParameter("no fields to update")
	}

	var pending *types.IdentityEvent
	err = s.backend.InTransaction(ctx, func(tx *sql.Tx) error {
		if err := s.backend.UpdateRootProfile(ctx, tx, root); err != nil {
			return trace.Wrap(err)
		}
		evt, err := s.ledger.Append(ctx, tx, events.AppendParams{
			RootID:  root.ID,
			Type:    pik.EventIdentityProfileUpdated,
			Changes: changes,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		pending = evt
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.ledger.Emit(pending)
	return root, nil
}

// EquipTitle sets the displayed title. An empty title id clears it.
// The title must be held by the identity.
func (s *Identity) EquipTitle(ctx context.Context, rootID, titleID string) (*types.RootIdentity, error) {
	root, err := s.backend.GetRootIdentity(ctx, nil, rootID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if titleID != "" {
		held, err := s.backend.HasUserTitle(ctx, nil, rootID, titleID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if !held {
			return nil, trace.BadParameter("title %q is not held", titleID)
		}
	}

	var pending *types.IdentityEvent
	err = s.backend.InTransaction(ctx, func(tx *sql.Tx) error {
		if err := s.backend.SetEquippedTitle(ctx, tx, rootID, titleID); err != nil {
			return trace.Wrap(err)
		}
		evt, err := s.ledger.Append(ctx, tx, events.AppendParams{
			RootID:  rootID,
			Type:    pik.EventIdentityTitleEquipped,
			Changes: map[string]interface{}{"equipped_title_id": titleID},
		})
		if err != nil {
			return trace.Wrap(err)
		}
		pending = evt
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.ledger.Emit(pending)
	root.EquippedTitleID = titleID
	return root, nil
}
