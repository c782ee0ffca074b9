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

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fateworks/pik"
	"github.com/fateworks/pik/api/types"
	"github.com/fateworks/pik/lib/backend"
	"github.com/fateworks/pik/lib/defaults"
	"github.com/fateworks/pik/lib/events"
)

// Consent manages source links: per-(root, source) permission
// receipts. Ingest requires an active link; revocation blocks future
// ingest while preserving past progression.
type Consent struct {
	backend *backend.Backend
	ledger  *events.Ledger
	config  *ConfigService
	clock   clockwork.Clock
}

// NewConsent wires the consent service.
func NewConsent(b *backend.Backend, ledger *events.Ledger, config *ConfigService, clock clockwork.Clock) *Consent {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Consent{backend: b, ledger: ledger, config: config, clock: clock}
}

// GrantParams describes a link grant.
type GrantParams struct {
	SourceID  string `json:"source_id"`
	GrantedBy string `json:"granted_by"`
	Scope     string `json:"scope,omitempty"`
}

// Grant creates an active link from root to source and appends
// source.link_granted in the same transaction.
func (c *Consent) Grant(ctx context.Context, rootID string, p GrantParams) (*types.SourceLink, error) {
	if p.SourceID == "" {
		return nil, trace.BadParameter("missing source_id")
	}
	if p.GrantedBy == "" {
		return nil, trace.BadParameter("missing granted_by")
	}
	root, err := c.backend.GetRootIdentity(ctx, nil, rootID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if root.Status != types.IdentityActive {
		return nil, trace.BadParameter("root identity %q is not active", rootID)
	}
	source, err := c.backend.GetSource(ctx, nil, p.SourceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if source.Status != types.SourceActive {
		return nil, trace.BadParameter("source %q is not active", p.SourceID)
	}
	if existing, err := c.backend.GetActiveSourceLink(ctx, nil, rootID, p.SourceID); err == nil {
		return nil, trace.AlreadyExists("active link %q already grants %q access to %q",
			existing.ID, p.SourceID, rootID)
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	scope := p.Scope
	if scope == "" {
		scope = c.config.String(ctx, defaults.ConfigDefaultLinkScope, "progression:write")
	}

	link := &types.SourceLink{
		ID:        "lnk_" + uuid.NewString(),
		RootID:    rootID,
		SourceID:  p.SourceID,
		Scope:     scope,
		Status:    types.LinkActive,
		GrantedBy: p.GrantedBy,
		GrantedAt: c.clock.Now().UTC(),
	}
	var event *types.IdentityEvent
	err = c.backend.InTransaction(ctx, func(tx *sql.Tx) error {
		if err := c.backend.CreateSourceLink(ctx, tx, link); err != nil {
			return trace.Wrap(err)
		}
		event, err = c.ledger.Append(ctx, tx, events.AppendParams{
			RootID:   rootID,
			Type:     pik.EventSourceLinkGranted,
			SourceID: p.SourceID,
			Payload: map[string]string{
				"link_id":    link.ID,
				"scope":      scope,
				"granted_by": p.GrantedBy,
			},
		})
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.ledger.Emit(event)
	return link, nil
}

// RevokeParams describes a link revocation.
type RevokeParams struct {
	RevokedBy string `json:"revoked_by,omitempty"`
}

// Revoke transitions an active link to revoked and appends
// source.link_revoked in the same transaction.
func (c *Consent) Revoke(ctx context.Context, rootID, linkID string, p RevokeParams) (*types.SourceLink, error) {
	link, err := c.backend.GetSourceLink(ctx, nil, linkID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if link.RootID != rootID {
		return nil, trace.NotFound("link %q not found for root %q", linkID, rootID)
	}
	if link.Status != types.LinkActive {
		return nil, trace.BadParameter("link %q is already revoked", linkID)
	}
	revokedBy := p.RevokedBy
	if revokedBy == "" {
		revokedBy = "operator"
	}
	now := c.clock.Now().UTC()

	var event *types.IdentityEvent
	err = c.backend.InTransaction(ctx, func(tx *sql.Tx) error {
		if err := c.backend.RevokeSourceLink(ctx, tx, linkID, revokedBy, now); err != nil {
			return trace.Wrap(err)
		}
		event, err = c.ledger.Append(ctx, tx, events.AppendParams{
			RootID:   rootID,
			Type:     pik.EventSourceLinkRevoked,
			SourceID: link.SourceID,
			Payload: map[string]string{
				"link_id":    linkID,
				"revoked_by": revokedBy,
			},
		})
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.ledger.Emit(event)
	link.Status = types.LinkRevoked
	link.RevokedBy = revokedBy
	link.RevokedAt = &now
	return link, nil
}

// ActiveLink returns the active link for (root, source), or NotFound.
// The ingest engine converts the miss into an access-denied reply.
func (c *Consent) ActiveLink(ctx context.Context, tx *sql.Tx, rootID, sourceID string) (*types.SourceLink, error) {
	link, err := c.backend.GetActiveSourceLink(ctx, tx, rootID, sourceID)
	return link, trace.Wrap(err)
}

// ListLinks returns all of a root's links.
func (c *Consent) ListLinks(ctx context.Context, rootID string) ([]types.SourceLink, error) {
	if _, err := c.backend.GetRootIdentity(ctx, nil, rootID); err != nil {
		return nil, trace.Wrap(err)
	}
	links, err := c.backend.ListSourceLinks(ctx, rootID)
	return links, trace.Wrap(err)
}
