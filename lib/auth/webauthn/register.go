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

package webauthn

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	wan "github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/fateworks/pik"
	"github.com/fateworks/pik/api/types"
	"github.com/fateworks/pik/lib/defaults"
	"github.com/fateworks/pik/lib/events"
)

// registrationMetadata rides inside the stored challenge row and
// carries the enrollment intent between the two ceremony phases.
type registrationMetadata struct {
	HeroName      string `json:"hero_name,omitempty"`
	FateAlignment string `json:"fate_alignment,omitempty"`
	Origin        string `json:"origin,omitempty"`
	SourceID      string `json:"source_id,omitempty"`
	KeyName       string `json:"key_name,omitempty"`
	// ProvisionalRoot is the root id the identity will receive if the
	// ceremony completes. Nothing is persisted under it until then.
	ProvisionalRoot string `json:"provisional_root,omitempty"`
}

// EnrollmentOptions is returned by the begin phase of enrollment.
type EnrollmentOptions struct {
	Options *protocol.CredentialCreation `json:"options"`
	RootID  string                       `json:"root_id"`
}

// BeginEnrollment starts the registration ceremony for a brand-new
// identity. The root id is provisional until the ceremony finishes.
func (e *Engine) BeginEnrollment(ctx context.Context, heroName, fateAlignment, origin, sourceID string) (*EnrollmentOptions, error) {
	heroName = strings.TrimSpace(heroName)
	if heroName == "" {
		return nil, trace.BadParameter("missing hero_name")
	}
	provisional := "root_" + uuid.NewString()

	u := &user{id: provisional, name: heroName}
	creation, _, err := e.web.BeginRegistration(u)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	meta := registrationMetadata{
		HeroName:        heroName,
		FateAlignment:   fateAlignment,
		Origin:          origin,
		SourceID:        sourceID,
		ProvisionalRoot: provisional,
	}
	if err := e.storeChallenge(ctx, creation.Response.Challenge.String(), types.ChallengeRegistration, "", meta); err != nil {
		return nil, trace.Wrap(err)
	}
	return &EnrollmentOptions{Options: creation, RootID: provisional}, nil
}

// BeginRotation starts registration of an additional passkey for an
// existing identity. Credentials already on file are excluded so the
// authenticator offers a fresh one.
func (e *Engine) BeginRotation(ctx context.Context, rootID, keyName string) (*protocol.CredentialCreation, error) {
	root, err := e.cfg.Backend.GetRootIdentity(ctx, nil, rootID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if root.Status != types.IdentityActive {
		return nil, trace.BadParameter("identity %q is not active", rootID)
	}
	keys, err := e.cfg.Backend.ListActiveAuthKeys(ctx, rootID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	exclusions, err := descriptorsFromKeys(keys)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	u := &user{id: root.ID, name: root.HeroName}
	creation, _, err := e.web.BeginRegistration(u, wan.WithExclusions(exclusions))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	meta := registrationMetadata{KeyName: keyName}
	if err := e.storeChallenge(ctx, creation.Response.Challenge.String(), types.ChallengeRegistration, root.ID, meta); err != nil {
		return nil, trace.Wrap(err)
	}
	return creation, nil
}

func (e *Engine) storeChallenge(ctx context.Context, challenge string, typ types.ChallengeType, rootID string, meta interface{}) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return trace.Wrap(err)
	}
	now := e.cfg.Clock.Now()
	return trace.Wrap(e.cfg.Backend.CreateChallenge(ctx, &types.WebAuthnChallenge{
		ID:        "chal_" + uuid.NewString(),
		Challenge: challenge,
		Type:      typ,
		RootID:    rootID,
		Metadata:  raw,
		ExpiresAt: now.Add(e.cfg.ChallengeTTL),
		CreatedAt: now,
	}))
}

// EnrollmentResult is the outcome of a completed registration
// ceremony, for both first enrollment and key rotation.
type EnrollmentResult struct {
	RootID           string    `json:"root_id"`
	KeyID            string    `json:"key_id"`
	HeroName         string    `json:"hero_name"`
	LinkID           string    `json:"link_id,omitempty"`
	SessionToken     string    `json:"session_token"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
}

// FinishRegistration completes the registration ceremony. The
// attestation response is verified against the stored challenge, the
// credential is persisted, and for first enrollment the root identity
// and its ledger rows are created in the same transaction.
func (e *Engine) FinishRegistration(ctx context.Context, body io.Reader) (*EnrollmentResult, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(body)
	if err != nil {
		return nil, trace.BadParameter("invalid attestation response: %v", err)
	}
	return e.finishRegistration(ctx, parsed)
}

func (e *Engine) finishRegistration(ctx context.Context, parsed *protocol.ParsedCredentialCreationData) (*EnrollmentResult, error) {
	stored, err := e.takeChallenge(ctx, parsed.Response.CollectedClientData.Challenge, types.ChallengeRegistration)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var meta registrationMetadata
	if err := json.Unmarshal(stored.Metadata, &meta); err != nil {
		return nil, trace.Wrap(err)
	}

	rotation := stored.RootID != ""
	rootID := stored.RootID
	heroName := meta.HeroName
	var root *types.RootIdentity
	if rotation {
		root, err = e.cfg.Backend.GetRootIdentity(ctx, nil, rootID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if root.Status != types.IdentityActive {
			return nil, trace.BadParameter("identity %q is not active", rootID)
		}
		heroName = root.HeroName
	} else {
		rootID = meta.ProvisionalRoot
		if rootID == "" {
			return nil, trace.BadParameter("challenge carries no enrollment metadata")
		}
	}

	u := &user{id: rootID, name: heroName}
	session := wan.SessionData{
		Challenge:        stored.Challenge,
		UserID:           u.WebAuthnID(),
		Expires:          stored.ExpiresAt,
		UserVerification: protocol.VerificationPreferred,
	}
	cred, err := e.web.CreateCredential(u, session, parsed)
	if err != nil {
		return nil, trace.BadParameter("attestation verification failed: %v", err)
	}

	now := e.cfg.Clock.Now()
	key := &types.AuthKey{
		ID:           "key_" + uuid.NewString(),
		RootID:       rootID,
		CredentialID: credentialID(cred.ID),
		PublicKey:    cred.PublicKey,
		SignCount:    uint64(cred.Authenticator.SignCount),
		DeviceType:   string(cred.Authenticator.Attachment),
		BackedUp:     cred.Flags.BackupState,
		Transports:   transportStrings(cred.Transport),
		Name:         meta.KeyName,
		Status:       types.KeyActive,
		CreatedAt:    now,
	}

	result := &EnrollmentResult{RootID: rootID, KeyID: key.ID, HeroName: heroName}
	var pending []*types.IdentityEvent
	err = e.cfg.Backend.InTransaction(ctx, func(tx *sql.Tx) error {
		if !rotation {
			if err := e.enrollIdentity(ctx, tx, rootID, meta, now); err != nil {
				return trace.Wrap(err)
			}
			evt, err := e.cfg.Ledger.Append(ctx, tx, events.AppendParams{
				RootID: rootID,
				Type:   pik.EventIdentityEnrolled,
				Payload: map[string]interface{}{
					"hero_name":      heroName,
					"fate_alignment": meta.FateAlignment,
					"origin":         meta.Origin,
				},
			})
			if err != nil {
				return trace.Wrap(err)
			}
			pending = append(pending, evt)
		}
		if err := e.cfg.Backend.CreateAuthKey(ctx, tx, key); err != nil {
			return trace.Wrap(err)
		}
		evt, err := e.cfg.Ledger.Append(ctx, tx, events.AppendParams{
			RootID: rootID,
			Type:   pik.EventKeyRegistered,
			Payload: map[string]interface{}{
				"key_id":        key.ID,
				"credential_id": key.CredentialID,
				"key_name":      key.Name,
			},
		})
		if err != nil {
			return trace.Wrap(err)
		}
		pending = append(pending, evt)

		if !rotation && meta.SourceID != "" {
			linkEvt, linkID, err := e.grantEnrollmentLink(ctx, tx, rootID, meta.SourceID, now)
			if err != nil {
				return trace.Wrap(err)
			}
			if linkEvt != nil {
				pending = append(pending, linkEvt)
				result.LinkID = linkID
			}
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.cfg.Ledger.EmitAll(pending)

	token, expiresAt, err := e.cfg.Sessions.Issue(ctx, rootID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	result.SessionToken = token
	result.SessionExpiresAt = expiresAt
	return result, nil
}

// enrollIdentity creates the root identity row and its primary
// persona inside the enrollment transaction.
func (e *Engine) enrollIdentity(ctx context.Context, tx *sql.Tx, rootID string, meta registrationMetadata, now time.Time) error {
	root := &types.RootIdentity{
		ID:            rootID,
		HeroName:      meta.HeroName,
		FateAlignment: meta.FateAlignment,
		Origin:        meta.Origin,
		FateXP:        0,
		FateLevel:     1,
		Status:        types.IdentityActive,
		EnrolledBy:    meta.SourceID,
		EnrolledAt:    now,
	}
	if err := e.cfg.Backend.CreateRootIdentity(ctx, tx, root); err != nil {
		return trace.Wrap(err)
	}
	persona := &types.Persona{
		ID:        "per_" + uuid.NewString(),
		RootID:    rootID,
		Name:      meta.HeroName,
		Primary:   true,
		CreatedAt: now,
	}
	return trace.Wrap(e.cfg.Backend.CreatePersona(ctx, tx, persona))
}

// grantEnrollmentLink links the enrolling source to the fresh identity
// when the source exists and is active. A missing or suspended source
// does not fail the enrollment.
func (e *Engine) grantEnrollmentLink(ctx context.Context, tx *sql.Tx, rootID, sourceID string, now time.Time) (*types.IdentityEvent, string, error) {
	source, err := e.cfg.Backend.GetSource(ctx, tx, sourceID)
	if err != nil || source.Status != types.SourceActive {
		e.logger.WarnContext(ctx, "skipping enrollment link for unavailable source",
			"source_id", sourceID, "root_id", rootID)
		return nil, "", nil
	}
	link := &types.SourceLink{
		ID:        "lnk_" + uuid.NewString(),
		RootID:    rootID,
		SourceID:  sourceID,
		Scope:     e.cfg.Runtime.String(ctx, defaults.ConfigDefaultLinkScope, "progression:write"),
		Status:    types.LinkActive,
		GrantedBy: "enrollment",
		GrantedAt: now,
	}
	if err := e.cfg.Backend.CreateSourceLink(ctx, tx, link); err != nil {
		return nil, "", trace.Wrap(err)
	}
	evt, err := e.cfg.Ledger.Append(ctx, tx, events.AppendParams{
		RootID:   rootID,
		Type:     pik.EventSourceLinkGranted,
		SourceID: sourceID,
		Payload: map[string]interface{}{
			"link_id":    link.ID,
			"scope":      link.Scope,
			"granted_by": link.GrantedBy,
		},
	})
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	return evt, link.ID, nil
}
