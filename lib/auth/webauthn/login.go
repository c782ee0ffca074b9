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
	"io"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	wan "github.com/go-webauthn/webauthn/webauthn"
	"github.com/gravitational/trace"

	"github.com/fateworks/pik"
	"github.com/fateworks/pik/api/types"
	"github.com/fateworks/pik/lib/events"
	"github.com/fateworks/pik/lib/httplib"
)

// BeginAuthentication starts an assertion ceremony. With a root id the
// allow list is scoped to that identity's active keys; without one a
// discoverable-credential ceremony is issued and the passkey itself
// identifies the user.
func (e *Engine) BeginAuthentication(ctx context.Context, rootID string) (*protocol.CredentialAssertion, error) {
	var (
		assertion *protocol.CredentialAssertion
		err       error
	)
	if rootID == "" {
		assertion, _, err = e.web.BeginDiscoverableLogin()
		if err != nil {
			return nil, trace.Wrap(err)
		}
	} else {
		root, gerr := e.cfg.Backend.GetRootIdentity(ctx, nil, rootID)
		if gerr != nil {
			return nil, trace.Wrap(gerr)
		}
		if root.Status != types.IdentityActive {
			return nil, trace.BadParameter("identity %q is not active", rootID)
		}
		keys, gerr := e.cfg.Backend.ListActiveAuthKeys(ctx, rootID)
		if gerr != nil {
			return nil, trace.Wrap(gerr)
		}
		if len(keys) == 0 {
			return nil, trace.NotFound("identity %q has no active keys", rootID)
		}
		creds := make([]wan.Credential, 0, len(keys))
		for i := range keys {
			cred, cerr := credentialFromKey(&keys[i])
			if cerr != nil {
				return nil, trace.Wrap(cerr)
			}
			creds = append(creds, cred)
		}
		u := &user{id: root.ID, name: root.HeroName, credentials: creds}
		assertion, _, err = e.web.BeginLogin(u)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := e.storeChallenge(ctx, assertion.Response.Challenge.String(), types.ChallengeAuthentication, rootID, struct{}{}); err != nil {
		return nil, trace.Wrap(err)
	}
	return assertion, nil
}

// AuthenticationResult is the outcome of a completed assertion.
type AuthenticationResult struct {
	RootID           string    `json:"root_id"`
	KeyID            string    `json:"key_id"`
	HeroName         string    `json:"hero_name"`
	SessionToken     string    `json:"session_token"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
}

// FinishAuthentication completes an assertion ceremony, enforces
// counter monotonicity and issues a session token.
func (e *Engine) FinishAuthentication(ctx context.Context, body io.Reader) (*AuthenticationResult, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(body)
	if err != nil {
		return nil, trace.BadParameter("invalid assertion response: %v", err)
	}
	return e.finishAuthentication(ctx, parsed)
}

func (e *Engine) finishAuthentication(ctx context.Context, parsed *protocol.ParsedCredentialAssertionData) (*AuthenticationResult, error) {
	key, err := e.cfg.Backend.GetAuthKeyByCredentialID(ctx, nil, credentialID(parsed.RawID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, httplib.Unauthorized("authentication failed")
		}
		return nil, trace.Wrap(err)
	}
	if key.Status != types.KeyActive {
		return nil, httplib.Unauthorized("authentication failed")
	}
	root, err := e.cfg.Backend.GetRootIdentity(ctx, nil, key.RootID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if root.Status != types.IdentityActive {
		return nil, httplib.Unauthorized("authentication failed")
	}

	stored, err := e.takeChallenge(ctx, parsed.Response.CollectedClientData.Challenge, types.ChallengeAuthentication)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if stored.RootID != "" && stored.RootID != root.ID {
		return nil, httplib.Unauthorized("authentication failed")
	}

	storedCred, err := credentialFromKey(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	u := &user{id: root.ID, name: root.HeroName, credentials: []wan.Credential{storedCred}}
	session := wan.SessionData{
		Challenge:        stored.Challenge,
		UserID:           u.WebAuthnID(),
		Expires:          stored.ExpiresAt,
		UserVerification: protocol.VerificationPreferred,
	}

	var cred *wan.Credential
	if stored.RootID == "" {
		// Discoverable ceremony. The library resolves the user via the
		// handle in the response; blank the UserID so it does not demand
		// a match against a pre-known user.
		session.UserID = nil
		handler := func(rawID, userHandle []byte) (wan.User, error) {
			return u, nil
		}
		cred, err = e.web.ValidateDiscoverableLogin(handler, session, parsed)
	} else {
		cred, err = e.web.ValidateLogin(u, session, parsed)
	}
	if err != nil {
		return nil, httplib.Unauthorized("authentication failed")
	}

	// A stored counter above zero must strictly increase on every
	// assertion. A stuck or regressed counter indicates a cloned
	// authenticator.
	newCount := uint64(cred.Authenticator.SignCount)
	if cred.Authenticator.CloneWarning || (key.SignCount > 0 && newCount <= key.SignCount) {
		e.logger.WarnContext(ctx, "rejecting assertion with non-increasing signature counter",
			"key_id", key.ID, "stored", key.SignCount, "got", newCount)
		return nil, httplib.Unauthorized("authentication failed")
	}

	now := e.cfg.Clock.Now()
	var pending *types.IdentityEvent
	err = e.cfg.Backend.InTransaction(ctx, func(tx *sql.Tx) error {
		if err := e.cfg.Backend.UpdateAuthKeyUsage(ctx, tx, key.ID, newCount, now); err != nil {
			return trace.Wrap(err)
		}
		evt, err := e.cfg.Ledger.Append(ctx, tx, events.AppendParams{
			RootID: root.ID,
			Type:   pik.EventIdentityAuthenticated,
			Payload: map[string]interface{}{
				"key_id": key.ID,
			},
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
	e.cfg.Ledger.Emit(pending)

	token, expiresAt, err := e.cfg.Sessions.Issue(ctx, root.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &AuthenticationResult{
		RootID:           root.ID,
		KeyID:            key.ID,
		HeroName:         root.HeroName,
		SessionToken:     token,
		SessionExpiresAt: expiresAt,
	}, nil
}
