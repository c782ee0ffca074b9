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

// Package webauthn implements the passkey registration and
// authentication ceremonies. The go-webauthn library does the
// cryptographic verification of browser responses against
// (challenge, origin, rpid); this package owns challenge lifetime,
// credential storage, counter discipline, and the surrounding
// ledger/transaction choreography.
package webauthn

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	wan "github.com/go-webauthn/webauthn/webauthn"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fateworks/pik"
	"github.com/fateworks/pik/api/types"
	"github.com/fateworks/pik/lib/auth"
	"github.com/fateworks/pik/lib/backend"
	"github.com/fateworks/pik/lib/events"
	"github.com/fateworks/pik/lib/services"
)

// verifier is the slice of *wan.WebAuthn the engine uses. Tests swap
// in a stub so ceremony choreography can be exercised without a real
// authenticator.
type verifier interface {
	BeginRegistration(user wan.User, opts ...wan.RegistrationOption) (*protocol.CredentialCreation, *wan.SessionData, error)
	CreateCredential(user wan.User, session wan.SessionData, parsed *protocol.ParsedCredentialCreationData) (*wan.Credential, error)
	BeginLogin(user wan.User, opts ...wan.LoginOption) (*protocol.CredentialAssertion, *wan.SessionData, error)
	BeginDiscoverableLogin(opts ...wan.LoginOption) (*protocol.CredentialAssertion, *wan.SessionData, error)
	ValidateLogin(user wan.User, session wan.SessionData, parsed *protocol.ParsedCredentialAssertionData) (*wan.Credential, error)
	ValidateDiscoverableLogin(handler wan.DiscoverableUserHandler, session wan.SessionData, parsed *protocol.ParsedCredentialAssertionData) (*wan.Credential, error)
}

// Config groups the engine dependencies and relying-party parameters.
type Config struct {
	Backend  *backend.Backend
	Ledger   *events.Ledger
	Sessions *auth.Sessions
	Runtime  *services.ConfigService
	Clock    clockwork.Clock

	// RPName, RPID and Origin come from the WEBAUTHN_* environment.
	RPName string
	RPID   string
	Origin string

	// ChallengeTTL bounds both ceremony phases.
	ChallengeTTL time.Duration
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing Backend")
	}
	if c.Ledger == nil {
		return trace.BadParameter("missing Ledger")
	}
	if c.Sessions == nil {
		return trace.BadParameter("missing Sessions")
	}
	if c.Runtime == nil {
		return trace.BadParameter("missing Runtime")
	}
	if c.RPID == "" {
		return trace.BadParameter("missing RPID")
	}
	if c.Origin == "" {
		return trace.BadParameter("missing Origin")
	}
	if c.RPName == "" {
		c.RPName = "PIK"
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ChallengeTTL == 0 {
		c.ChallengeTTL = 5 * time.Minute
	}
	return nil
}

// Engine runs the two-phase ceremonies.
type Engine struct {
	cfg    Config
	web    verifier
	logger *slog.Logger
}

// NewEngine builds the engine and its underlying go-webauthn verifier.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	timeout := wan.TimeoutConfig{
		Enforce:    true,
		Timeout:    cfg.ChallengeTTL,
		TimeoutUVD: cfg.ChallengeTTL,
	}
	web, err := wan.New(&wan.Config{
		RPDisplayName:         cfg.RPName,
		RPID:                  cfg.RPID,
		RPOrigins:             []string{cfg.Origin},
		AttestationPreference: protocol.PreferNoAttestation,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: protocol.VerificationPreferred,
		},
		Timeouts: wan.TimeoutsConfig{
			Login:        timeout,
			Registration: timeout,
		},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{
		cfg:    cfg,
		web:    web,
		logger: slog.With(pik.ComponentKey, pik.ComponentWebAuthn),
	}, nil
}

// user adapts a root identity and its stored credentials to wan.User.
type user struct {
	id          string
	name        string
	credentials []wan.Credential
}

func (u *user) WebAuthnID() []byte                    { return []byte(u.id) }
func (u *user) WebAuthnName() string                  { return u.name }
func (u *user) WebAuthnDisplayName() string           { return u.name }
func (u *user) WebAuthnCredentials() []wan.Credential { return u.credentials }

// credentialFromKey rebuilds the library credential from a stored key.
func credentialFromKey(k *types.AuthKey) (wan.Credential, error) {
	rawID, err := base64.RawURLEncoding.DecodeString(k.CredentialID)
	if err != nil {
		return wan.Credential{}, trace.BadParameter("stored credential id is not base64url: %v", err)
	}
	transports := make([]protocol.AuthenticatorTransport, 0, len(k.Transports))
	for _, t := range k.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return wan.Credential{
		ID:        rawID,
		PublicKey: k.PublicKey,
		Transport: transports,
		Authenticator: wan.Authenticator{
			SignCount: uint32(k.SignCount),
		},
	}, nil
}

func credentialID(rawID []byte) string {
	return base64.RawURLEncoding.EncodeToString(rawID)
}

func transportStrings(transports []protocol.AuthenticatorTransport) []string {
	out := make([]string, 0, len(transports))
	for _, t := range transports {
		out = append(out, string(t))
	}
	return out
}

// descriptorsFromKeys builds exclude/allow lists from stored keys.
func descriptorsFromKeys(keys []types.AuthKey) ([]protocol.CredentialDescriptor, error) {
	out := make([]protocol.CredentialDescriptor, 0, len(keys))
	for i := range keys {
		cred, err := credentialFromKey(&keys[i])
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: cred.ID,
			Transport:    cred.Transport,
		})
	}
	return out, nil
}

// takeChallenge consumes a ceremony challenge and validates its type
// and expiry. Consumption is permanent even when validation fails.
func (e *Engine) takeChallenge(ctx context.Context, challenge string, want types.ChallengeType) (*types.WebAuthnChallenge, error) {
	stored, err := e.cfg.Backend.TakeChallenge(ctx, challenge)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.BadParameter("unknown or already-used challenge")
		}
		return nil, trace.Wrap(err)
	}
	if stored.Type != want {
		return nil, trace.BadParameter("challenge type mismatch")
	}
	if e.cfg.Clock.Now().After(stored.ExpiresAt) {
		return nil, trace.BadParameter("challenge expired")
	}
	return stored, nil
}
