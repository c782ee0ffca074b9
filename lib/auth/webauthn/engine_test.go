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
	"encoding/base64"
	"log/slog"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	wan "github.com/go-webauthn/webauthn/webauthn"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fateworks/pik"
	"github.com/fateworks/pik/api/types"
	"github.com/fateworks/pik/lib/auth"
	"github.com/fateworks/pik/lib/backend"
	"github.com/fateworks/pik/lib/defaults"
	"github.com/fateworks/pik/lib/events"
	"github.com/fateworks/pik/lib/httplib"
	"github.com/fateworks/pik/lib/services"
)

// fakeVerifier stands in for the go-webauthn library so the ceremony
// choreography can run without real attestations. It hands out a
// fixed challenge and returns canned credentials.
type fakeVerifier struct {
	challenge []byte

	created     *wan.Credential
	createErr   error
	validated   *wan.Credential
	validateErr error

	exclusions        []protocol.CredentialDescriptor
	discoverableBegun bool
	handlerUser       wan.User
	loginSession      wan.SessionData
}

func (f *fakeVerifier) BeginRegistration(user wan.User, opts ...wan.RegistrationOption) (*protocol.CredentialCreation, *wan.SessionData, error) {
	creation := &protocol.CredentialCreation{}
	creation.Response.Challenge = protocol.URLEncodedBase64(f.challenge)
	for _, opt := range opts {
		opt(&creation.Response)
	}
	f.exclusions = creation.Response.CredentialExcludeList
	return creation, &wan.SessionData{}, nil
}

func (f *fakeVerifier) CreateCredential(user wan.User, session wan.SessionData, parsed *protocol.ParsedCredentialCreationData) (*wan.Credential, error) {
	return f.created, f.createErr
}

func (f *fakeVerifier) BeginLogin(user wan.User, opts ...wan.LoginOption) (*protocol.CredentialAssertion, *wan.SessionData, error) {
	assertion := &protocol.CredentialAssertion{}
	assertion.Response.Challenge = protocol.URLEncodedBase64(f.challenge)
	for _, opt := range opts {
		opt(&assertion.Response)
	}
	return assertion, &wan.SessionData{}, nil
}

func (f *fakeVerifier) BeginDiscoverableLogin(opts ...wan.LoginOption) (*protocol.CredentialAssertion, *wan.SessionData, error) {
	f.discoverableBegun = true
	assertion := &protocol.CredentialAssertion{}
	assertion.Response.Challenge = protocol.URLEncodedBase64(f.challenge)
	return assertion, &wan.SessionData{}, nil
}

func (f *fakeVerifier) ValidateLogin(user wan.User, session wan.SessionData, parsed *protocol.ParsedCredentialAssertionData) (*wan.Credential, error) {
	f.loginSession = session
	return f.validated, f.validateErr
}

func (f *fakeVerifier) ValidateDiscoverableLogin(handler wan.DiscoverableUserHandler, session wan.SessionData, parsed *protocol.ParsedCredentialAssertionData) (*wan.Credential, error) {
	f.loginSession = session
	u, err := handler(parsed.RawID, parsed.Response.UserHandle)
	if err != nil {
		return nil, err
	}
	f.handlerUser = u
	return f.validated, f.validateErr
}

type testEnv struct {
	engine   *Engine
	fake     *fakeVerifier
	backend  *backend.Backend
	ledger   *events.Ledger
	runtime  *services.ConfigService
	sessions *auth.Sessions
	clock    *clockwork.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	b, err := backend.NewMemory(context.Background(), clock)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })

	bus := events.NewBus(events.BusConfig{})
	ledger := events.NewLedger(b, bus, clock)
	runtime := services.NewConfigService(b)
	sessions := auth.NewSessions(b, runtime, clock)

	cfg := Config{
		Backend:      b,
		Ledger:       ledger,
		Sessions:     sessions,
		Runtime:      runtime,
		Clock:        clock,
		RPName:       "PIK",
		RPID:         "localhost",
		Origin:       "http://localhost:8080",
		ChallengeTTL: 5 * time.Minute,
	}
	require.NoError(t, cfg.CheckAndSetDefaults())
	fake := &fakeVerifier{challenge: []byte("nonce-1")}
	engine := &Engine{
		cfg:    cfg,
		web:    fake,
		logger: slog.With(pik.ComponentKey, pik.ComponentWebAuthn),
	}
	return &testEnv{
		engine:   engine,
		fake:     fake,
		backend:  b,
		ledger:   ledger,
		runtime:  runtime,
		sessions: sessions,
		clock:    clock,
	}
}

func credential(rawID []byte, signCount uint32) *wan.Credential {
	return &wan.Credential{
		ID:        rawID,
		PublicKey: []byte{0xc0, 0xff, 0xee},
		Transport: []protocol.AuthenticatorTransport{protocol.Internal},
		Authenticator: wan.Authenticator{
			SignCount: signCount,
		},
	}
}

func parsedCreation(challenge []byte) *protocol.ParsedCredentialCreationData {
	parsed := &protocol.ParsedCredentialCreationData{}
	parsed.Response.CollectedClientData.Challenge = base64.RawURLEncoding.EncodeToString(challenge)
	return parsed
}

func parsedAssertion(challenge, rawID []byte) *protocol.ParsedCredentialAssertionData {
	parsed := &protocol.ParsedCredentialAssertionData{}
	parsed.RawID = rawID
	parsed.Response.CollectedClientData.Challenge = base64.RawURLEncoding.EncodeToString(challenge)
	return parsed
}

func TestEnrollmentCeremony(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	opts, err := env.engine.BeginEnrollment(ctx, "Kaelen", "chaos", "ashfall", "")
	require.NoError(t, err)
	require.NotEmpty(t, opts.RootID)
	require.Equal(t, "nonce-1", string(opts.Options.Response.Challenge))

	rawID := []byte("cred-raw-id")
	env.fake.created = credential(rawID, 0)
	result, err := env.engine.finishRegistration(ctx, parsedCreation([]byte("nonce-1")))
	require.NoError(t, err)
	require.Equal(t, opts.RootID, result.RootID)
	require.Equal(t, "Kaelen", result.HeroName)
	require.NotEmpty(t, result.SessionToken)
	require.Empty(t, result.LinkID)

	// Root, persona and credential all exist now.
	root, err := env.backend.GetRootIdentity(ctx, nil, result.RootID)
	require.NoError(t, err)
	require.Equal(t, "Kaelen", root.HeroName)
	require.Equal(t, 1, root.FateLevel)
	persona, err := env.backend.GetPrimaryPersona(ctx, result.RootID)
	require.NoError(t, err)
	require.Equal(t, "Kaelen", persona.Name)
	key, err := env.backend.GetAuthKey(ctx, nil, result.KeyID)
	require.NoError(t, err)
	require.Equal(t, credentialID(rawID), key.CredentialID)
	require.Equal(t, []string{"internal"}, key.Transports)

	// The ceremony appended both lifecycle rows.
	for _, eventType := range []string{pik.EventIdentityEnrolled, pik.EventKeyRegistered} {
		n, err := env.ledger.CountByType(ctx, result.RootID, eventType)
		require.NoError(t, err)
		require.Equal(t, int64(1), n, "missing %v row", eventType)
	}

	// The issued session resolves to the fresh root.
	rootID, err := env.sessions.Validate(ctx, result.SessionToken)
	require.NoError(t, err)
	require.Equal(t, result.RootID, rootID)
}

func TestEnrollmentRequiresHeroName(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.BeginEnrollment(context.Background(), "   ", "", "", "")
	require.True(t, trace.IsBadParameter(err))
}

func TestEnrollmentLinksActiveSource(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.backend.CreateSource(ctx, &types.Source{
		ID: "arena-of-fates", Name: "Arena of Fates",
		Status: types.SourceActive, APIKeyHash: "h", CreatedAt: env.clock.Now().UTC(),
	}))

	_, err := env.engine.BeginEnrollment(ctx, "Kaelen", "", "", "arena-of-fates")
	require.NoError(t, err)
	env.fake.created = credential([]byte("cred-1"), 0)
	result, err := env.engine.finishRegistration(ctx, parsedCreation([]byte("nonce-1")))
	require.NoError(t, err)
	require.NotEmpty(t, result.LinkID)

	link, err := env.backend.GetActiveSourceLink(ctx, nil, result.RootID, "arena-of-fates")
	require.NoError(t, err)
	require.Equal(t, result.LinkID, link.ID)
	require.Equal(t, "enrollment", link.GrantedBy)
	require.Equal(t, "progression:write", link.Scope)
}

func TestEnrollmentLinkScopeFollowsConfig(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.backend.CreateSource(ctx, &types.Source{
		ID: "arena-of-fates", Name: "Arena of Fates",
		Status: types.SourceActive, APIKeyHash: "h", CreatedAt: env.clock.Now().UTC(),
	}))
	require.NoError(t, env.runtime.Update(ctx, defaults.ConfigDefaultLinkScope, "progression:read"))

	_, err := env.engine.BeginEnrollment(ctx, "Kaelen", "", "", "arena-of-fates")
	require.NoError(t, err)
	env.fake.created = credential([]byte("cred-1"), 0)
	result, err := env.engine.finishRegistration(ctx, parsedCreation([]byte("nonce-1")))
	require.NoError(t, err)

	link, err := env.backend.GetActiveSourceLink(ctx, nil, result.RootID, "arena-of-fates")
	require.NoError(t, err)
	require.Equal(t, "progression:read", link.Scope)
}

func TestEnrollmentSkipsUnknownSource(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.BeginEnrollment(ctx, "Kaelen", "", "", "no-such-source")
	require.NoError(t, err)
	env.fake.created = credential([]byte("cred-1"), 0)
	result, err := env.engine.finishRegistration(ctx, parsedCreation([]byte("nonce-1")))
	require.NoError(t, err)
	require.Empty(t, result.LinkID)
}

func TestChallengeSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.BeginEnrollment(ctx, "Kaelen", "", "", "")
	require.NoError(t, err)
	env.fake.created = credential([]byte("cred-1"), 0)
	_, err = env.engine.finishRegistration(ctx, parsedCreation([]byte("nonce-1")))
	require.NoError(t, err)

	// Replaying the same attestation finds no challenge to consume.
	_, err = env.engine.finishRegistration(ctx, parsedCreation([]byte("nonce-1")))
	require.True(t, trace.IsBadParameter(err))
	require.ErrorContains(t, err, "unknown or already-used challenge")
}

func TestChallengeConsumedEvenWhenVerificationFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.BeginEnrollment(ctx, "Kaelen", "", "", "")
	require.NoError(t, err)
	env.fake.createErr = protocol.ErrVerification
	_, err = env.engine.finishRegistration(ctx, parsedCreation([]byte("nonce-1")))
	require.True(t, trace.IsBadParameter(err))

	// The failed attempt burned the challenge; a retry cannot reuse it.
	env.fake.createErr = nil
	env.fake.created = credential([]byte("cred-1"), 0)
	_, err = env.engine.finishRegistration(ctx, parsedCreation([]byte("nonce-1")))
	require.ErrorContains(t, err, "unknown or already-used challenge")
}

func TestChallengeExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.BeginEnrollment(ctx, "Kaelen", "", "", "")
	require.NoError(t, err)
	env.clock.Advance(6 * time.Minute)
	env.fake.created = credential([]byte("cred-1"), 0)
	_, err = env.engine.finishRegistration(ctx, parsedCreation([]byte("nonce-1")))
	require.True(t, trace.IsBadParameter(err))
	require.ErrorContains(t, err, "challenge expired")
}

func enroll(t *testing.T, env *testEnv, rawID []byte) *EnrollmentResult {
	t.Helper()
	ctx := context.Background()
	_, err := env.engine.BeginEnrollment(ctx, "Kaelen", "chaos", "", "")
	require.NoError(t, err)
	env.fake.created = credential(rawID, 0)
	result, err := env.engine.finishRegistration(ctx, parsedCreation(env.fake.challenge))
	require.NoError(t, err)
	return result
}

func TestRotationAttachesSecondKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	enrolled := enroll(t, env, []byte("cred-1"))

	env.fake.challenge = []byte("nonce-2")
	creation, err := env.engine.BeginRotation(ctx, enrolled.RootID, "backup yubikey")
	require.NoError(t, err)
	require.Equal(t, "nonce-2", string(creation.Response.Challenge))
	// The existing credential is excluded from re-registration.
	require.Len(t, env.fake.exclusions, 1)
	require.Equal(t, []byte("cred-1"), []byte(env.fake.exclusions[0].CredentialID))

	env.fake.created = credential([]byte("cred-2"), 0)
	result, err := env.engine.finishRegistration(ctx, parsedCreation([]byte("nonce-2")))
	require.NoError(t, err)
	require.Equal(t, enrolled.RootID, result.RootID)
	require.NotEqual(t, enrolled.KeyID, result.KeyID)

	key, err := env.backend.GetAuthKey(ctx, nil, result.KeyID)
	require.NoError(t, err)
	require.Equal(t, "backup yubikey", key.Name)

	keys, err := env.backend.ListActiveAuthKeys(ctx, enrolled.RootID)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	// Rotation never creates a second identity row.
	n, err := env.ledger.CountByType(ctx, enrolled.RootID, pik.EventIdentityEnrolled)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestRotationRequiresActiveIdentity(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.BeginRotation(context.Background(), "root_missing", "")
	require.True(t, trace.IsNotFound(err))
}

func TestAuthenticationCeremony(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	enrolled := enroll(t, env, []byte("cred-1"))

	env.fake.challenge = []byte("nonce-2")
	assertion, err := env.engine.BeginAuthentication(ctx, enrolled.RootID)
	require.NoError(t, err)
	require.Equal(t, "nonce-2", string(assertion.Response.Challenge))

	env.fake.validated = credential([]byte("cred-1"), 1)
	result, err := env.engine.finishAuthentication(ctx, parsedAssertion([]byte("nonce-2"), []byte("cred-1")))
	require.NoError(t, err)
	require.Equal(t, enrolled.RootID, result.RootID)
	require.Equal(t, enrolled.KeyID, result.KeyID)
	require.NotEmpty(t, result.SessionToken)

	// The stored counter advanced and usage was stamped.
	key, err := env.backend.GetAuthKey(ctx, nil, enrolled.KeyID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), key.SignCount)
	require.NotNil(t, key.LastUsedAt)

	n, err := env.ledger.CountByType(ctx, enrolled.RootID, pik.EventIdentityAuthenticated)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestAuthenticationUnknownCredential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	enroll(t, env, []byte("cred-1"))

	env.fake.challenge = []byte("nonce-2")
	_, err := env.engine.BeginAuthentication(ctx, "")
	require.NoError(t, err)

	_, err = env.engine.finishAuthentication(ctx, parsedAssertion([]byte("nonce-2"), []byte("cred-unknown")))
	require.True(t, httplib.IsUnauthorized(err))
}

func TestCounterMonotonicity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	enrolled := enroll(t, env, []byte("cred-1"))

	// First assertion moves the counter to 5.
	env.fake.challenge = []byte("nonce-2")
	_, err := env.engine.BeginAuthentication(ctx, enrolled.RootID)
	require.NoError(t, err)
	env.fake.validated = credential([]byte("cred-1"), 5)
	_, err = env.engine.finishAuthentication(ctx, parsedAssertion([]byte("nonce-2"), []byte("cred-1")))
	require.NoError(t, err)

	// A replayed counter value is a cloned-authenticator signal.
	env.fake.challenge = []byte("nonce-3")
	_, err = env.engine.BeginAuthentication(ctx, enrolled.RootID)
	require.NoError(t, err)
	env.fake.validated = credential([]byte("cred-1"), 5)
	_, err = env.engine.finishAuthentication(ctx, parsedAssertion([]byte("nonce-3"), []byte("cred-1")))
	require.True(t, httplib.IsUnauthorized(err))

	// So is an explicit clone warning, counter aside.
	env.fake.challenge = []byte("nonce-4")
	_, err = env.engine.BeginAuthentication(ctx, enrolled.RootID)
	require.NoError(t, err)
	cloned := credential([]byte("cred-1"), 6)
	cloned.Authenticator.CloneWarning = true
	env.fake.validated = cloned
	_, err = env.engine.finishAuthentication(ctx, parsedAssertion([]byte("nonce-4"), []byte("cred-1")))
	require.True(t, httplib.IsUnauthorized(err))

	// The rejected assertions never advanced the stored counter.
	key, err := env.backend.GetAuthKey(ctx, nil, enrolled.KeyID)
	require.NoError(t, err)
	require.Equal(t, uint64(5), key.SignCount)
}

func TestDiscoverableAuthentication(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	enrolled := enroll(t, env, []byte("cred-1"))

	env.fake.challenge = []byte("nonce-2")
	_, err := env.engine.BeginAuthentication(ctx, "")
	require.NoError(t, err)
	require.True(t, env.fake.discoverableBegun)

	env.fake.validated = credential([]byte("cred-1"), 1)
	result, err := env.engine.finishAuthentication(ctx, parsedAssertion([]byte("nonce-2"), []byte("cred-1")))
	require.NoError(t, err)
	require.Equal(t, enrolled.RootID, result.RootID)
	// The discoverable path resolves the user through the handler and
	// passes no pre-known user id to the library.
	require.NotNil(t, env.fake.handlerUser)
	require.Nil(t, env.fake.loginSession.UserID)
}

func TestScopedChallengeRejectsOtherRoot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := enroll(t, env, []byte("cred-1"))

	env.fake.challenge = []byte("nonce-2")
	second := enroll(t, env, []byte("cred-2"))

	// A challenge issued for the first root cannot complete with the
	// second root's credential.
	env.fake.challenge = []byte("nonce-3")
	_, err := env.engine.BeginAuthentication(ctx, first.RootID)
	require.NoError(t, err)
	env.fake.validated = credential([]byte("cred-2"), 1)
	_, err = env.engine.finishAuthentication(ctx, parsedAssertion([]byte("nonce-3"), []byte("cred-2")))
	require.True(t, httplib.IsUnauthorized(err))
	_ = second
}

func TestAuthenticationRevokedKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	enrolled := enroll(t, env, []byte("cred-1"))

	err := env.backend.InTransaction(ctx, func(tx *sql.Tx) error {
		return env.backend.RevokeAuthKey(ctx, tx, enrolled.KeyID, env.clock.Now().UTC())
	})
	require.NoError(t, err)

	env.fake.challenge = []byte("nonce-2")
	_, err = env.engine.BeginAuthentication(ctx, "")
	require.NoError(t, err)
	env.fake.validated = credential([]byte("cred-1"), 1)
	_, err = env.engine.finishAuthentication(ctx, parsedAssertion([]byte("nonce-2"), []byte("cred-1")))
	require.True(t, httplib.IsUnauthorized(err))
}
