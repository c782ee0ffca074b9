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

// Package auth implements session issuance and passkey credential
// management for root identities.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fateworks/pik/api/types"
	"github.com/fateworks/pik/lib/backend"
	"github.com/fateworks/pik/lib/defaults"
	"github.com/fateworks/pik/lib/httplib"
	"github.com/fateworks/pik/lib/services"
)

// Sessions mints and validates opaque bearer tokens. The plaintext is
// 32 random bytes as lowercase hex, returned once; only its SHA-256
// is stored. Tokens are not renewable; a new session requires a new
// authentication.
type Sessions struct {
	backend *backend.Backend
	config  *services.ConfigService
	clock   clockwork.Clock
}

// NewSessions wires the session issuer.
func NewSessions(b *backend.Backend, config *services.ConfigService, clock clockwork.Clock) *Sessions {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sessions{backend: b, config: config, clock: clock}
}

// Issue mints a session for the root and returns the plaintext token
// with its expiry.
func (s *Sessions) Issue(ctx context.Context, rootID string) (token string, expiresAt time.Time, err error) {
	buf := make([]byte, defaults.SessionTokenRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, trace.Wrap(err)
	}
	token = hex.EncodeToString(buf)

	ttl := time.Duration(s.config.Int(ctx, defaults.ConfigSessionTokenTTL, int64(defaults.SessionTokenTTL/time.Second))) * time.Second
	now := s.clock.Now().UTC()
	expiresAt = now.Add(ttl)
	err = s.backend.CreateSessionToken(ctx, &types.SessionToken{
		TokenHash: HashSessionToken(token),
		RootID:    rootID,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	})
	if err != nil {
		return "", time.Time{}, trace.Wrap(err)
	}
	return token, expiresAt, nil
}

// Validate resolves a presented bearer token to its root id. Unknown
// and expired tokens both fail with the same unauthorized error.
func (s *Sessions) Validate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", httplib.Unauthorized("missing session token")
	}
	stored, err := s.backend.GetSessionToken(ctx, HashSessionToken(token))
	if err != nil {
		if trace.IsNotFound(err) {
			return "", httplib.Unauthorized("invalid or expired session token")
		}
		return "", trace.Wrap(err)
	}
	if !s.clock.Now().Before(stored.ExpiresAt) {
		return "", httplib.Unauthorized("invalid or expired session token")
	}
	return stored.RootID, nil
}

// HashSessionToken returns the at-rest form of a bearer token.
func HashSessionToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
