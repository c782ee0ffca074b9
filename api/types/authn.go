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

package types

import (
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
)

// KeyStatus is the lifecycle state of a stored passkey credential.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRevoked KeyStatus = "revoked"
)

// AuthKey is a WebAuthn credential bound to a root identity. Only the
// public key and the monotonic signature counter are retained; the
// private key never leaves the authenticator.
type AuthKey struct {
	ID           string     `json:"key_id"`
	RootID       string     `json:"root_id"`
	CredentialID string     `json:"credential_id"`
	PublicKey    []byte     `json:"-"`
	SignCount    uint64     `json:"sign_count"`
	DeviceType   string     `json:"device_type,omitempty"`
	BackedUp     bool       `json:"backed_up"`
	Transports   []string   `json:"transports,omitempty"`
	Name         string     `json:"key_name,omitempty"`
	Status       KeyStatus  `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// ChallengeType marks which ceremony a WebAuthn challenge belongs to.
type ChallengeType string

const (
	ChallengeRegistration   ChallengeType = "registration"
	ChallengeAuthentication ChallengeType = "authentication"
)

// Check validates the challenge type.
func (t ChallengeType) Check() error {
	switch t {
	case ChallengeRegistration, ChallengeAuthentication:
		return nil
	}
	return trace.BadParameter("invalid challenge type %q", string(t))
}

// WebAuthnChallenge is a short-lived one-shot nonce binding the two
// phases of a passkey ceremony. A record is consumed by at most one
// phase-2 attempt and reaped when expired.
type WebAuthnChallenge struct {
	ID        string          `json:"challenge_id"`
	Challenge string          `json:"challenge"`
	Type      ChallengeType   `json:"challenge_type"`
	RootID    string          `json:"root_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
	CreatedAt time.Time       `json:"created_at"`
}

// SessionToken is the at-rest form of an opaque bearer token. Only the
// SHA-256 of the plaintext is stored; the plaintext is returned to the
// client once and never persisted.
type SessionToken struct {
	TokenHash string    `json:"-"`
	RootID    string    `json:"root_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
