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

package auth

import (
	"context"
	"database/sql"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fateworks/pik"
	"github.com/fateworks/pik/api/types"
	"github.com/fateworks/pik/lib/backend"
	"github.com/fateworks/pik/lib/events"
)

// KeyManager lists and revokes a root's passkeys. Rotation (adding a
// key) is a registration ceremony and lives in the webauthn engine.
type KeyManager struct {
	backend *backend.Backend
	ledger  *events.Ledger
	clock   clockwork.Clock
}

// NewKeyManager wires the key manager.
func NewKeyManager(b *backend.Backend, ledger *events.Ledger, clock clockwork.Clock) *KeyManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &KeyManager{backend: b, ledger: ledger, clock: clock}
}

// List returns all of the root's passkeys newest-first.
func (m *KeyManager) List(ctx context.Context, rootID string) ([]types.AuthKey, error) {
	if _, err := m.backend.GetRootIdentity(ctx, nil, rootID); err != nil {
		return nil, trace.Wrap(err)
	}
	keys, err := m.backend.ListAuthKeys(ctx, rootID)
	return keys, trace.Wrap(err)
}

// Revoke transitions one of the root's keys to revoked. An active
// identity must retain at least one active key, so revoking the last
// one fails with a conflict.
func (m *KeyManager) Revoke(ctx context.Context, rootID, keyID string) (*types.AuthKey, error) {
	key, err := m.backend.GetAuthKey(ctx, nil, keyID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if key.RootID != rootID {
		return nil, trace.NotFound("key %q not found for root %q", keyID, rootID)
	}
	if key.Status != types.KeyActive {
		return nil, trace.BadParameter("key %q is already revoked", keyID)
	}
	now := m.clock.Now().UTC()

	var event *types.IdentityEvent
	err = m.backend.InTransaction(ctx, func(tx *sql.Tx) error {
		// Counting inside the transaction keeps two concurrent
		// revocations from racing past the last-key guard.
		active, err := m.backend.CountActiveAuthKeys(ctx, tx, rootID)
		if err != nil {
			return trace.Wrap(err)
		}
		if active <= 1 {
			return trace.AlreadyExists("cannot revoke the last active key")
		}
		if err := m.backend.RevokeAuthKey(ctx, tx, keyID, now); err != nil {
			return trace.Wrap(err)
		}
		event, err = m.ledger.Append(ctx, tx, events.AppendParams{
			RootID: rootID,
			Type:   pik.EventKeyRevoked,
			Payload: map[string]string{
				"key_id":   keyID,
				"key_name": key.Name,
			},
		})
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	m.ledger.Emit(event)
	key.Status = types.KeyRevoked
	key.RevokedAt = &now
	return key, nil
}
