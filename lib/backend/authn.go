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

package backend

import (
	"context"
	"database/sql"
	"time"

	"github.com/gravitational/trace"

	"github.com/fateworks/pik/api/types"
)

// CreateAuthKey stores a new passkey credential.
func (b *Backend) CreateAuthKey(ctx context.Context, tx *sql.Tx, k *types.AuthKey) error {
	_, err := b.q(tx).ExecContext(ctx,
		`INSERT INTO auth_keys (id, root_id, credential_id, public_key, sign_count, device_type, backed_up, transports, name, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.RootID, k.CredentialID, k.PublicKey, int64(k.SignCount), k.DeviceType,
		k.BackedUp, joinTransports(k.Transports), k.Name, string(k.Status), k.CreatedAt.UnixNano())
	if err != nil {
		converted := convertError(err)
		if trace.IsAlreadyExists(converted) {
			return trace.AlreadyExists("credential %q is already registered", k.CredentialID)
		}
		return trace.Wrap(converted)
	}
	return nil
}

const authKeyColumns = `id, root_id, credential_id, public_key, sign_count, device_type, backed_up, transports, name, status, created_at, last_used_at, revoked_at`

func scanAuthKey(row interface {
	Scan(dest ...interface{}) error
}) (*types.AuthKey, error) {
	var k types.AuthKey
	var signCount int64
	var transports, status string
	var createdAt int64
	var lastUsedAt, revokedAt sql.NullInt64
	if err := row.Scan(&k.ID, &k.RootID, &k.CredentialID, &k.PublicKey, &signCount,
		&k.DeviceType, &k.BackedUp, &transports, &k.Name, &status, &createdAt,
		&lastUsedAt, &revokedAt); err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	k.SignCount = uint64(signCount)
	k.Transports = splitTransports(transports)
	k.Status = types.KeyStatus(status)
	k.CreatedAt = time.Unix(0, createdAt).UTC()
	k.LastUsedAt = nullableTime(lastUsedAt)
	k.RevokedAt = nullableTime(revokedAt)
	return &k, nil
}

// GetAuthKey fetches a passkey by its kernel id.
func (b *Backend) GetAuthKey(ctx context.Context, tx *sql.Tx, keyID string) (*types.AuthKey, error) {
	row := b.q(tx).QueryRowContext(ctx,
		`SELECT `+authKeyColumns+` FROM auth_keys WHERE id = ?`, keyID)
	k, err := scanAuthKey(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("key %q not found", keyID)
		}
		return nil, trace.Wrap(err)
	}
	return k, nil
}

// GetAuthKeyByCredentialID fetches a passkey by the authenticator's
// credential id.
func (b *Backend) GetAuthKeyByCredentialID(ctx context.Context, tx *sql.Tx, credentialID string) (*types.AuthKey, error) {
	row := b.q(tx).QueryRowContext(ctx,
		`SELECT `+authKeyColumns+` FROM auth_keys WHERE credential_id = ?`, credentialID)
	k, err := scanAuthKey(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("credential not found")
		}
		return nil, trace.Wrap(err)
	}
	return k, nil
}

// ListAuthKeys returns all of a root's passkeys newest-first.
func (b *Backend) ListAuthKeys(ctx context.Context, rootID string) ([]types.AuthKey, error) {
	return b.listAuthKeys(ctx,
		`SELECT `+authKeyColumns+` FROM auth_keys WHERE root_id = ? ORDER BY created_at DESC, id DESC`, rootID)
}

// ListActiveAuthKeys returns only the root's active passkeys.
func (b *Backend) ListActiveAuthKeys(ctx context.Context, rootID string) ([]types.AuthKey, error) {
	return b.listAuthKeys(ctx,
		`SELECT `+authKeyColumns+` FROM auth_keys WHERE root_id = ? AND status = 'active' ORDER BY created_at DESC, id DESC`, rootID)
}

func (b *Backend) listAuthKeys(ctx context.Context, query string, args ...interface{}) ([]types.AuthKey, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	var out []types.AuthKey
	for rows.Next() {
		k, err := scanAuthKey(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *k)
	}
	return out, trace.Wrap(rows.Err())
}

// CountActiveAuthKeys counts a root's active passkeys inside the
// caller's transaction, backing the last-key revocation guard.
func (b *Backend) CountActiveAuthKeys(ctx context.Context, tx *sql.Tx, rootID string) (int, error) {
	var n int
	err := b.q(tx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM auth_keys WHERE root_id = ? AND status = 'active'`, rootID).Scan(&n)
	return n, trace.Wrap(convertError(err))
}

// RevokeAuthKey transitions a key to revoked.
func (b *Backend) RevokeAuthKey(ctx context.Context, tx *sql.Tx, keyID string, at time.Time) error {
	res, err := b.q(tx).ExecContext(ctx,
		`UPDATE auth_keys SET status = 'revoked', revoked_at = ? WHERE id = ? AND status = 'active'`,
		at.UnixNano(), keyID)
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	return trace.Wrap(requireRowUpdated(res, "active key %q not found", keyID))
}

// UpdateAuthKeyUsage stores the post-assertion signature counter and
// last-used timestamp.
func (b *Backend) UpdateAuthKeyUsage(ctx context.Context, tx *sql.Tx, keyID string, signCount uint64, usedAt time.Time) error {
	res, err := b.q(tx).ExecContext(ctx,
		`UPDATE auth_keys SET sign_count = ?, last_used_at = ? WHERE id = ?`,
		int64(signCount), usedAt.UnixNano(), keyID)
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	return trace.Wrap(requireRowUpdated(res, "key %q not found", keyID))
}

// CreateChallenge stores a one-shot ceremony challenge.
func (b *Backend) CreateChallenge(ctx context.Context, c *types.WebAuthnChallenge) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO webauthn_challenges (id, challenge, challenge_type, root_id, metadata, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Challenge, string(c.Type), c.RootID, string(c.Metadata),
		c.ExpiresAt.UnixNano(), c.CreatedAt.UnixNano())
	return trace.Wrap(convertError(err))
}

// TakeChallenge deletes and returns the challenge row in one
// statement, so a challenge is consumed by at most one phase-2
// attempt even under concurrent submissions.
func (b *Backend) TakeChallenge(ctx context.Context, challenge string) (*types.WebAuthnChallenge, error) {
	row := b.db.QueryRowContext(ctx,
		`DELETE FROM webauthn_challenges WHERE challenge = ?
		 RETURNING id, challenge, challenge_type, root_id, metadata, expires_at, created_at`, challenge)
	var c types.WebAuthnChallenge
	var challengeType, metadata string
	var expiresAt, createdAt int64
	if err := row.Scan(&c.ID, &c.Challenge, &challengeType, &c.RootID, &metadata,
		&expiresAt, &createdAt); err != nil {
		if convertedErr := convertError(err); trace.IsNotFound(convertedErr) {
			return nil, trace.NotFound("unknown or already-used challenge")
		}
		return nil, trace.Wrap(convertError(err))
	}
	c.Type = types.ChallengeType(challengeType)
	if metadata != "" {
		c.Metadata = []byte(metadata)
	}
	c.ExpiresAt = time.Unix(0, expiresAt).UTC()
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	return &c, nil
}

// DeleteExpiredChallenges reaps challenge rows past their expiry.
func (b *Backend) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM webauthn_challenges WHERE expires_at < ?`, now.UnixNano())
	if err != nil {
		return 0, trace.Wrap(convertError(err))
	}
	n, err := res.RowsAffected()
	return n, trace.Wrap(err)
}

// CreateSessionToken stores the hashed form of a bearer token.
func (b *Backend) CreateSessionToken(ctx context.Context, t *types.SessionToken) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO session_tokens (token_hash, root_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		t.TokenHash, t.RootID, t.ExpiresAt.UnixNano(), t.CreatedAt.UnixNano())
	return trace.Wrap(convertError(err))
}

// GetSessionToken looks up a session by token hash.
func (b *Backend) GetSessionToken(ctx context.Context, tokenHash string) (*types.SessionToken, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT token_hash, root_id, expires_at, created_at FROM session_tokens WHERE token_hash = ?`, tokenHash)
	var t types.SessionToken
	var expiresAt, createdAt int64
	if err := row.Scan(&t.TokenHash, &t.RootID, &expiresAt, &createdAt); err != nil {
		if convertedErr := convertError(err); trace.IsNotFound(convertedErr) {
			return nil, trace.NotFound("session not found")
		}
		return nil, trace.Wrap(convertError(err))
	}
	t.ExpiresAt = time.Unix(0, expiresAt).UTC()
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	return &t, nil
}

// DeleteExpiredSessionTokens reaps session rows past their expiry.
func (b *Backend) DeleteExpiredSessionTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM session_tokens WHERE expires_at < ?`, now.UnixNano())
	if err != nil {
		return 0, trace.Wrap(convertError(err))
	}
	n, err := res.RowsAffected()
	return n, trace.Wrap(err)
}
