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

func nullableTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

// CreateRootIdentity inserts a new root identity row.
func (b *Backend) CreateRootIdentity(ctx context.Context, tx *sql.Tx, r *types.RootIdentity) error {
	_, err := b.q(tx).ExecContext(ctx,
		`INSERT INTO root_identities (id, hero_name, fate_alignment, origin, fate_xp, fate_level, status, equipped_title_id, enrolled_by, enrolled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.HeroName, r.FateAlignment, r.Origin, r.FateXP, r.FateLevel,
		string(r.Status), r.EquippedTitleID, r.EnrolledBy, r.EnrolledAt.UnixNano())
	return trace.Wrap(convertError(err))
}

const rootIdentityColumns = `id, hero_name, fate_alignment, origin, fate_xp, fate_level, status, equipped_title_id, enrolled_by, enrolled_at`

func scanRootIdentity(row interface {
	Scan(dest ...interface{}) error
}) (*types.RootIdentity, error) {
	var r types.RootIdentity
	var status string
	var enrolledAt int64
	if err := row.Scan(&r.ID, &r.HeroName, &r.FateAlignment, &r.Origin, &r.FateXP,
		&r.FateLevel, &status, &r.EquippedTitleID, &r.EnrolledBy, &enrolledAt); err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	r.Status = types.IdentityStatus(status)
	r.EnrolledAt = time.Unix(0, enrolledAt).UTC()
	return &r, nil
}

// GetRootIdentity fetches one root identity by id.
func (b *Backend) GetRootIdentity(ctx context.Context, tx *sql.Tx, id string) (*types.RootIdentity, error) {
	row := b.q(tx).QueryRowContext(ctx,
		`SELECT `+rootIdentityColumns+` FROM root_identities WHERE id = ?`, id)
	r, err := scanRootIdentity(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("root identity %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return r, nil
}

// ListRootIdentities returns all identities ordered by enrollment,
// newest first.
func (b *Backend) ListRootIdentities(ctx context.Context) ([]types.RootIdentity, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+rootIdentityColumns+` FROM root_identities ORDER BY enrolled_at DESC, id DESC`)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	var out []types.RootIdentity
	for rows.Next() {
		r, err := scanRootIdentity(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *r)
	}
	return out, trace.Wrap(rows.Err())
}

// UpdateRootProfile persists the mutable profile fields.
func (b *Backend) UpdateRootProfile(ctx context.Context, tx *sql.Tx, r *types.RootIdentity) error {
	res, err := b.q(tx).ExecContext(ctx,
		`UPDATE root_identities SET hero_name = ?, fate_alignment = ?, origin = ? WHERE id = ?`,
		r.HeroName, r.FateAlignment, r.Origin, r.ID)
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	return trace.Wrap(requireRowUpdated(res, "root identity %q not found", r.ID))
}

// UpdateRootProgress persists the progression scalars after an ingest
// or a cache reward.
func (b *Backend) UpdateRootProgress(ctx context.Context, tx *sql.Tx, id string, fateXP int64, fateLevel int) error {
	res, err := b.q(tx).ExecContext(ctx,
		`UPDATE root_identities SET fate_xp = ?, fate_level = ? WHERE id = ?`,
		fateXP, fateLevel, id)
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	return trace.Wrap(requireRowUpdated(res, "root identity %q not found", id))
}

// SetEquippedTitle sets or clears the equipped title reference.
func (b *Backend) SetEquippedTitle(ctx context.Context, tx *sql.Tx, id, titleID string) error {
	res, err := b.q(tx).ExecContext(ctx,
		`UPDATE root_identities SET equipped_title_id = ? WHERE id = ?`, titleID, id)
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	return trace.Wrap(requireRowUpdated(res, "root identity %q not found", id))
}

func requireRowUpdated(res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound(format, args...)
	}
	return nil
}

// CreatePersona inserts a persona row.
func (b *Backend) CreatePersona(ctx context.Context, tx *sql.Tx, p *types.Persona) error {
	_, err := b.q(tx).ExecContext(ctx,
		`INSERT INTO personas (id, root_id, name, is_primary, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.RootID, p.Name, p.Primary, string(p.Status), p.CreatedAt.UnixNano())
	return trace.Wrap(convertError(err))
}

// GetPrimaryPersona returns the primary persona for a root.
func (b *Backend) GetPrimaryPersona(ctx context.Context, rootID string) (*types.Persona, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT id, root_id, name, is_primary, status, created_at FROM personas
		 WHERE root_id = ? AND is_primary = 1`, rootID)
	var p types.Persona
	var status string
	var createdAt int64
	if err := row.Scan(&p.ID, &p.RootID, &p.Name, &p.Primary, &status, &createdAt); err != nil {
		if convertedErr := convertError(err); trace.IsNotFound(convertedErr) {
			return nil, trace.NotFound("primary persona for %q not found", rootID)
		}
		return nil, trace.Wrap(convertError(err))
	}
	p.Status = types.IdentityStatus(status)
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	return &p, nil
}
