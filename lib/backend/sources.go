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

// CreateSource inserts a new source row.
func (b *Backend) CreateSource(ctx context.Context, s *types.Source) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO sources (id, name, status, api_key_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.Name, string(s.Status), s.APIKeyHash, s.CreatedAt.UnixNano())
	if err != nil {
		converted := convertError(err)
		if trace.IsAlreadyExists(converted) {
			return trace.AlreadyExists("source %q already exists", s.ID)
		}
		return trace.Wrap(converted)
	}
	return nil
}

const sourceColumns = `id, name, status, api_key_hash, created_at`

func scanSource(row interface {
	Scan(dest ...interface{}) error
}) (*types.Source, error) {
	var s types.Source
	var status string
	var createdAt int64
	if err := row.Scan(&s.ID, &s.Name, &status, &s.APIKeyHash, &createdAt); err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	s.Status = types.SourceStatus(status)
	s.CreatedAt = time.Unix(0, createdAt).UTC()
	return &s, nil
}

// GetSource fetches one source by id.
func (b *Backend) GetSource(ctx context.Context, tx *sql.Tx, id string) (*types.Source, error) {
	row := b.q(tx).QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	s, err := scanSource(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("source %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// GetActiveSourceByKeyHash resolves an API key hash to an active
// source. There is deliberately a single failure mode so callers
// cannot distinguish unknown keys from suspended sources.
func (b *Backend) GetActiveSourceByKeyHash(ctx context.Context, keyHash string) (*types.Source, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE api_key_hash = ? AND status = 'active'`, keyHash)
	s, err := scanSource(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("invalid API key")
		}
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// ListSources returns all sources, oldest first.
func (b *Backend) ListSources(ctx context.Context) ([]types.Source, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM sources ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	var out []types.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *s)
	}
	return out, trace.Wrap(rows.Err())
}

// UpdateSourceKeyHash atomically swaps the stored API key hash. The
// previous key stops authenticating on the next request.
func (b *Backend) UpdateSourceKeyHash(ctx context.Context, id, keyHash string) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE sources SET api_key_hash = ? WHERE id = ?`, keyHash, id)
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	return trace.Wrap(requireRowUpdated(res, "source %q not found", id))
}

// UpdateSourceStatus transitions a source's lifecycle status.
func (b *Backend) UpdateSourceStatus(ctx context.Context, id string, status types.SourceStatus) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE sources SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	return trace.Wrap(requireRowUpdated(res, "source %q not found", id))
}

// CreateSourceLink inserts a consent link row.
func (b *Backend) CreateSourceLink(ctx context.Context, tx *sql.Tx, l *types.SourceLink) error {
	_, err := b.q(tx).ExecContext(ctx,
		`INSERT INTO source_links (id, root_id, source_id, scope, status, granted_by, granted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.RootID, l.SourceID, l.Scope, string(l.Status), l.GrantedBy, l.GrantedAt.UnixNano())
	return trace.Wrap(convertError(err))
}

const sourceLinkColumns = `id, root_id, source_id, scope, status, granted_by, granted_at, revoked_by, revoked_at`

func scanSourceLink(row interface {
	Scan(dest ...interface{}) error
}) (*types.SourceLink, error) {
	var l types.SourceLink
	var status string
	var grantedAt int64
	var revokedAt sql.NullInt64
	if err := row.Scan(&l.ID, &l.RootID, &l.SourceID, &l.Scope, &status,
		&l.GrantedBy, &grantedAt, &l.RevokedBy, &revokedAt); err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	l.Status = types.LinkStatus(status)
	l.GrantedAt = time.Unix(0, grantedAt).UTC()
	l.RevokedAt = nullableTime(revokedAt)
	return &l, nil
}

// GetSourceLink fetches one link by id.
func (b *Backend) GetSourceLink(ctx context.Context, tx *sql.Tx, linkID string) (*types.SourceLink, error) {
	row := b.q(tx).QueryRowContext(ctx,
		`SELECT `+sourceLinkColumns+` FROM source_links WHERE id = ?`, linkID)
	l, err := scanSourceLink(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("link %q not found", linkID)
		}
		return nil, trace.Wrap(err)
	}
	return l, nil
}

// GetActiveSourceLink returns the active link for a (root, source)
// pair, or NotFound.
func (b *Backend) GetActiveSourceLink(ctx context.Context, tx *sql.Tx, rootID, sourceID string) (*types.SourceLink, error) {
	row := b.q(tx).QueryRowContext(ctx,
		`SELECT `+sourceLinkColumns+` FROM source_links
		 WHERE root_id = ? AND source_id = ? AND status = 'active'`, rootID, sourceID)
	l, err := scanSourceLink(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("no active link for root %q and source %q", rootID, sourceID)
		}
		return nil, trace.Wrap(err)
	}
	return l, nil
}

// ListSourceLinks returns all of a root's links, newest first.
func (b *Backend) ListSourceLinks(ctx context.Context, rootID string) ([]types.SourceLink, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+sourceLinkColumns+` FROM source_links WHERE root_id = ? ORDER BY granted_at DESC, id DESC`, rootID)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	var out []types.SourceLink
	for rows.Next() {
		l, err := scanSourceLink(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *l)
	}
	return out, trace.Wrap(rows.Err())
}

// RevokeSourceLink transitions an active link to revoked.
func (b *Backend) RevokeSourceLink(ctx context.Context, tx *sql.Tx, linkID, revokedBy string, at time.Time) error {
	res, err := b.q(tx).ExecContext(ctx,
		`UPDATE source_links SET status = 'revoked', revoked_by = ?, revoked_at = ? WHERE id = ? AND status = 'active'`,
		revokedBy, at.UnixNano(), linkID)
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	return trace.Wrap(requireRowUpdated(res, "active link %q not found", linkID))
}

// CountActiveLinksByRoot returns the active-link count per root id,
// backing the user list view.
func (b *Backend) CountActiveLinksByRoot(ctx context.Context) (map[string]int, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT root_id, COUNT(*) FROM source_links WHERE status = 'active' GROUP BY root_id`)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var rootID string
		var n int
		if err := rows.Scan(&rootID, &n); err != nil {
			return nil, trace.Wrap(err)
		}
		out[rootID] = n
	}
	return out, trace.Wrap(rows.Err())
}
