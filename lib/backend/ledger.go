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

// InsertIdentityEvent appends one ledger row. There are no update or
// delete statements for identity_events anywhere in this package: the
// ledger is append-only by construction.
func (b *Backend) InsertIdentityEvent(ctx context.Context, tx *sql.Tx, e *types.IdentityEvent) error {
	_, err := b.q(tx).ExecContext(ctx,
		`INSERT INTO identity_events (id, root_id, event_type, source_id, payload, changes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RootID, e.Type, e.SourceID, string(e.Payload), string(e.Changes), e.CreatedAt.UnixNano())
	return trace.Wrap(convertError(err))
}

const identityEventColumns = `id, root_id, event_type, source_id, payload, changes, created_at`

func scanIdentityEvent(row interface {
	Scan(dest ...interface{}) error
}) (*types.IdentityEvent, error) {
	var e types.IdentityEvent
	var payload, changes string
	var createdAt int64
	if err := row.Scan(&e.ID, &e.RootID, &e.Type, &e.SourceID, &payload, &changes, &createdAt); err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	if payload != "" {
		e.Payload = []byte(payload)
	}
	if changes != "" {
		e.Changes = []byte(changes)
	}
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	return &e, nil
}

// ListIdentityEvents returns a root's ledger rows newest-first,
// created_at descending with event id as the tiebreak. A limit of 0
// means no limit.
func (b *Backend) ListIdentityEvents(ctx context.Context, rootID string, limit int) ([]types.IdentityEvent, error) {
	query := `SELECT ` + identityEventColumns + ` FROM identity_events
		 WHERE root_id = ? ORDER BY created_at DESC, id DESC`
	args := []interface{}{rootID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	var out []types.IdentityEvent
	for rows.Next() {
		e, err := scanIdentityEvent(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *e)
	}
	return out, trace.Wrap(rows.Err())
}

// CountIdentityEventsByType counts a root's ledger rows of one type.
func (b *Backend) CountIdentityEventsByType(ctx context.Context, rootID, eventType string) (int64, error) {
	var n int64
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM identity_events WHERE root_id = ? AND event_type = ?`,
		rootID, eventType).Scan(&n)
	return n, trace.Wrap(convertError(err))
}

// CountIdentityEvents counts all ledger rows.
func (b *Backend) CountIdentityEvents(ctx context.Context) (int64, error) {
	var n int64
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM identity_events`).Scan(&n)
	return n, trace.Wrap(convertError(err))
}

// CountIdentityEventsGroupedByType returns ledger row counts keyed by
// event type.
func (b *Backend) CountIdentityEventsGroupedByType(ctx context.Context) (map[string]int64, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM identity_events GROUP BY event_type`)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var eventType string
		var n int64
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, trace.Wrap(err)
		}
		out[eventType] = n
	}
	return out, trace.Wrap(rows.Err())
}
