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

	"github.com/gravitational/trace"
)

// Timestamps are stored as unix nanoseconds so ordering is numeric.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS root_identities (
		id TEXT PRIMARY KEY,
		hero_name TEXT NOT NULL,
		fate_alignment TEXT NOT NULL,
		origin TEXT NOT NULL DEFAULT '',
		fate_xp INTEGER NOT NULL DEFAULT 0 CHECK (fate_xp >= 0),
		fate_level INTEGER NOT NULL DEFAULT 1 CHECK (fate_level >= 1),
		status TEXT NOT NULL DEFAULT 'active',
		equipped_title_id TEXT NOT NULL DEFAULT '',
		enrolled_by TEXT NOT NULL DEFAULT '',
		enrolled_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS personas (
		id TEXT PRIMARY KEY,
		root_id TEXT NOT NULL REFERENCES root_identities(id),
		name TEXT NOT NULL,
		is_primary INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS auth_keys (
		id TEXT PRIMARY KEY,
		root_id TEXT NOT NULL REFERENCES root_identities(id),
		credential_id TEXT NOT NULL,
		public_key BLOB NOT NULL,
		sign_count INTEGER NOT NULL DEFAULT 0,
		device_type TEXT NOT NULL DEFAULT '',
		backed_up INTEGER NOT NULL DEFAULT 0,
		transports TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_at INTEGER NOT NULL,
		last_used_at INTEGER,
		revoked_at INTEGER
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS auth_keys_credential_id ON auth_keys (credential_id)`,
	`CREATE TABLE IF NOT EXISTS webauthn_challenges (
		id TEXT PRIMARY KEY,
		challenge TEXT NOT NULL,
		challenge_type TEXT NOT NULL,
		root_id TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '',
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS webauthn_challenges_challenge ON webauthn_challenges (challenge)`,
	`CREATE TABLE IF NOT EXISTS session_tokens (
		token_hash TEXT PRIMARY KEY,
		root_id TEXT NOT NULL REFERENCES root_identities(id),
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sources (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		api_key_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS source_links (
		id TEXT PRIMARY KEY,
		root_id TEXT NOT NULL REFERENCES root_identities(id),
		source_id TEXT NOT NULL REFERENCES sources(id),
		scope TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		granted_by TEXT NOT NULL DEFAULT '',
		granted_at INTEGER NOT NULL,
		revoked_by TEXT NOT NULL DEFAULT '',
		revoked_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS source_links_lookup ON source_links (root_id, source_id, status)`,
	`CREATE TABLE IF NOT EXISTS identity_events (
		id TEXT PRIMARY KEY,
		root_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		source_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		changes TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS identity_events_timeline ON identity_events (root_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS titles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		flavor TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS user_titles (
		root_id TEXT NOT NULL REFERENCES root_identities(id),
		title_id TEXT NOT NULL REFERENCES titles(id),
		granted_via TEXT NOT NULL DEFAULT '',
		granted_at INTEGER NOT NULL,
		PRIMARY KEY (root_id, title_id)
	)`,
	`CREATE TABLE IF NOT EXISTS fate_markers (
		id TEXT PRIMARY KEY,
		root_id TEXT NOT NULL REFERENCES root_identities(id),
		source_id TEXT NOT NULL DEFAULT '',
		marker TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fate_caches (
		id TEXT PRIMARY KEY,
		root_id TEXT NOT NULL REFERENCES root_identities(id),
		cache_type TEXT NOT NULL,
		rarity TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'sealed',
		trigger_ref TEXT NOT NULL DEFAULT '',
		reward_type TEXT NOT NULL DEFAULT '',
		reward_value TEXT NOT NULL DEFAULT '',
		reward_name TEXT NOT NULL DEFAULT '',
		granted_at INTEGER NOT NULL,
		opened_at INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS loot_table (
		id TEXT PRIMARY KEY,
		cache_type TEXT NOT NULL,
		reward_type TEXT NOT NULL,
		reward_value TEXT NOT NULL,
		name TEXT NOT NULL,
		weight INTEGER NOT NULL CHECK (weight > 0),
		rarity TEXT NOT NULL,
		min_level INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS gear_items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		slot TEXT NOT NULL,
		rarity TEXT NOT NULL,
		modifiers TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS player_inventory (
		id TEXT PRIMARY KEY,
		root_id TEXT NOT NULL REFERENCES root_identities(id),
		gear_id TEXT NOT NULL REFERENCES gear_items(id),
		acquired_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS player_equipment (
		root_id TEXT NOT NULL REFERENCES root_identities(id),
		slot TEXT NOT NULL,
		inventory_id TEXT NOT NULL REFERENCES player_inventory(id),
		equipped_at INTEGER NOT NULL,
		PRIMARY KEY (root_id, slot)
	)`,
	`CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

func (b *Backend) createSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return trace.Wrap(err, "applying schema: %v", stmt)
		}
	}
	return nil
}
