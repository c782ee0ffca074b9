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

// GetTitle fetches a catalog title.
func (b *Backend) GetTitle(ctx context.Context, tx *sql.Tx, titleID string) (*types.Title, error) {
	row := b.q(tx).QueryRowContext(ctx,
		`SELECT id, name, flavor FROM titles WHERE id = ?`, titleID)
	var t types.Title
	if err := row.Scan(&t.ID, &t.Name, &t.Flavor); err != nil {
		if convertedErr := convertError(err); trace.IsNotFound(convertedErr) {
			return nil, trace.NotFound("title %q not found", titleID)
		}
		return nil, trace.Wrap(convertError(err))
	}
	return &t, nil
}

// InsertUserTitle assigns a title to a root. A unique-violation on the
// (root, title) pair converts to AlreadyExists, which TryGrantTitle
// treats as "already held".
func (b *Backend) InsertUserTitle(ctx context.Context, tx *sql.Tx, ut *types.UserTitle) error {
	_, err := b.q(tx).ExecContext(ctx,
		`INSERT INTO user_titles (root_id, title_id, granted_via, granted_at) VALUES (?, ?, ?, ?)`,
		ut.RootID, ut.TitleID, ut.GrantedVia, ut.GrantedAt.UnixNano())
	return trace.Wrap(convertError(err))
}

// ListUserTitles returns a root's titles with catalog detail, newest
// grant first.
func (b *Backend) ListUserTitles(ctx context.Context, rootID string) ([]types.UserTitle, []types.Title, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT ut.root_id, ut.title_id, ut.granted_via, ut.granted_at, t.name, t.flavor
		 FROM user_titles ut JOIN titles t ON t.id = ut.title_id
		 WHERE ut.root_id = ? ORDER BY ut.granted_at DESC`, rootID)
	if err != nil {
		return nil, nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	var grants []types.UserTitle
	var detail []types.Title
	for rows.Next() {
		var ut types.UserTitle
		var t types.Title
		var grantedAt int64
		if err := rows.Scan(&ut.RootID, &ut.TitleID, &ut.GrantedVia, &grantedAt, &t.Name, &t.Flavor); err != nil {
			return nil, nil, trace.Wrap(err)
		}
		ut.GrantedAt = time.Unix(0, grantedAt).UTC()
		t.ID = ut.TitleID
		grants = append(grants, ut)
		detail = append(detail, t)
	}
	return grants, detail, trace.Wrap(rows.Err())
}

// HasUserTitle reports whether the root already holds the title.
func (b *Backend) HasUserTitle(ctx context.Context, tx *sql.Tx, rootID, titleID string) (bool, error) {
	var n int
	err := b.q(tx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_titles WHERE root_id = ? AND title_id = ?`, rootID, titleID).Scan(&n)
	return n > 0, trace.Wrap(convertError(err))
}

// InsertFateMarker stores a narrative marker. Markers are not
// deduplicated.
func (b *Backend) InsertFateMarker(ctx context.Context, tx *sql.Tx, m *types.FateMarker) error {
	_, err := b.q(tx).ExecContext(ctx,
		`INSERT INTO fate_markers (id, root_id, source_id, marker, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.RootID, m.SourceID, m.Marker, m.CreatedAt.UnixNano())
	return trace.Wrap(convertError(err))
}

// ListFateMarkers returns a root's markers newest-first.
func (b *Backend) ListFateMarkers(ctx context.Context, rootID string) ([]types.FateMarker, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, root_id, source_id, marker, created_at FROM fate_markers
		 WHERE root_id = ? ORDER BY created_at DESC, id DESC`, rootID)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	var out []types.FateMarker
	for rows.Next() {
		var m types.FateMarker
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.RootID, &m.SourceID, &m.Marker, &createdAt); err != nil {
			return nil, trace.Wrap(err)
		}
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, m)
	}
	return out, trace.Wrap(rows.Err())
}

// CreateFateCache inserts a sealed cache row.
func (b *Backend) CreateFateCache(ctx context.Context, tx *sql.Tx, c *types.FateCache) error {
	_, err := b.q(tx).ExecContext(ctx,
		`INSERT INTO fate_caches (id, root_id, cache_type, rarity, status, trigger_ref, granted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.RootID, string(c.Type), string(c.Rarity), string(c.Status), c.Trigger, c.GrantedAt.UnixNano())
	return trace.Wrap(convertError(err))
}

const fateCacheColumns = `id, root_id, cache_type, rarity, status, trigger_ref, reward_type, reward_value, reward_name, granted_at, opened_at`

func scanFateCache(row interface {
	Scan(dest ...interface{}) error
}) (*types.FateCache, error) {
	var c types.FateCache
	var cacheType, rarity, status string
	var grantedAt int64
	var openedAt sql.NullInt64
	if err := row.Scan(&c.ID, &c.RootID, &cacheType, &rarity, &status, &c.Trigger,
		&c.RewardType, &c.RewardValue, &c.RewardName, &grantedAt, &openedAt); err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	c.Type = types.CacheType(cacheType)
	c.Rarity = types.Rarity(rarity)
	c.Status = types.CacheStatus(status)
	c.GrantedAt = time.Unix(0, grantedAt).UTC()
	c.OpenedAt = nullableTime(openedAt)
	return &c, nil
}

// GetFateCache fetches one cache by id.
func (b *Backend) GetFateCache(ctx context.Context, tx *sql.Tx, cacheID string) (*types.FateCache, error) {
	row := b.q(tx).QueryRowContext(ctx,
		`SELECT `+fateCacheColumns+` FROM fate_caches WHERE id = ?`, cacheID)
	c, err := scanFateCache(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("cache %q not found", cacheID)
		}
		return nil, trace.Wrap(err)
	}
	return c, nil
}

// ListFateCaches returns a root's caches newest-first.
func (b *Backend) ListFateCaches(ctx context.Context, rootID string) ([]types.FateCache, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+fateCacheColumns+` FROM fate_caches WHERE root_id = ? ORDER BY granted_at DESC, id DESC`, rootID)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	var out []types.FateCache
	for rows.Next() {
		c, err := scanFateCache(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *c)
	}
	return out, trace.Wrap(rows.Err())
}

// MarkCacheOpened transitions a sealed cache to opened with its drawn
// reward, guarding the sealed->opened single transition at the row
// level.
func (b *Backend) MarkCacheOpened(ctx context.Context, tx *sql.Tx, cacheID string, rewardType, rewardValue, rewardName string, at time.Time) error {
	res, err := b.q(tx).ExecContext(ctx,
		`UPDATE fate_caches SET status = 'opened', reward_type = ?, reward_value = ?, reward_name = ?, opened_at = ?
		 WHERE id = ? AND status = 'sealed'`,
		rewardType, rewardValue, rewardName, at.UnixNano(), cacheID)
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.AlreadyExists("cache %q is already opened", cacheID)
	}
	return nil
}

// ListLootEntries returns the loot rows for a cache type available at
// the given player level.
func (b *Backend) ListLootEntries(ctx context.Context, tx *sql.Tx, cacheType types.CacheType, level int) ([]types.LootTableEntry, error) {
	rows, err := b.q(tx).QueryContext(ctx,
		`SELECT id, cache_type, reward_type, reward_value, name, weight, rarity, min_level
		 FROM loot_table WHERE cache_type = ? AND min_level <= ? ORDER BY id ASC`,
		string(cacheType), level)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	var out []types.LootTableEntry
	for rows.Next() {
		var e types.LootTableEntry
		var ct, rarity string
		if err := rows.Scan(&e.ID, &ct, &e.RewardType, &e.RewardValue, &e.Name, &e.Weight, &rarity, &e.MinLevel); err != nil {
			return nil, trace.Wrap(err)
		}
		e.CacheType = types.CacheType(ct)
		e.Rarity = types.Rarity(rarity)
		out = append(out, e)
	}
	return out, trace.Wrap(rows.Err())
}

// GetGearItem fetches a catalog gear item.
func (b *Backend) GetGearItem(ctx context.Context, tx *sql.Tx, gearID string) (*types.GearItem, error) {
	row := b.q(tx).QueryRowContext(ctx,
		`SELECT id, name, slot, rarity, modifiers FROM gear_items WHERE id = ?`, gearID)
	var g types.GearItem
	var slot, rarity, modifiers string
	if err := row.Scan(&g.ID, &g.Name, &slot, &rarity, &modifiers); err != nil {
		if convertedErr := convertError(err); trace.IsNotFound(convertedErr) {
			return nil, trace.NotFound("gear %q not found", gearID)
		}
		return nil, trace.Wrap(convertError(err))
	}
	g.Slot = types.EquipmentSlot(slot)
	g.Rarity = types.Rarity(rarity)
	g.Modifiers = []byte(modifiers)
	return &g, nil
}

// AddInventoryItem binds a gear item to a root (soulbound).
func (b *Backend) AddInventoryItem(ctx context.Context, tx *sql.Tx, item *types.InventoryItem) error {
	_, err := b.q(tx).ExecContext(ctx,
		`INSERT INTO player_inventory (id, root_id, gear_id, acquired_at) VALUES (?, ?, ?, ?)`,
		item.ID, item.RootID, item.GearID, item.AcquiredAt.UnixNano())
	return trace.Wrap(convertError(err))
}

// GetInventoryItem fetches one inventory row.
func (b *Backend) GetInventoryItem(ctx context.Context, tx *sql.Tx, inventoryID string) (*types.InventoryItem, error) {
	row := b.q(tx).QueryRowContext(ctx,
		`SELECT id, root_id, gear_id, acquired_at FROM player_inventory WHERE id = ?`, inventoryID)
	var item types.InventoryItem
	var acquiredAt int64
	if err := row.Scan(&item.ID, &item.RootID, &item.GearID, &acquiredAt); err != nil {
		if convertedErr := convertError(err); trace.IsNotFound(convertedErr) {
			return nil, trace.NotFound("inventory item %q not found", inventoryID)
		}
		return nil, trace.Wrap(convertError(err))
	}
	item.AcquiredAt = time.Unix(0, acquiredAt).UTC()
	return &item, nil
}

// ListInventory returns a root's inventory with gear detail, newest
// first.
func (b *Backend) ListInventory(ctx context.Context, rootID string) ([]types.InventoryItem, []types.GearItem, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT pi.id, pi.root_id, pi.gear_id, pi.acquired_at, g.name, g.slot, g.rarity, g.modifiers
		 FROM player_inventory pi JOIN gear_items g ON g.id = pi.gear_id
		 WHERE pi.root_id = ? ORDER BY pi.acquired_at DESC, pi.id DESC`, rootID)
	if err != nil {
		return nil, nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	var items []types.InventoryItem
	var gear []types.GearItem
	for rows.Next() {
		var item types.InventoryItem
		var g types.GearItem
		var acquiredAt int64
		var slot, rarity, modifiers string
		if err := rows.Scan(&item.ID, &item.RootID, &item.GearID, &acquiredAt, &g.Name, &slot, &rarity, &modifiers); err != nil {
			return nil, nil, trace.Wrap(err)
		}
		item.AcquiredAt = time.Unix(0, acquiredAt).UTC()
		g.ID = item.GearID
		g.Slot = types.EquipmentSlot(slot)
		g.Rarity = types.Rarity(rarity)
		g.Modifiers = []byte(modifiers)
		items = append(items, item)
		gear = append(gear, g)
	}
	return items, gear, trace.Wrap(rows.Err())
}

// UpsertEquipment equips an inventory item in a slot, replacing any
// previous occupant of that (root, slot).
func (b *Backend) UpsertEquipment(ctx context.Context, tx *sql.Tx, e *types.Equipment) error {
	_, err := b.q(tx).ExecContext(ctx,
		`INSERT INTO player_equipment (root_id, slot, inventory_id, equipped_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (root_id, slot) DO UPDATE SET inventory_id = excluded.inventory_id, equipped_at = excluded.equipped_at`,
		e.RootID, string(e.Slot), e.InventoryID, e.EquippedAt.UnixNano())
	return trace.Wrap(convertError(err))
}

// ListEquipment returns a root's equipped slots.
func (b *Backend) ListEquipment(ctx context.Context, rootID string) ([]types.Equipment, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT root_id, slot, inventory_id, equipped_at FROM player_equipment WHERE root_id = ? ORDER BY slot ASC`, rootID)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	var out []types.Equipment
	for rows.Next() {
		var e types.Equipment
		var slot string
		var equippedAt int64
		if err := rows.Scan(&e.RootID, &slot, &e.InventoryID, &equippedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		e.Slot = types.EquipmentSlot(slot)
		e.EquippedAt = time.Unix(0, equippedAt).UTC()
		out = append(out, e)
	}
	return out, trace.Wrap(rows.Err())
}
