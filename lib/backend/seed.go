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

	"github.com/gravitational/trace"

	"github.com/fateworks/pik/api/types"
	"github.com/fateworks/pik/lib/defaults"
)

// seedTitles is the reference badge catalog.
var seedTitles = []types.Title{
	{ID: "title_fate_awakened", Name: "Fate: Awakened", Flavor: "Reached fate level 2"},
	{ID: "title_fate_burning", Name: "Fate: Burning", Flavor: "Reached fate level 5"},
	{ID: "title_fate_ascendant", Name: "Fate: Ascendant", Flavor: "Reached fate level 10"},
	{ID: "title_veilbreaker_25", Name: "Veilbreaker I", Flavor: "Dealt 25% of a boss's health"},
	{ID: "title_veilbreaker_50", Name: "Veilbreaker II", Flavor: "Dealt 50% of a boss's health"},
	{ID: "title_veilbreaker_75", Name: "Veilbreaker III", Flavor: "Dealt 75% of a boss's health"},
	{ID: "title_veilbreaker_100", Name: "Veilbreaker IV", Flavor: "Felled a boss outright"},
	{ID: "title_fortunes_favor", Name: "Fortune's Favor", Flavor: "Drawn from a fate cache"},
	{ID: "title_cache_hunter", Name: "Cache Hunter", Flavor: "Drawn from a boss cache"},
}

// seedGear is the reference gear catalog. Modifier bags are opaque to
// the kernel.
var seedGear = []types.GearItem{
	{ID: "gear_ashen_blade", Name: "Ashen Blade", Slot: types.SlotWeapon, Rarity: types.RarityRare, Modifiers: []byte(`{"attack":12,"burn":3}`)},
	{ID: "gear_oracle_helm", Name: "Oracle's Helm", Slot: types.SlotHelm, Rarity: types.RarityUncommon, Modifiers: []byte(`{"insight":5}`)},
	{ID: "gear_wardens_plate", Name: "Warden's Plate", Slot: types.SlotChest, Rarity: types.RarityRare, Modifiers: []byte(`{"armor":18}`)},
	{ID: "gear_gauntlets_of_dawn", Name: "Gauntlets of Dawn", Slot: types.SlotArms, Rarity: types.RarityCommon, Modifiers: []byte(`{"armor":4}`)},
	{ID: "gear_striders", Name: "Fate Striders", Slot: types.SlotLegs, Rarity: types.RarityUncommon, Modifiers: []byte(`{"speed":7}`)},
	{ID: "gear_rune_of_echoes", Name: "Rune of Echoes", Slot: types.SlotRune, Rarity: types.RarityEpic, Modifiers: []byte(`{"echo":1,"fate":9}`)},
	{ID: "gear_veilpiercer", Name: "Veilpiercer", Slot: types.SlotWeapon, Rarity: types.RarityLegendary, Modifiers: []byte(`{"attack":25,"pierce":10}`)},
}

// seedLootTable is the default weighted reward pool.
var seedLootTable = []types.LootTableEntry{
	// level_up caches
	{ID: "loot_lvl_xp_small", CacheType: types.CacheLevelUp, RewardType: types.RewardXPBoost, RewardValue: "50", Name: "Spark of Fate", Weight: 50, Rarity: types.RarityCommon, MinLevel: 1},
	{ID: "loot_lvl_xp_large", CacheType: types.CacheLevelUp, RewardType: types.RewardXPBoost, RewardValue: "150", Name: "Surge of Fate", Weight: 25, Rarity: types.RarityUncommon, MinLevel: 2},
	{ID: "loot_lvl_marker", CacheType: types.CacheLevelUp, RewardType: types.RewardMarker, RewardValue: "the wheel turned", Name: "Turning of the Wheel", Weight: 15, Rarity: types.RarityCommon, MinLevel: 1},
	{ID: "loot_lvl_title", CacheType: types.CacheLevelUp, RewardType: types.RewardTitle, RewardValue: "title_fortunes_favor", Name: "Fortune's Favor", Weight: 7, Rarity: types.RarityRare, MinLevel: 3},
	{ID: "loot_lvl_gear_helm", CacheType: types.CacheLevelUp, RewardType: types.RewardGear, RewardValue: "gear_oracle_helm", Name: "Oracle's Helm", Weight: 3, Rarity: types.RarityRare, MinLevel: 4},
	// boss_kill caches
	{ID: "loot_boss_xp", CacheType: types.CacheBossKill, RewardType: types.RewardXPBoost, RewardValue: "100", Name: "Bosskiller's Due", Weight: 40, Rarity: types.RarityCommon, MinLevel: 1},
	{ID: "loot_boss_marker", CacheType: types.CacheBossKill, RewardType: types.RewardMarker, RewardValue: "the veil remembers", Name: "Veil Memory", Weight: 20, Rarity: types.RarityUncommon, MinLevel: 1},
	{ID: "loot_boss_title", CacheType: types.CacheBossKill, RewardType: types.RewardTitle, RewardValue: "title_cache_hunter", Name: "Cache Hunter", Weight: 15, Rarity: types.RarityRare, MinLevel: 2},
	{ID: "loot_boss_gear_blade", CacheType: types.CacheBossKill, RewardType: types.RewardGear, RewardValue: "gear_ashen_blade", Name: "Ashen Blade", Weight: 15, Rarity: types.RarityRare, MinLevel: 3},
	{ID: "loot_boss_gear_rune", CacheType: types.CacheBossKill, RewardType: types.RewardGear, RewardValue: "gear_rune_of_echoes", Name: "Rune of Echoes", Weight: 7, Rarity: types.RarityEpic, MinLevel: 6},
	{ID: "loot_boss_gear_veil", CacheType: types.CacheBossKill, RewardType: types.RewardGear, RewardValue: "gear_veilpiercer", Name: "Veilpiercer", Weight: 3, Rarity: types.RarityLegendary, MinLevel: 10},
	// milestone caches
	{ID: "loot_mile_xp", CacheType: types.CacheMilestone, RewardType: types.RewardXPBoost, RewardValue: "75", Name: "Milestone Mark", Weight: 60, Rarity: types.RarityCommon, MinLevel: 1},
	{ID: "loot_mile_marker", CacheType: types.CacheMilestone, RewardType: types.RewardMarker, RewardValue: "a step on the long road", Name: "Long Road", Weight: 30, Rarity: types.RarityCommon, MinLevel: 1},
	{ID: "loot_mile_gear_plate", CacheType: types.CacheMilestone, RewardType: types.RewardGear, RewardValue: "gear_wardens_plate", Name: "Warden's Plate", Weight: 10, Rarity: types.RarityRare, MinLevel: 5},
}

// seed inserts missing reference rows: runtime config keys, the title
// and gear catalogs, and the loot table. Existing rows are left alone
// so operator tuning survives restarts.
func (b *Backend) seed(ctx context.Context) error {
	err := b.InTransaction(ctx, func(tx *sql.Tx) error {
		for key, value := range defaults.RuntimeConfig {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT (key) DO NOTHING`,
				key, value); err != nil {
				return trace.Wrap(convertError(err))
			}
		}
		for _, t := range seedTitles {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO titles (id, name, flavor) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`,
				t.ID, t.Name, t.Flavor); err != nil {
				return trace.Wrap(convertError(err))
			}
		}
		for _, g := range seedGear {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO gear_items (id, name, slot, rarity, modifiers) VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
				g.ID, g.Name, string(g.Slot), string(g.Rarity), string(g.Modifiers)); err != nil {
				return trace.Wrap(convertError(err))
			}
		}
		for _, e := range seedLootTable {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO loot_table (id, cache_type, reward_type, reward_value, name, weight, rarity, min_level)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
				e.ID, string(e.CacheType), e.RewardType, e.RewardValue, e.Name, e.Weight, string(e.Rarity), e.MinLevel); err != nil {
				return trace.Wrap(convertError(err))
			}
		}
		return nil
	})
	return trace.Wrap(err)
}
