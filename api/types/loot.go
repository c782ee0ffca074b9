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

// Title is a named badge from the reference catalog.
type Title struct {
	ID     string `json:"title_id"`
	Name   string `json:"title_name"`
	Flavor string `json:"flavor,omitempty"`
}

// UserTitle assigns a catalog title to a root identity. The
// (root, title) pair is unique; re-granting a held title is a no-op.
type UserTitle struct {
	RootID     string    `json:"root_id"`
	TitleID    string    `json:"title_id"`
	GrantedVia string    `json:"granted_via,omitempty"`
	GrantedAt  time.Time `json:"granted_at"`
}

// CacheType classifies the milestone that granted a fate cache.
type CacheType string

const (
	CacheLevelUp   CacheType = "level_up"
	CacheBossKill  CacheType = "boss_kill"
	CacheMilestone CacheType = "milestone"
)

// Check validates the cache type.
func (t CacheType) Check() error {
	switch t {
	case CacheLevelUp, CacheBossKill, CacheMilestone:
		return nil
	}
	return trace.BadParameter("invalid cache type %q", string(t))
}

// Rarity is a reward tier.
type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityUncommon  Rarity = "uncommon"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// Check validates the rarity tier.
func (r Rarity) Check() error {
	switch r {
	case RarityCommon, RarityUncommon, RarityRare, RarityEpic, RarityLegendary:
		return nil
	}
	return trace.BadParameter("invalid rarity %q", string(r))
}

// CacheStatus is the lifecycle state of a fate cache. A cache moves
// from sealed to opened exactly once.
type CacheStatus string

const (
	CacheSealed CacheStatus = "sealed"
	CacheOpened CacheStatus = "opened"
)

// FateCache is a sealed reward container granted on a progression
// milestone. Opening it draws from the weighted loot table.
type FateCache struct {
	ID          string      `json:"cache_id"`
	RootID      string      `json:"root_id"`
	Type        CacheType   `json:"cache_type"`
	Rarity      Rarity      `json:"rarity"`
	Status      CacheStatus `json:"status"`
	Trigger     string      `json:"trigger,omitempty"`
	RewardType  string      `json:"reward_type,omitempty"`
	RewardValue string      `json:"reward_value,omitempty"`
	RewardName  string      `json:"reward_name,omitempty"`
	GrantedAt   time.Time   `json:"granted_at"`
	OpenedAt    *time.Time  `json:"opened_at,omitempty"`
}

// Reward types drawable from the loot table.
const (
	RewardXPBoost = "xp_boost"
	RewardTitle   = "title"
	RewardMarker  = "marker"
	RewardGear    = "gear"
)

// LootTableEntry is one weighted row of the reward pool. RewardValue
// is interpreted per RewardType: an integer for xp_boost, a title id,
// a marker string, or a gear id.
type LootTableEntry struct {
	ID          string    `json:"entry_id"`
	CacheType   CacheType `json:"cache_type"`
	RewardType  string    `json:"reward_type"`
	RewardValue string    `json:"reward_value"`
	Name        string    `json:"display_name"`
	Weight      int       `json:"weight"`
	Rarity      Rarity    `json:"rarity"`
	MinLevel    int       `json:"min_level"`
}

// EquipmentSlot is a gear slot on a player.
type EquipmentSlot string

const (
	SlotWeapon EquipmentSlot = "weapon"
	SlotHelm   EquipmentSlot = "helm"
	SlotChest  EquipmentSlot = "chest"
	SlotArms   EquipmentSlot = "arms"
	SlotLegs   EquipmentSlot = "legs"
	SlotRune   EquipmentSlot = "rune"
)

// Check validates the equipment slot.
func (s EquipmentSlot) Check() error {
	switch s {
	case SlotWeapon, SlotHelm, SlotChest, SlotArms, SlotLegs, SlotRune:
		return nil
	}
	return trace.BadParameter("invalid equipment slot %q", string(s))
}

// GearItem is a catalog entry with an opaque modifier bag.
type GearItem struct {
	ID        string          `json:"gear_id"`
	Name      string          `json:"gear_name"`
	Slot      EquipmentSlot   `json:"slot"`
	Rarity    Rarity          `json:"rarity"`
	Modifiers json.RawMessage `json:"modifiers,omitempty"`
}

// InventoryItem is a soulbound gear row owned by a root identity.
type InventoryItem struct {
	ID         string    `json:"inventory_id"`
	RootID     string    `json:"root_id"`
	GearID     string    `json:"gear_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Equipment is the at-most-one equipped inventory row per (root, slot).
type Equipment struct {
	RootID      string        `json:"root_id"`
	Slot        EquipmentSlot `json:"slot"`
	InventoryID string        `json:"inventory_id"`
	EquippedAt  time.Time     `json:"equipped_at"`
}
