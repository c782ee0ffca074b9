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

// Package loot grants and opens fate caches. Rarity is decided at
// grant time from the player's level and the trigger; the reward is
// decided at open time by a weighted draw over the eligible loot
// table rows.
package loot

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fateworks/pik"
	"github.com/fateworks/pik/api/types"
	"github.com/fateworks/pik/lib/backend"
	"github.com/fateworks/pik/lib/events"
)

// Config groups the engine dependencies.
type Config struct {
	Backend *backend.Backend
	Ledger  *events.Ledger
	Clock   clockwork.Clock
	// Rand drives rarity rolls and reward draws. Tests seed it.
	Rand *rand.Rand
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing Backend")
	}
	if c.Ledger == nil {
		return trace.BadParameter("missing Ledger")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return nil
}

// Engine is the loot subsystem.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	// mu guards cfg.Rand, which is not safe for concurrent use.
	mu sync.Mutex
}

// NewEngine builds a loot engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{
		cfg:    cfg,
		logger: slog.With(pik.ComponentKey, pik.ComponentLoot),
	}, nil
}

func (e *Engine) roll(n int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Rand.Int63n(n)
}

// RollRarity picks a rarity for a fresh cache. bossPct only matters
// for boss_kill triggers and is the boss damage percentage of the
// session that earned the cache.
func (e *Engine) RollRarity(level int, cacheType types.CacheType, bossPct float64) types.Rarity {
	r := e.roll(100)
	switch {
	case level >= 10 && cacheType == types.CacheBossKill && bossPct >= 100 && r < 5:
		return types.RarityLegendary
	case level >= 7 && cacheType == types.CacheBossKill && bossPct >= 75 && r < 12:
		return types.RarityEpic
	case level >= 4 && r < 20:
		return types.RarityRare
	case level >= 2 && r < 45:
		return types.RarityUncommon
	default:
		return types.RarityCommon
	}
}

// GrantParams describes a cache grant.
type GrantParams struct {
	Type    types.CacheType
	Trigger string
	// BossPct feeds the rarity roll for boss_kill grants.
	BossPct float64
	// Level is the player level at grant time.
	Level int
	// Rarity forces a specific rarity when non-empty (operator grants).
	Rarity types.Rarity
	// SourceID attributes the grant on the ledger row.
	SourceID string
}

// GrantCache creates a sealed cache and its ledger row in one
// transaction, then emits the event.
func (e *Engine) GrantCache(ctx context.Context, rootID string, p GrantParams) (*types.FateCache, error) {
	if err := p.Type.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	rarity := p.Rarity
	if rarity == "" {
		rarity = e.RollRarity(p.Level, p.Type, p.BossPct)
	} else if err := rarity.Check(); err != nil {
		return nil, trace.Wrap(err)
	}

	now := e.cfg.Clock.Now()
	cache := &types.FateCache{
		ID:        "cache_" + uuid.NewString(),
		RootID:    rootID,
		Type:      p.Type,
		Rarity:    rarity,
		Status:    types.CacheSealed,
		Trigger:   p.Trigger,
		GrantedAt: now,
	}
	var pending *types.IdentityEvent
	err := e.cfg.Backend.InTransaction(ctx, func(tx *sql.Tx) error {
		if err := e.cfg.Backend.CreateFateCache(ctx, tx, cache); err != nil {
			return trace.Wrap(err)
		}
		evt, err := e.cfg.Ledger.Append(ctx, tx, events.AppendParams{
			RootID:   rootID,
			Type:     pik.EventCacheGranted,
			SourceID: p.SourceID,
			Payload: map[string]interface{}{
				"cache_id":   cache.ID,
				"cache_type": cache.Type,
				"rarity":     cache.Rarity,
				"trigger":    cache.Trigger,
			},
		})
		if err != nil {
			return trace.Wrap(err)
		}
		pending = evt
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.cfg.Ledger.Emit(pending)
	return cache, nil
}

// OpenResult reports the reward applied by an opened cache.
type OpenResult struct {
	Cache       *types.FateCache `json:"cache"`
	RewardType  string           `json:"reward_type"`
	RewardValue string           `json:"reward_value"`
	RewardName  string           `json:"reward_name"`
	// AlreadyHeld is set when a title reward collided with one the
	// player already owns and the fallback XP was applied instead.
	AlreadyHeld bool `json:"already_held,omitempty"`
}

// OpenCache opens a sealed cache, draws a reward from the eligible
// loot table rows and applies it, all in one transaction.
func (e *Engine) OpenCache(ctx context.Context, rootID, cacheID string) (*OpenResult, error) {
	cache, err := e.cfg.Backend.GetFateCache(ctx, nil, cacheID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if cache.RootID != rootID {
		return nil, trace.NotFound("cache %q not found", cacheID)
	}
	if cache.Status != types.CacheSealed {
		return nil, trace.AlreadyExists("cache %q is already opened", cacheID)
	}

	root, err := e.cfg.Backend.GetRootIdentity(ctx, nil, rootID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	result := &OpenResult{Cache: cache}
	now := e.cfg.Clock.Now()
	var pending *types.IdentityEvent
	err = e.cfg.Backend.InTransaction(ctx, func(tx *sql.Tx) error {
		entries, err := e.cfg.Backend.ListLootEntries(ctx, tx, cache.Type, root.FateLevel)
		if err != nil {
			return trace.Wrap(err)
		}
		entry, err := e.draw(entries)
		if err != nil {
			return trace.Wrap(err)
		}
		result.RewardType = entry.RewardType
		result.RewardValue = entry.RewardValue
		result.RewardName = entry.Name

		if err := e.applyReward(ctx, tx, root, entry, result, now); err != nil {
			return trace.Wrap(err)
		}
		if err := e.cfg.Backend.MarkCacheOpened(ctx, tx, cache.ID, result.RewardType, result.RewardValue, result.RewardName, now); err != nil {
			return trace.Wrap(err)
		}
		evt, err := e.cfg.Ledger.Append(ctx, tx, events.AppendParams{
			RootID: rootID,
			Type:   pik.EventCacheOpened,
			Payload: map[string]interface{}{
				"cache_id":     cache.ID,
				"cache_type":   cache.Type,
				"rarity":       cache.Rarity,
				"reward_type":  result.RewardType,
				"reward_value": result.RewardValue,
				"reward_name":  result.RewardName,
			},
		})
		if err != nil {
			return trace.Wrap(err)
		}
		pending = evt
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.cfg.Ledger.Emit(pending)

	cache.Status = types.CacheOpened
	cache.RewardType = result.RewardType
	cache.RewardValue = result.RewardValue
	cache.RewardName = result.RewardName
	cache.OpenedAt = &now
	return result, nil
}

// draw performs the weighted selection over eligible entries.
func (e *Engine) draw(entries []types.LootTableEntry) (*types.LootTableEntry, error) {
	total := int64(0)
	for i := range entries {
		total += int64(entries[i].Weight)
	}
	if total <= 0 {
		return nil, trace.NotFound("no eligible loot entries")
	}
	r := e.roll(total)
	for i := range entries {
		r -= int64(entries[i].Weight)
		if r < 0 {
			return &entries[i], nil
		}
	}
	return &entries[len(entries)-1], nil
}

// applyReward mutates player state for the drawn entry. XP boosts do
// not trigger a level cascade.
func (e *Engine) applyReward(ctx context.Context, tx *sql.Tx, root *types.RootIdentity, entry *types.LootTableEntry, result *OpenResult, now time.Time) error {
	switch entry.RewardType {
	case types.RewardXPBoost:
		boost, err := strconv.ParseInt(entry.RewardValue, 10, 64)
		if err != nil {
			return trace.BadParameter("loot entry %q has non-numeric xp value %q", entry.ID, entry.RewardValue)
		}
		return trace.Wrap(e.cfg.Backend.UpdateRootProgress(ctx, tx, root.ID, root.FateXP+boost, root.FateLevel))
	case types.RewardTitle:
		granted, err := e.TryGrantTitle(ctx, tx, root.ID, entry.RewardValue, "cache", now)
		if err != nil {
			return trace.Wrap(err)
		}
		if !granted {
			// Duplicate title. The consolation prize is a flat XP boost.
			result.AlreadyHeld = true
			result.RewardType = types.RewardXPBoost
			result.RewardValue = strconv.Itoa(duplicateTitleXP)
			return trace.Wrap(e.cfg.Backend.UpdateRootProgress(ctx, tx, root.ID, root.FateXP+duplicateTitleXP, root.FateLevel))
		}
		return nil
	case types.RewardMarker:
		return trace.Wrap(e.cfg.Backend.InsertFateMarker(ctx, tx, &types.FateMarker{
			ID:        "mkr_" + uuid.NewString(),
			RootID:    root.ID,
			Marker:    entry.RewardValue,
			CreatedAt: now,
		}))
	case types.RewardGear:
		if _, err := e.cfg.Backend.GetGearItem(ctx, tx, entry.RewardValue); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(e.cfg.Backend.AddInventoryItem(ctx, tx, &types.InventoryItem{
			ID:         "inv_" + uuid.NewString(),
			RootID:     root.ID,
			GearID:     entry.RewardValue,
			AcquiredAt: now,
		}))
	default:
		return trace.BadParameter("loot entry %q has unknown reward type %q", entry.ID, entry.RewardType)
	}
}

// duplicateTitleXP is the fallback when a title reward is already held.
const duplicateTitleXP = 100

// TryGrantTitle inserts the (root, title) pair. It reports false when
// the pair already exists and does not treat that as an error. The
// title must exist in the catalog.
func (e *Engine) TryGrantTitle(ctx context.Context, tx *sql.Tx, rootID, titleID, via string, now time.Time) (bool, error) {
	if _, err := e.cfg.Backend.GetTitle(ctx, tx, titleID); err != nil {
		return false, trace.Wrap(err)
	}
	err := e.cfg.Backend.InsertUserTitle(ctx, tx, &types.UserTitle{
		RootID:     rootID,
		TitleID:    titleID,
		GrantedVia: via,
		GrantedAt:  now,
	})
	if err != nil {
		if trace.IsAlreadyExists(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	return true, nil
}
