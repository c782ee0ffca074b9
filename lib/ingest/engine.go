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

// Package ingest applies progression events from linked sources to a
// root identity: XP formulas, the level cascade, title grants and the
// loot side-grants that session milestones earn.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fateworks/pik"
	"github.com/fateworks/pik/api/types"
	"github.com/fateworks/pik/lib/backend"
	"github.com/fateworks/pik/lib/defaults"
	"github.com/fateworks/pik/lib/events"
	"github.com/fateworks/pik/lib/loot"
	"github.com/fateworks/pik/lib/services"
)

// Config groups the engine dependencies.
type Config struct {
	Backend *backend.Backend
	Ledger  *events.Ledger
	Consent *services.Consent
	Runtime *services.ConfigService
	Loot    *loot.Engine
	Clock   clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing Backend")
	}
	if c.Ledger == nil {
		return trace.BadParameter("missing Ledger")
	}
	if c.Consent == nil {
		return trace.BadParameter("missing Consent")
	}
	if c.Runtime == nil {
		return trace.BadParameter("missing Runtime")
	}
	if c.Loot == nil {
		return trace.BadParameter("missing Loot")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine is the progression ingest pipeline.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// NewEngine builds an ingest engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{
		cfg:    cfg,
		logger: slog.With(pik.ComponentKey, pik.ComponentIngest),
	}, nil
}

// Request is one ingest call from a source.
type Request struct {
	RootID    string          `json:"root_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	// SessionRef is an opaque correlation id some connectors send.
	// It is folded into the stored payload.
	SessionRef string `json:"session_ref,omitempty"`
}

// Result is returned to the calling source.
type Result struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	ChangesApplied json.RawMessage `json:"changes_applied"`
}

// levelUp records a cascade in the event changes.
type levelUp struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// xpConfig is a snapshot of the runtime XP tuning, read once per
// ingest call.
type xpConfig struct {
	sessionNormal  float64
	sessionHard    float64
	bossTierPct    float64
	nodeCompletion float64
	multiplier     float64
	baseThreshold  float64
	levelMult      float64
}

func (e *Engine) readConfig(ctx context.Context) xpConfig {
	return xpConfig{
		sessionNormal:  e.cfg.Runtime.Float(ctx, defaults.ConfigXPPerSessionNormal, 100),
		sessionHard:    e.cfg.Runtime.Float(ctx, defaults.ConfigXPPerSessionHard, 150),
		bossTierPct:    e.cfg.Runtime.Float(ctx, defaults.ConfigXPBossTierPct, 0.5),
		nodeCompletion: e.cfg.Runtime.Float(ctx, defaults.ConfigXPNodeCompletion, 15),
		multiplier:     e.cfg.Runtime.Float(ctx, defaults.ConfigEventXPMultiplier, 1.0),
		baseThreshold:  e.cfg.Runtime.Float(ctx, defaults.ConfigXPBaseThreshold, 200),
		levelMult:      e.cfg.Runtime.Float(ctx, defaults.ConfigXPLevelMultiplier, 1.5),
	}
}

// Ingest validates the consent link and dispatches on event type. The
// state mutation and the top-level ledger row commit together;
// milestone side-grants run after commit and are best-effort.
func (e *Engine) Ingest(ctx context.Context, req Request, src *types.Source) (*Result, error) {
	root, err := e.cfg.Backend.GetRootIdentity(ctx, nil, req.RootID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := e.cfg.Consent.ActiveLink(ctx, nil, root.ID, src.ID); err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("no active consent link between %q and %q", root.ID, src.ID)
		}
		return nil, trace.Wrap(err)
	}

	switch req.EventType {
	case pik.EventSessionCompleted:
		return e.ingestSession(ctx, req, root, src)
	case pik.EventXPGranted:
		return e.ingestXPGrant(ctx, req, root, src)
	case pik.EventNodeCompleted:
		return e.ingestNodeCompleted(ctx, req, root, src)
	case pik.EventTitleGranted:
		return e.ingestTitleGrant(ctx, req, root, src)
	case pik.EventFateMarker:
		return e.ingestFateMarker(ctx, req, root, src)
	default:
		return nil, trace.BadParameter("unknown event type %q", req.EventType)
	}
}

type sessionPayload struct {
	Difficulty     string  `json:"difficulty"`
	NodesCompleted int     `json:"nodes_completed"`
	BossDamagePct  float64 `json:"boss_damage_pct"`
}

func (e *Engine) ingestSession(ctx context.Context, req Request, root *types.RootIdentity, src *types.Source) (*Result, error) {
	var p sessionPayload
	if err := parsePayload(req.Payload, &p); err != nil {
		return nil, trace.Wrap(err)
	}
	if p.Difficulty != "normal" && p.Difficulty != "hard" {
		return nil, trace.BadParameter("invalid difficulty %q", p.Difficulty)
	}
	if p.NodesCompleted < 0 {
		return nil, trace.BadParameter("nodes_completed must be non-negative")
	}
	if p.BossDamagePct < 0 || p.BossDamagePct > 100 {
		return nil, trace.BadParameter("boss_damage_pct must be within [0,100]")
	}

	cfg := e.readConfig(ctx)
	sessionXP := cfg.sessionNormal
	if p.Difficulty == "hard" {
		sessionXP = cfg.sessionHard
	}
	bossBonus := math.Floor(p.BossDamagePct / 100 * cfg.bossTierPct * sessionXP)
	nodeXP := math.Floor(float64(p.NodesCompleted) * cfg.nodeCompletion)
	totalXP := int64(math.Floor((sessionXP + bossBonus + nodeXP) * cfg.multiplier))

	changes := map[string]interface{}{
		"session_xp":    int64(sessionXP),
		"boss_bonus_xp": int64(bossBonus),
		"node_xp":       int64(nodeXP),
		"total_xp":      totalXP,
	}
	result, up, err := e.applyXPEvent(ctx, req, root, src, totalXP, cfg, changes)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// Milestone side-grants. Failures log and do not undo the
	// committed event.
	level := root.FateLevel
	if up != nil {
		level = up.To
		e.grantCache(ctx, root.ID, loot.GrantParams{
			Type:     types.CacheLevelUp,
			Trigger:  fmt.Sprintf("level_up:%d", up.To),
			Level:    level,
			SourceID: src.ID,
		})
	}
	if p.BossDamagePct >= 50 {
		e.grantBossTitle(ctx, root.ID, p.BossDamagePct, src.ID)
		e.grantCache(ctx, root.ID, loot.GrantParams{
			Type:     types.CacheBossKill,
			Trigger:  fmt.Sprintf("boss_kill:%.0f", p.BossDamagePct),
			BossPct:  p.BossDamagePct,
			Level:    level,
			SourceID: src.ID,
		})
	}
	return result, nil
}

type xpGrantPayload struct {
	XP float64 `json:"xp"`
}

func (e *Engine) ingestXPGrant(ctx context.Context, req Request, root *types.RootIdentity, src *types.Source) (*Result, error) {
	var p xpGrantPayload
	if err := parsePayload(req.Payload, &p); err != nil {
		return nil, trace.Wrap(err)
	}
	if p.XP < 0 {
		return nil, trace.BadParameter("xp must be non-negative")
	}
	cfg := e.readConfig(ctx)
	totalXP := int64(math.Floor(p.XP * cfg.multiplier))
	changes := map[string]interface{}{"total_xp": totalXP}
	result, _, err := e.applyXPEvent(ctx, req, root, src, totalXP, cfg, changes)
	return result, trace.Wrap(err)
}

type nodeCompletedPayload struct {
	NodeID string `json:"node_id"`
}

func (e *Engine) ingestNodeCompleted(ctx context.Context, req Request, root *types.RootIdentity, src *types.Source) (*Result, error) {
	var p nodeCompletedPayload
	if err := parsePayload(req.Payload, &p); err != nil {
		return nil, trace.Wrap(err)
	}
	if p.NodeID == "" {
		return nil, trace.BadParameter("missing node_id")
	}
	cfg := e.readConfig(ctx)
	totalXP := int64(math.Floor(cfg.nodeCompletion * cfg.multiplier))
	changes := map[string]interface{}{"total_xp": totalXP}
	result, _, err := e.applyXPEvent(ctx, req, root, src, totalXP, cfg, changes)
	return result, trace.Wrap(err)
}

type titleGrantPayload struct {
	TitleID string `json:"title_id"`
}

func (e *Engine) ingestTitleGrant(ctx context.Context, req Request, root *types.RootIdentity, src *types.Source) (*Result, error) {
	var p titleGrantPayload
	if err := parsePayload(req.Payload, &p); err != nil {
		return nil, trace.Wrap(err)
	}
	if p.TitleID == "" {
		return nil, trace.BadParameter("missing title_id")
	}
	now := e.cfg.Clock.Now()
	var result *Result
	var pending *types.IdentityEvent
	err := e.cfg.Backend.InTransaction(ctx, func(tx *sql.Tx) error {
		granted, err := e.cfg.Loot.TryGrantTitle(ctx, tx, root.ID, p.TitleID, "source:"+src.ID, now)
		if err != nil {
			return trace.Wrap(err)
		}
		changes := map[string]interface{}{
			"title_id":     p.TitleID,
			"already_held": !granted,
		}
		evt, err := e.appendEvent(ctx, tx, req, root.ID, src.ID, changes)
		if err != nil {
			return trace.Wrap(err)
		}
		pending = evt
		result = resultFromEvent(evt)
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.cfg.Ledger.Emit(pending)
	return result, nil
}

type fateMarkerPayload struct {
	Marker string `json:"marker"`
}

func (e *Engine) ingestFateMarker(ctx context.Context, req Request, root *types.RootIdentity, src *types.Source) (*Result, error) {
	var p fateMarkerPayload
	if err := parsePayload(req.Payload, &p); err != nil {
		return nil, trace.Wrap(err)
	}
	if p.Marker == "" {
		return nil, trace.BadParameter("missing marker")
	}
	now := e.cfg.Clock.Now()
	marker := &types.FateMarker{
		ID:        "mkr_" + uuid.NewString(),
		RootID:    root.ID,
		SourceID:  src.ID,
		Marker:    p.Marker,
		CreatedAt: now,
	}
	var result *Result
	var pending *types.IdentityEvent
	err := e.cfg.Backend.InTransaction(ctx, func(tx *sql.Tx) error {
		if err := e.cfg.Backend.InsertFateMarker(ctx, tx, marker); err != nil {
			return trace.Wrap(err)
		}
		changes := map[string]interface{}{"marker_id": marker.ID}
		evt, err := e.appendEvent(ctx, tx, req, root.ID, src.ID, changes)
		if err != nil {
			return trace.Wrap(err)
		}
		pending = evt
		result = resultFromEvent(evt)
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.cfg.Ledger.Emit(pending)
	return result, nil
}

// applyXPEvent credits XP, runs the level cascade with its idempotent
// title grants, and commits the ledger row with the state mutation.
func (e *Engine) applyXPEvent(ctx context.Context, req Request, root *types.RootIdentity, src *types.Source, delta int64, cfg xpConfig, changes map[string]interface{}) (*Result, *levelUp, error) {
	newXP := root.FateXP + delta
	newLevel := levelForXP(newXP, cfg.baseThreshold, cfg.levelMult)
	var up *levelUp
	if newLevel > root.FateLevel {
		up = &levelUp{From: root.FateLevel, To: newLevel}
		changes["level_up"] = up
	}

	now := e.cfg.Clock.Now()
	var result *Result
	var pending *types.IdentityEvent
	err := e.cfg.Backend.InTransaction(ctx, func(tx *sql.Tx) error {
		if err := e.cfg.Backend.UpdateRootProgress(ctx, tx, root.ID, newXP, newLevel); err != nil {
			return trace.Wrap(err)
		}
		var titles []string
		for lvl := root.FateLevel + 1; lvl <= newLevel; lvl++ {
			titleID, ok := defaults.LevelTitles[lvl]
			if !ok {
				continue
			}
			granted, err := e.cfg.Loot.TryGrantTitle(ctx, tx, root.ID, titleID, fmt.Sprintf("level:%d", lvl), now)
			if err != nil {
				return trace.Wrap(err)
			}
			if granted {
				titles = append(titles, titleID)
			}
		}
		if len(titles) > 0 {
			changes["titles_granted"] = titles
		}
		evt, err := e.appendEvent(ctx, tx, req, root.ID, src.ID, changes)
		if err != nil {
			return trace.Wrap(err)
		}
		pending = evt
		result = resultFromEvent(evt)
		return nil
	})
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	e.cfg.Ledger.Emit(pending)
	return result, up, nil
}

// appendEvent writes the top-level ledger row, folding session_ref
// into the stored payload when the connector sent one.
func (e *Engine) appendEvent(ctx context.Context, tx *sql.Tx, req Request, rootID, sourceID string, changes map[string]interface{}) (*types.IdentityEvent, error) {
	payload := req.Payload
	if req.SessionRef != "" {
		merged := map[string]interface{}{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &merged); err != nil {
				return nil, trace.BadParameter("invalid payload: %v", err)
			}
		}
		merged["session_ref"] = req.SessionRef
		raw, err := json.Marshal(merged)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		payload = raw
	}
	evt, err := e.cfg.Ledger.Append(ctx, tx, events.AppendParams{
		RootID:   rootID,
		Type:     req.EventType,
		SourceID: sourceID,
		Payload:  payload,
		Changes:  changes,
	})
	return evt, trace.Wrap(err)
}

// grantBossTitle grants the highest tier whose threshold the boss
// damage reached, with its own ledger row.
func (e *Engine) grantBossTitle(ctx context.Context, rootID string, bossPct float64, sourceID string) {
	var titleID string
	for _, tier := range defaults.BossTitleTiers {
		if bossPct >= tier.Threshold {
			titleID = tier.TitleID
			break
		}
	}
	if titleID == "" {
		return
	}
	now := e.cfg.Clock.Now()
	var pending *types.IdentityEvent
	err := e.cfg.Backend.InTransaction(ctx, func(tx *sql.Tx) error {
		granted, err := e.cfg.Loot.TryGrantTitle(ctx, tx, rootID, titleID, "boss_damage", now)
		if err != nil {
			return trace.Wrap(err)
		}
		if !granted {
			return nil
		}
		evt, err := e.cfg.Ledger.Append(ctx, tx, events.AppendParams{
			RootID:   rootID,
			Type:     pik.EventTitleGranted,
			SourceID: sourceID,
			Payload: map[string]interface{}{
				"title_id":    titleID,
				"granted_via": "boss_damage",
			},
		})
		if err != nil {
			return trace.Wrap(err)
		}
		pending = evt
		return nil
	})
	if err != nil {
		e.logger.WarnContext(ctx, "boss title grant failed",
			"root_id", rootID, "title_id", titleID, "error", err)
		return
	}
	e.cfg.Ledger.Emit(pending)
}

func (e *Engine) grantCache(ctx context.Context, rootID string, p loot.GrantParams) {
	if _, err := e.cfg.Loot.GrantCache(ctx, rootID, p); err != nil {
		e.logger.WarnContext(ctx, "cache grant failed",
			"root_id", rootID, "cache_type", p.Type, "error", err)
	}
}

// XPConfigFromRuntime reads the cascade tuning for callers outside
// the ingest path, such as the profile view.
func (e *Engine) XPConfigFromRuntime(ctx context.Context) (base, mult float64) {
	cfg := e.readConfig(ctx)
	return cfg.baseThreshold, cfg.levelMult
}

// LevelForXP returns the largest level whose cumulative threshold the
// XP total has reached.
func LevelForXP(xp int64, base, mult float64) int {
	return levelForXP(xp, base, mult)
}

// ProgressWithin reports how far into the current level an XP total
// sits and how much more the next level costs.
func ProgressWithin(xp int64, level int, base, mult float64) (inLevel, needed int64) {
	cumulative := int64(0)
	for n := 1; n < level; n++ {
		cumulative += int64(math.Floor(base * math.Pow(mult, float64(n-1))))
	}
	step := int64(math.Floor(base * math.Pow(mult, float64(level-1))))
	inLevel = xp - cumulative
	needed = step - inLevel
	if needed < 0 {
		needed = 0
	}
	return inLevel, needed
}

// levelForXP returns the largest level whose cumulative threshold the
// XP total has reached. Thresholds grow geometrically and are floored
// per level before summing.
func levelForXP(xp int64, base, mult float64) int {
	level := 1
	cumulative := int64(0)
	for {
		step := int64(math.Floor(base * math.Pow(mult, float64(level-1))))
		if step <= 0 {
			return level
		}
		if xp < cumulative+step {
			return level
		}
		cumulative += step
		level++
	}
}

func parsePayload(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return trace.BadParameter("missing payload")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return trace.BadParameter("invalid payload: %v", err)
	}
	return nil
}

func resultFromEvent(evt *types.IdentityEvent) *Result {
	return &Result{
		EventID:        evt.ID,
		EventType:      evt.Type,
		ChangesApplied: evt.Changes,
	}
}
