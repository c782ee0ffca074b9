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

// Package defaults contains default constants and seed data set in
// various parts of the kernel.
package defaults

import "time"

const (
	// HTTPListenPort is the API port when PORT is unset.
	HTTPListenPort = 8080

	// DatabasePath is the sqlite file when DATABASE_URL is unset.
	DatabasePath = "pik.db"

	// ChallengeTTL bounds both phases of a WebAuthn ceremony.
	ChallengeTTL = 5 * time.Minute

	// SessionTokenTTL is the bearer token lifetime when the
	// session_token_ttl_secs runtime key is missing or unparsable.
	SessionTokenTTL = time.Hour

	// ReaperInterval is how often expired challenges and session
	// tokens are deleted. The reaper also runs once at startup.
	ReaperInterval = 15 * time.Minute

	// SSEHeartbeatInterval is how often a comment frame keeps an
	// idle event stream alive.
	SSEHeartbeatInterval = 30 * time.Second

	// EventBusMaxSubscribers bounds concurrent SSE observers.
	EventBusMaxSubscribers = 200

	// EventBusBufferSize is the per-subscriber pending event buffer.
	// A subscriber that falls further behind loses its oldest
	// pending events rather than blocking the publisher.
	EventBusBufferSize = 64

	// APIKeyRandomBytes is the entropy behind a source API key; the
	// key is its hex form behind the pik_ prefix.
	APIKeyRandomBytes = 24

	// SessionTokenRandomBytes is the entropy behind a bearer token.
	SessionTokenRandomBytes = 32

	// RecentEventsLimit bounds the recent_events block of the user
	// detail view.
	RecentEventsLimit = 20
)

// Rate limit policies, requests per window.
const (
	RateLimitWindow = time.Minute

	RateLimitDefault = 60
	RateLimitIngest  = 120
	RateLimitAuth    = 10
	RateLimitDemo    = 5
)

// Runtime config keys. Values live in the config table as strings and
// are parsed on read; writes to keys outside this set are rejected.
const (
	ConfigXPPerSessionNormal = "xp_per_session_normal"
	ConfigXPPerSessionHard   = "xp_per_session_hard"
	ConfigXPBossTierPct      = "xp_boss_tier_pct"
	ConfigXPNodeCompletion   = "xp_node_completion"
	ConfigEventXPMultiplier  = "event_xp_multiplier"
	ConfigXPBaseThreshold    = "xp_base_threshold"
	ConfigXPLevelMultiplier  = "xp_level_multiplier"
	ConfigSessionTokenTTL    = "session_token_ttl_secs"
	ConfigDefaultLinkScope   = "default_link_scope"
)

// RuntimeConfig seeds the config table on first start.
var RuntimeConfig = map[string]string{
	ConfigXPPerSessionNormal: "100",
	ConfigXPPerSessionHard:   "150",
	ConfigXPBossTierPct:      "0.5",
	ConfigXPNodeCompletion:   "15",
	ConfigEventXPMultiplier:  "1.0",
	ConfigXPBaseThreshold:    "200",
	ConfigXPLevelMultiplier:  "1.5",
	ConfigSessionTokenTTL:    "3600",
	ConfigDefaultLinkScope:   "progression:write",
}

// LevelTitles maps fate levels to the title granted on reaching them.
var LevelTitles = map[int]string{
	2:  "title_fate_awakened",
	5:  "title_fate_burning",
	10: "title_fate_ascendant",
}

// BossTitleTiers maps boss damage thresholds, highest first, to the
// veilbreaker title granted by session ingest. The 25 tier exists in
// the catalog but is only granted by sources directly.
var BossTitleTiers = []struct {
	Threshold float64
	TitleID   string
}{
	{100, "title_veilbreaker_100"},
	{75, "title_veilbreaker_75"},
	{50, "title_veilbreaker_50"},
}
