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

// Package pik contains constants shared across the Persistent Identity
// Kernel: component names used in logs, ledger event types, and the
// wire-level markers of the public API.
package pik

const (
	// ComponentKey is the log field that carries a component name.
	ComponentKey = "component"

	// ComponentBackend is the sqlite persistence layer.
	ComponentBackend = "backend"
	// ComponentLedger is the append-only identity event ledger.
	ComponentLedger = "ledger"
	// ComponentWebAuthn is the passkey ceremony engine.
	ComponentWebAuthn = "webauthn"
	// ComponentIngest is the progression ingest engine.
	ComponentIngest = "ingest"
	// ComponentLoot is the fate cache / loot table engine.
	ComponentLoot = "loot"
	// ComponentReaper is the expired-row reaper.
	ComponentReaper = "reaper"
	// ComponentWeb is the HTTP API server.
	ComponentWeb = "web"
	// ComponentSources is the source registry.
	ComponentSources = "sources"
	// ComponentIdentity is the identity lifecycle service.
	ComponentIdentity = "identity"
)

// Ledger event types. Every state change to a root identity appends
// exactly one row carrying one of these dotted type strings.
const (
	// EventIdentityEnrolled records creation of a root identity.
	EventIdentityEnrolled = "identity.enrolled"
	// EventIdentityAuthenticated records a successful passkey login.
	EventIdentityAuthenticated = "identity.authenticated"
	// EventIdentityProfileUpdated records a profile field change.
	EventIdentityProfileUpdated = "identity.profile_updated"
	// EventIdentityTitleEquipped records an equipped-title change.
	EventIdentityTitleEquipped = "identity.title_equipped"

	// EventKeyRegistered records attachment of a passkey credential.
	EventKeyRegistered = "key.registered"
	// EventKeyRevoked records revocation of a passkey credential.
	EventKeyRevoked = "key.revoked"

	// EventSourceLinkGranted records a consent link grant.
	EventSourceLinkGranted = "source.link_granted"
	// EventSourceLinkRevoked records a consent link revocation.
	EventSourceLinkRevoked = "source.link_revoked"

	// EventSessionCompleted is emitted by sources when a play session ends.
	EventSessionCompleted = "progression.session_completed"
	// EventXPGranted is a raw XP grant from a source.
	EventXPGranted = "progression.xp_granted"
	// EventNodeCompleted records completion of a single map node.
	EventNodeCompleted = "progression.node_completed"
	// EventTitleGranted records a title grant.
	EventTitleGranted = "progression.title_granted"
	// EventFateMarker records a narrative marker.
	EventFateMarker = "progression.fate_marker"

	// EventCacheGranted records a sealed fate cache grant.
	EventCacheGranted = "loot.cache_granted"
	// EventCacheOpened records a fate cache being opened.
	EventCacheOpened = "loot.cache_opened"
)

const (
	// APIKeyHeader carries the plaintext source API key on ingest calls.
	APIKeyHeader = "X-PIK-API-Key"

	// APIKeyPrefix starts every issued source API key. The full key is
	// the prefix followed by 48 lowercase hex characters.
	APIKeyPrefix = "pik_"

	// SSEConnectedEvent is the first frame written on an event stream.
	SSEConnectedEvent = "connected"
)
