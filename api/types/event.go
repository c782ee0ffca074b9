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
)

// IdentityEvent is one row of the append-only ledger. Rows are never
// updated or deleted by business logic. Ordering within a root is by
// created_at, ties broken by event id.
type IdentityEvent struct {
	ID        string          `json:"event_id"`
	RootID    string          `json:"root_id"`
	Type      string          `json:"event_type"`
	SourceID  string          `json:"source_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Changes   json.RawMessage `json:"changes_applied,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// FateMarker is a freeform narrative breadcrumb keyed to a root and an
// optional source. Markers are not deduplicated.
type FateMarker struct {
	ID        string    `json:"marker_id"`
	RootID    string    `json:"root_id"`
	SourceID  string    `json:"source_id,omitempty"`
	Marker    string    `json:"marker"`
	CreatedAt time.Time `json:"created_at"`
}
