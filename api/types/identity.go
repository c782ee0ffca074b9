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

// Package types defines the domain records owned by the Persistent
// Identity Kernel. Records are plain structs with JSON tags matching
// the public API; persistence lives in lib/backend.
package types

import (
	"time"

	"github.com/gravitational/trace"
)

// IdentityStatus is the lifecycle state of a root identity. Identities
// are never deleted from disk, only status-transitioned.
type IdentityStatus string

const (
	IdentityActive    IdentityStatus = "active"
	IdentitySuspended IdentityStatus = "suspended"
	IdentityDeleted   IdentityStatus = "deleted"
)

// Check validates the status value.
func (s IdentityStatus) Check() error {
	switch s {
	case IdentityActive, IdentitySuspended, IdentityDeleted:
		return nil
	}
	return trace.BadParameter("invalid identity status %q", string(s))
}

// RootIdentity is the canonical user record. Every state change to a
// user flows through the kernel and lands on this record plus a ledger
// row; upstream sources never mutate it directly.
type RootIdentity struct {
	ID              string         `json:"root_id"`
	HeroName        string         `json:"hero_name"`
	FateAlignment   string         `json:"fate_alignment"`
	Origin          string         `json:"origin,omitempty"`
	FateXP          int64          `json:"fate_xp"`
	FateLevel       int            `json:"fate_level"`
	Status          IdentityStatus `json:"status"`
	EquippedTitleID string         `json:"equipped_title_id,omitempty"`
	EnrolledBy      string         `json:"enrolled_by"`
	EnrolledAt      time.Time      `json:"enrolled_at"`
}

// Persona is a display-layer alias bound to a root identity. One
// primary persona is created at enrollment.
type Persona struct {
	ID        string         `json:"persona_id"`
	RootID    string         `json:"root_id"`
	Name      string         `json:"persona_name"`
	Primary   bool           `json:"is_primary"`
	Status    IdentityStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}
