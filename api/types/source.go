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
	"regexp"
	"time"

	"github.com/gravitational/trace"
)

// SourceStatus is the lifecycle state of an upstream source. Only
// active sources authenticate.
type SourceStatus string

const (
	SourceActive      SourceStatus = "active"
	SourceSuspended   SourceStatus = "suspended"
	SourceDeactivated SourceStatus = "deactivated"
)

// Check validates the source status value.
func (s SourceStatus) Check() error {
	switch s {
	case SourceActive, SourceSuspended, SourceDeactivated:
		return nil
	}
	return trace.BadParameter("invalid source status %q", string(s))
}

// sourceIDPattern constrains caller-chosen source ids: lowercase
// alphanumeric with interior hyphens, 4-50 characters.
var sourceIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{2,48}[a-z0-9]$`)

// ValidateSourceID checks a caller-chosen source id against the
// allowed pattern.
func ValidateSourceID(id string) error {
	if !sourceIDPattern.MatchString(id) {
		return trace.BadParameter("invalid source id %q: must match %s", id, sourceIDPattern.String())
	}
	return nil
}

// Source is an upstream system authorized to emit progression events.
// The plaintext API key is returned once at issuance; only its SHA-256
// is stored, and at most one key is live at a time.
type Source struct {
	ID         string       `json:"source_id"`
	Name       string       `json:"source_name"`
	Status     SourceStatus `json:"status"`
	APIKeyHash string       `json:"-"`
	CreatedAt  time.Time    `json:"created_at"`
}

// LinkStatus is the lifecycle state of a consent link.
type LinkStatus string

const (
	LinkActive  LinkStatus = "active"
	LinkRevoked LinkStatus = "revoked"
)

// SourceLink is a consent receipt granting one source permission to
// mutate one root identity. At most one active link exists per
// (root, source) pair; revocation blocks future ingest only.
type SourceLink struct {
	ID        string     `json:"link_id"`
	RootID    string     `json:"root_id"`
	SourceID  string     `json:"source_id"`
	Scope     string     `json:"scope"`
	Status    LinkStatus `json:"status"`
	GrantedBy string     `json:"granted_by"`
	GrantedAt time.Time  `json:"granted_at"`
	RevokedBy string     `json:"revoked_by,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}
