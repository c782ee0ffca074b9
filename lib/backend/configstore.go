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

	"github.com/gravitational/trace"
)

// GetConfigValue reads one runtime config value. Values are stored as
// strings; callers pair each key with its parser.
func (b *Backend) GetConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := b.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if convertedErr := convertError(err); trace.IsNotFound(convertedErr) {
			return "", trace.NotFound("config key %q not found", key)
		}
		return "", trace.Wrap(convertError(err))
	}
	return value, nil
}

// GetAllConfig returns the full config table.
func (b *Backend) GetAllConfig(ctx context.Context) (map[string]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, trace.Wrap(err)
		}
		out[key] = value
	}
	return out, trace.Wrap(rows.Err())
}

// SetConfigValue updates an existing runtime config key. Unknown keys
// are rejected upstream; this only flips seeded rows.
func (b *Backend) SetConfigValue(ctx context.Context, key, value string) error {
	res, err := b.db.ExecContext(ctx, `UPDATE config SET value = ? WHERE key = ?`, value, key)
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	return trace.Wrap(requireRowUpdated(res, "config key %q not found", key))
}
