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

package config

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/fateworks/pik/lib/defaults"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, defaults.HTTPListenPort, cfg.Port)
	require.Equal(t, defaults.DatabasePath, cfg.DatabasePath)
	require.Equal(t, "development", cfg.Environment)
	require.False(t, cfg.Production())
	require.Empty(t, cfg.CORSOrigins)
	require.Equal(t, "localhost", cfg.RPID)
	require.Equal(t, "http://localhost:8080", cfg.Origin)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "/tmp/pik.db")
	t.Setenv("NODE_ENV", "production")
	t.Setenv("CORS_ORIGINS", "https://app.fateworks.io, https://admin.fateworks.io,")
	t.Setenv("WEBAUTHN_RP_ID", "fateworks.io")
	t.Setenv("WEBAUTHN_ORIGIN", "https://app.fateworks.io")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, "/tmp/pik.db", cfg.DatabasePath)
	require.True(t, cfg.Production())
	require.Equal(t, []string{"https://app.fateworks.io", "https://admin.fateworks.io"}, cfg.CORSOrigins)
	require.Equal(t, "fateworks.io", cfg.RPID)
	require.Equal(t, "https://app.fateworks.io", cfg.Origin)
}

func TestInvalidPort(t *testing.T) {
	for _, port := range []string{"nope", "0", "70000", "-1"} {
		t.Setenv("PORT", port)
		_, err := FromEnv()
		require.True(t, trace.IsBadParameter(err), "port %q should be rejected", port)
	}
}

func TestInvalidOrigin(t *testing.T) {
	t.Setenv("WEBAUTHN_ORIGIN", "not a url")
	_, err := FromEnv()
	require.True(t, trace.IsBadParameter(err))
}

func TestProductionRequiresCORSOrigins(t *testing.T) {
	t.Setenv("NODE_ENV", "production")
	_, err := FromEnv()
	require.True(t, trace.IsBadParameter(err))
	require.Contains(t, err.Error(), "CORS_ORIGINS")

	t.Setenv("CORS_ORIGINS", "https://app.fateworks.io")
	cfg, err := FromEnv()
	require.NoError(t, err)
	require.True(t, cfg.Production())
}
