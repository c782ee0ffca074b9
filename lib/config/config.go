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

// Package config reads the process configuration from environment
// variables.
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/fateworks/pik/lib/defaults"
)

// Config is the process-level configuration.
type Config struct {
	// Port is the HTTP listen port.
	Port int
	// DatabasePath is the sqlite database file.
	DatabasePath string
	// Environment is "production" or "development".
	Environment string
	// CORSOrigins is the allowed origin list. Empty means any origin
	// outside production.
	CORSOrigins []string

	// Relying-party parameters for the passkey ceremonies.
	RPName string
	RPID   string
	Origin string
}

// FromEnv reads the configuration from the process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:         defaults.HTTPListenPort,
		DatabasePath: defaults.DatabasePath,
		Environment:  "development",
		RPName:       "PIK",
		RPID:         "localhost",
		Origin:       "http://localhost:8080",
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			return nil, trace.BadParameter("invalid PORT %q", v)
		}
		cfg.Port = port
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("NODE_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
			}
		}
	}
	if v := os.Getenv("WEBAUTHN_RP_NAME"); v != "" {
		cfg.RPName = v
	}
	if v := os.Getenv("WEBAUTHN_RP_ID"); v != "" {
		cfg.RPID = v
	}
	if v := os.Getenv("WEBAUTHN_ORIGIN"); v != "" {
		cfg.Origin = v
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	u, err := url.Parse(c.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return trace.BadParameter("invalid WEBAUTHN_ORIGIN %q", c.Origin)
	}
	if c.RPID == "" {
		return trace.BadParameter("missing WEBAUTHN_RP_ID")
	}
	if c.Production() && len(c.CORSOrigins) == 0 {
		return trace.BadParameter("CORS_ORIGINS is required in production")
	}
	return nil
}

// Production reports whether the process runs in production mode.
func (c *Config) Production() bool {
	return c.Environment == "production"
}
