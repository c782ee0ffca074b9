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

// Command pik runs the Persistent Identity Kernel server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fateworks/pik/lib/auth"
	"github.com/fateworks/pik/lib/auth/webauthn"
	"github.com/fateworks/pik/lib/backend"
	"github.com/fateworks/pik/lib/config"
	"github.com/fateworks/pik/lib/defaults"
	"github.com/fateworks/pik/lib/events"
	"github.com/fateworks/pik/lib/ingest"
	"github.com/fateworks/pik/lib/limiter"
	"github.com/fateworks/pik/lib/loot"
	"github.com/fateworks/pik/lib/reaper"
	"github.com/fateworks/pik/lib/services"
	"github.com/fateworks/pik/lib/web"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return trace.Wrap(err)
	}
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	b, err := backend.New(ctx, backend.Config{Path: cfg.DatabasePath, Clock: clock})
	if err != nil {
		return trace.Wrap(err)
	}
	defer b.Close()

	bus := events.NewBus(events.BusConfig{})
	ledger := events.NewLedger(b, bus, clock)
	runtime := services.NewConfigService(b)
	registry := services.NewSourceRegistry(b, clock)
	consent := services.NewConsent(b, ledger, runtime, clock)
	identity := services.NewIdentity(b, ledger, runtime, clock)
	sessions := auth.NewSessions(b, runtime, clock)
	keys := auth.NewKeyManager(b, ledger, clock)

	wan, err := webauthn.NewEngine(webauthn.Config{
		Backend:      b,
		Ledger:       ledger,
		Sessions:     sessions,
		Runtime:      runtime,
		Clock:        clock,
		RPName:       cfg.RPName,
		RPID:         cfg.RPID,
		Origin:       cfg.Origin,
		ChallengeTTL: defaults.ChallengeTTL,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	lootEngine, err := loot.NewEngine(loot.Config{Backend: b, Ledger: ledger, Clock: clock})
	if err != nil {
		return trace.Wrap(err)
	}
	ingestEngine, err := ingest.NewEngine(ingest.Config{
		Backend: b,
		Ledger:  ledger,
		Consent: consent,
		Runtime: runtime,
		Loot:    lootEngine,
		Clock:   clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	rp, err := reaper.New(reaper.Config{Backend: b, Clock: clock})
	if err != nil {
		return trace.Wrap(err)
	}
	go rp.Run(ctx)

	handler, err := web.NewHandler(web.Config{
		Backend:     b,
		Ledger:      ledger,
		Bus:         bus,
		Identity:    identity,
		Sources:     registry,
		Consent:     consent,
		Runtime:     runtime,
		Sessions:    sessions,
		Keys:        keys,
		WebAuthn:    wan,
		Ingest:      ingestEngine,
		Loot:        lootEngine,
		Limiter:     limiter.New(clock),
		Clock:       clock,
		CORSOrigins: cfg.CORSOrigins,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", server.Addr, "environment", cfg.Environment)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return trace.Wrap(err)
	}
	return nil
}

// setupLogger routes slog output: JSON in production, text otherwise.
func setupLogger(cfg *config.Config) {
	var handler slog.Handler
	if cfg.Production() {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}
