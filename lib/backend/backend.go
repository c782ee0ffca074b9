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

// Package backend implements the kernel's transactional store on
// sqlite. Any mutation that touches two or more tables, and every
// ledger append paired with a state change, runs inside InTransaction
// so it commits atomically or not at all.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/fateworks/pik"
)

// Config holds backend configuration.
type Config struct {
	// Path is a sqlite database file, or ":memory:" for tests.
	Path string
	// Clock is the time source, defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing database path")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Backend is the sqlite-backed store.
type Backend struct {
	db     *sql.DB
	clock  clockwork.Clock
	logger *slog.Logger
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Entity methods take an optional *sql.Tx; nil runs on the pool.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// New opens (or creates) the database, applies the schema and seeds
// reference data that is missing.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := sql.Open("sqlite3", connectionURI(cfg.Path))
	if err != nil {
		return nil, trace.Wrap(err, "opening database %v", cfg.Path)
	}
	// sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY on concurrent transactions and keeps :memory:
	// databases from splitting per connection.
	db.SetMaxOpenConns(1)

	b := &Backend{
		db:     db,
		clock:  cfg.Clock,
		logger: slog.With(pik.ComponentKey, pik.ComponentBackend),
	}
	if err := b.createSchema(ctx); err != nil {
		return nil, trace.NewAggregate(err, db.Close())
	}
	if err := b.seed(ctx); err != nil {
		return nil, trace.NewAggregate(err, db.Close())
	}
	return b, nil
}

// NewMemory returns an in-memory backend for tests.
func NewMemory(ctx context.Context, clock clockwork.Clock) (*Backend, error) {
	return New(ctx, Config{Path: ":memory:", Clock: clock})
}

func connectionURI(path string) string {
	if path == ":memory:" {
		return ":memory:"
	}
	params := url.Values{}
	params.Set("_busy_timeout", "10000")
	params.Set("_journal_mode", "WAL")
	params.Set("_foreign_keys", "ON")
	params.Set("_synchronous", "NORMAL")
	return fmt.Sprintf("file:%v?%v", path, params.Encode())
}

// Close releases the database handle.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Clock returns the backend time source.
func (b *Backend) Clock() clockwork.Clock {
	return b.clock
}

// InTransaction runs fn inside a transaction, committing when fn
// returns nil and rolling back otherwise.
func (b *Backend) InTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			b.logger.WarnContext(ctx, "Transaction rollback failed", "error", rbErr)
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(convertError(tx.Commit()))
}

func (b *Backend) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return b.db
}

// convertError maps driver errors to the trace taxonomy.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return trace.NotFound("not found")
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		switch serr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return trace.AlreadyExists("already exists")
		}
	}
	return trace.Wrap(err)
}

// IsUniqueViolation reports whether err is a unique-index violation
// already converted by the backend.
func IsUniqueViolation(err error) bool {
	return trace.IsAlreadyExists(err)
}

// joinTransports flattens a transport list for storage.
func joinTransports(transports []string) string {
	return strings.Join(transports, ",")
}

// splitTransports restores a stored transport list.
func splitTransports(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
