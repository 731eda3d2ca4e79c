// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persist

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/crann/lib/clock"
	"github.com/bureau-foundation/crann/lib/sqlitepool"
)

// Schema is the durable tier's table. updated_at is Unix milliseconds
// of the last write, kept for operators inspecting the database.
const Schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
) WITHOUT ROWID;
`

// SQLite is a Backend on a sqlitepool.Pool opened with Schema.
type SQLite struct {
	pool  *sqlitepool.Pool
	clock clock.Clock
}

// NewSQLite returns a backend on pool. The pool must have been opened
// with Schema (see OpenSQLite).
func NewSQLite(pool *sqlitepool.Pool, clk clock.Clock) *SQLite {
	if clk == nil {
		clk = clock.Real()
	}
	return &SQLite{pool: pool, clock: clk}
}

// OpenSQLite opens a pool at config.Path with the kv schema and
// returns the backend. The caller owns the pool and must Close it.
func OpenSQLite(config sqlitepool.Config, clk clock.Clock) (*SQLite, *sqlitepool.Pool, error) {
	config.Schema = Schema
	pool, err := sqlitepool.Open(config)
	if err != nil {
		return nil, nil, err
	}
	return NewSQLite(pool, clk), pool, nil
}

// Get implements Backend.
func (s *SQLite) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	entries := make(map[string][]byte)
	collect := func(stmt *sqlite.Stmt) error {
		value := make([]byte, stmt.ColumnLen(1))
		stmt.ColumnBytes(1, value)
		entries[stmt.ColumnText(0)] = value
		return nil
	}

	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		if keys == nil {
			return sqlitex.Execute(conn, "SELECT key, value FROM kv", &sqlitex.ExecOptions{
				ResultFunc: collect,
			})
		}
		for _, key := range keys {
			err := sqlitex.Execute(conn, "SELECT key, value FROM kv WHERE key = ?", &sqlitex.ExecOptions{
				Args:       []any{key},
				ResultFunc: collect,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading durable state: %w", err)
	}
	return entries, nil
}

// Set implements Backend. All entries are written in one transaction.
func (s *SQLite) Set(ctx context.Context, entries map[string][]byte) error {
	now := s.clock.Now().UnixMilli()
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		for _, key := range sortedKeys(entries) {
			err := sqlitex.Execute(conn,
				`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				&sqlitex.ExecOptions{Args: []any{key, entries[key], now}})
			if err != nil {
				return fmt.Errorf("writing %s: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing durable state: %w", err)
	}
	return nil
}

// Remove implements Backend.
func (s *SQLite) Remove(ctx context.Context, keys []string) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if keys == nil {
			return sqlitex.Execute(conn, "DELETE FROM kv", nil)
		}
		for _, key := range keys {
			if err := sqlitex.Execute(conn, "DELETE FROM kv WHERE key = ?", &sqlitex.ExecOptions{
				Args: []any{key},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("removing durable state: %w", err)
	}
	return nil
}
