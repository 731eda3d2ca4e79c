// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens SQLite databases for crann's durable state
// tier.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool with a fixed pragma
// set (WAL journal, busy timeout, in-memory temp store) and a
// configurable synchronous level. Durable state defaults to FULL so a
// completed Set survives power loss, which is the contract of the
// "local" persistence tier.
//
// Callers either manage connections directly with [Pool.Take] and
// [Pool.Put], or use [Pool.Read] and [Pool.Write], which hold a
// connection for the duration of a callback. Write wraps the callback
// in an IMMEDIATE transaction that commits when the callback returns
// nil and rolls back otherwise.
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   filepath.Join(stateDirectory, "state.db"),
//	    Schema: schema,
//	    Logger: logger,
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	err = pool.Write(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "DELETE FROM kv", nil)
//	})
package sqlitepool
