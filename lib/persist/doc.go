// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package persist stores persisted state fields.
//
// A [Backend] is a flat key/value map of encoded values. The state
// store owns key naming (a configurable prefix plus the field name)
// and value encoding; backends only move bytes. Every method is
// synchronous: a nil return from Set means the value is as durable as
// the backend promises.
//
// Three backends are provided:
//
//   - [Memory]: process lifetime. Used in tests and when a tier is
//     configured as ephemeral.
//   - [SessionFile]: a single CBOR file rewritten atomically on every
//     Set. Placed in a runtime directory (XDG_RUNTIME_DIR or /run) it
//     survives service restarts but not reboots, which is the
//     "session" tier.
//   - [SQLite]: a kv table in a SQLite database with synchronous=FULL.
//     This is the durable ("local") tier.
package persist
