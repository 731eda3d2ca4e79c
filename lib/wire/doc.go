// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the messages exchanged between a crann service
// and its instances, the value model carried inside them, and the
// encodings that move messages across a transport port.
//
// # Values
//
// State values and RPC arguments are normalized by [Normalize] into a
// closed set of Go types: map[string]any, []any, int64, float64,
// string, bool, []byte, nil, and [FuncRef]. Every encoding preserves
// this set exactly, so a value read on the far side of a port compares
// equal (lib/codec.Equal) to the value that was sent.
//
// # Messages
//
// A [Message] is a tagged envelope. Its Type selects which of the
// remaining fields are meaningful:
//
//   - ready: instance to service, carries Agent (requested ID and
//     address). Sent once the instance has installed its handlers.
//   - initial_state: service to instance, the full merged state, the
//     assigned Agent, and the shared-state Digest. Sent at most once
//     per connection.
//   - state: service to instance, Changes plus the Digest of shared
//     state after they were applied.
//   - resync: instance to service, requests a fresh initial_state
//     after a Digest mismatch.
//   - rpc: either direction, carries a [Frame].
//
// # Encodings
//
// [PassThrough] hands a deep copy of the message to the port; it is
// for in-process pipes. [Binary] produces a byte slice: deterministic
// CBOR with a per-message string table for repeated values, function
// references as a CBOR tag, and optional lz4 or zstd compression above
// a size threshold.
package wire
