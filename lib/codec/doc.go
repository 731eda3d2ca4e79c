// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR configuration shared by the
// state store, the binary wire encoding, and the persistence backends.
//
// Three properties matter to callers:
//
//   - Encoding is deterministic (RFC 8949 §4.2), so two logically equal
//     values always produce identical bytes. The state store uses this
//     for its no-op detection ([Equal]) and the fingerprint of shared
//     state.
//   - Decoding into any produces map[string]any for maps and int64 for
//     integers, so a value that crossed a channel or a storage backend
//     is indistinguishable from one produced in-process.
//   - [Convert] turns those loose values into concrete Go types.
//
// For buffer-oriented operations (storage values, tokens):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Wire types use `cbor` struct tags. Types that are also shown to
// humans (CLI --json output) use `json` tags, which fxamacker/cbor
// reads as a fallback. Never put both tags on the same field.
package codec
