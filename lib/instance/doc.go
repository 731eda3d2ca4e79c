// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package instance is the client side of a crann namespace: a local
// mirror of the service's state for one connected agent.
//
// [Connect] posts the ready handshake and returns immediately; the
// mirror is populated when the service answers with the initial state,
// at which point [Instance.Ready] closes. Every later delta carries a
// digest of the service's shared state. When the mirror's digest
// disagrees the instance asks for a resync and the next snapshot
// replaces the mirror wholesale.
//
// Writes go to the service as the reserved "crann:set" call, so
// [Instance.Set] returns the service's verdict (unknown field,
// rejected update) and, on success, the mirror already reflects the
// change.
package instance
