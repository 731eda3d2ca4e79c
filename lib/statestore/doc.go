// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statestore owns a crann namespace's state: the canonical
// shared values and one per-instance map for every registered
// instance.
//
// Every mutation ([Store.Set], [Store.Clear], [Store.Hydrate]) runs
// through one pipeline, serialized by a write lock:
//
//  1. Normalize and split the update by partition. Unknown fields and
//     per-instance fields without an instance key reject the whole
//     update before anything is applied.
//  2. Compare each candidate against the current value by
//     deterministic CBOR encoding. Unchanged fields are dropped; if
//     nothing changed the call is a no-op.
//  3. Apply the changes in memory.
//  4. Write changed persisted fields to their tier's backend. A
//     backend error is returned and no notification is emitted.
//  5. Queue notifications: state listeners, then deltas to instances.
//     Shared changes go to every synced instance, per-instance changes
//     only to their owner.
//
// Notifications are delivered in order by a single dispatcher
// goroutine, never while the store's locks are held, so a listener may
// call Set.
//
// Instances receive deltas only after their initial sync.
// [Store.InstanceReady] queues the full snapshot at most once per
// registration; [Store.ResetSync] re-arms it after a transport
// reconnect.
package statestore
