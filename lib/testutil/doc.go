// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve pattern (select with a time.After fallback) so individual tests
// never call time.After themselves. They are the only place where the
// test suite uses real wall-clock timeouts; everything else runs on
// lib/clock's fake clock.
//
// [UniqueID] generates monotonically increasing identifiers for agent
// IDs and storage prefixes that must not collide between tests.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
