// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components that arm timers (the agent registry's reconnect window,
// the RPC endpoint's call timeout) take a Clock in their config. Tests
// inject Fake and drive time with Advance:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	registry := agent.NewRegistry(agent.Config{Clock: fake, ReconnectGrace: time.Second})
//	// ... drop a port ...
//	fake.WaitForTimers(1)
//	fake.Advance(time.Second)
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing past it.
package clock
