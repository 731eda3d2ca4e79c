// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent tracks the instance contexts connected to a service.
//
// An [Agent] is one connected context, identified by an opaque ID and
// a routable [Address]. The [Registry] is fed by the transport layer
// (lib/service calls Connect when an instance completes its handshake
// and Disconnect when its port closes) and surfaces three events to
// consumers:
//
//   - connect: a new agent, or one whose previous session already
//     ended. Consumers allocate fresh per-instance state.
//   - reconnect: an agent with the same ID came back within the
//     registry's ReconnectGrace window. Per-instance state survives;
//     only deliverability is re-established.
//   - disconnect: the agent's session is over. Fires at most once per
//     connect. With ReconnectGrace zero it fires as soon as the port
//     drops; otherwise it fires when the grace timer expires.
//
// Listeners run synchronously on the goroutine that reported the
// transition, after the registry lock is released, in registration
// order. Connect fires before the caller starts reading messages from
// the agent's port, which is the ordering guarantee the state store
// relies on.
//
// Agents are looked up by ID with [Registry.Agent] or selected with a
// [Filter] via [Registry.Query].
package agent
