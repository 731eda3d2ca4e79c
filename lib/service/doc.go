// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service is the authoritative side of a crann namespace.
//
// A [Service] owns the canonical [statestore.Store], the
// [agent.Registry] of connected instances, and one [rpc.Endpoint] per
// connection. Each connection starts with a handshake:
//
//  1. the instance posts ready{agent: {id?, address}}
//  2. the service registers the agent (allocating an ID when none was
//     given) and sends initial_state{state, agent, digest, keys}
//  3. afterwards state deltas flow service to instance, and rpc frames
//     flow both ways
//
// Instances write state through the reserved action "crann:set", so a
// rejected update reaches the writer as an RPC error rather than being
// dropped. Declared actions are served from the same table and can be
// invoked locally with [Service.CallAction].
//
// The service does not own listeners or processes. cmd/crann-service
// binds a unix socket (and a WebRTC listener when configured) and calls
// [Service.Serve] on each; tests attach in-memory ports from
// [transport.Pipe] with [Service.Attach].
package service
