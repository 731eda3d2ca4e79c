// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements crann's request/response protocol on top of a
// stream of [wire.Frame] values.
//
// An [Endpoint] is symmetric: it issues calls with [Endpoint.Call] and
// serves the [Actions] it was configured with. Each outgoing call gets
// a correlation ID from a per-endpoint counter and waits in a pending
// table until the matching result or error frame arrives. The first
// response wins; late or duplicate responses are logged and dropped.
//
// Incoming calls are checked in a fixed order before any handler code
// runs:
//
//  1. the action must exist ("Action not found")
//  2. the caller must resolve to a known agent ("No target provided")
//  3. the action's validator must accept the arguments
//
// Handlers then run one at a time in arrival order on the endpoint's
// dispatch goroutine. A handler must not wait on a call that the same
// peer can only answer by calling back into this endpoint.
//
// Remote failures arrive as [*CallError]. Its Code maps to one of the
// sentinel errors, so callers test with errors.Is:
//
//	_, err := endpoint.Call(ctx, "increment", -1)
//	if errors.Is(err, rpc.ErrValidationFailed) {
//	    // err.Error() is the validator's message
//	}
//
// A handler result may contain [Func] values. The endpoint retains
// them under a [wire.FuncRef]; the caller receives a [*RemoteFunc]
// that invokes the retained function and must be released when no
// longer needed.
package rpc
