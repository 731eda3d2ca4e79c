// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/crann/lib/wire"
)

// Func is a function a handler can hand back to its caller. The
// endpoint keeps it until the caller releases it or the endpoint
// closes.
type Func func(ctx context.Context, args ...any) (any, error)

// RemoteFunc is the caller-side handle for a Func retained by the peer.
type RemoteFunc struct {
	endpoint *Endpoint
	ref      wire.FuncRef
}

// Ref returns the peer's reference for the function.
func (f *RemoteFunc) Ref() wire.FuncRef {
	return f.ref
}

// Call invokes the retained function on the peer.
func (f *RemoteFunc) Call(ctx context.Context, args ...any) (any, error) {
	return f.endpoint.call(ctx, "", f.ref, args)
}

// Release tells the peer to drop the function. Calls after Release
// fail with ErrActionNotFound.
func (f *RemoteFunc) Release(ctx context.Context) error {
	err := f.endpoint.send(ctx, &wire.Frame{
		Payload: wire.Payload{Kind: wire.KindRelease, Retained: f.ref},
	})
	if err != nil {
		return fmt.Errorf("rpc: releasing retained function %d: %w", f.ref, err)
	}
	return nil
}

// Retained returns the number of functions this endpoint is holding
// for its peer.
func (e *Endpoint) Retained() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.retained)
}

// retainFuncs replaces every Func in a handler result with a FuncRef.
// Funcs are found at the top level and inside map[string]any and
// []any; other containers go through wire.Normalize untouched.
func (e *Endpoint) retainFuncs(value any) (any, error) {
	switch typed := value.(type) {
	case Func:
		if typed == nil {
			return nil, nil
		}
		return e.retain(typed)
	case func(context.Context, ...any) (any, error):
		if typed == nil {
			return nil, nil
		}
		return e.retain(Func(typed))
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, element := range typed {
			converted, err := e.retainFuncs(element)
			if err != nil {
				return nil, err
			}
			out[key] = converted
		}
		return out, nil
	case []any:
		out := make([]any, len(typed))
		for i, element := range typed {
			converted, err := e.retainFuncs(element)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	default:
		return value, nil
	}
}

func (e *Endpoint) retain(fn Func) (wire.FuncRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	e.nextRef++
	e.retained[e.nextRef] = fn
	return e.nextRef, nil
}

// bindRemote replaces every FuncRef in a call result with a
// *RemoteFunc that calls back through e.
func (e *Endpoint) bindRemote(value any) any {
	switch typed := value.(type) {
	case wire.FuncRef:
		return &RemoteFunc{endpoint: e, ref: typed}
	case map[string]any:
		for key, element := range typed {
			typed[key] = e.bindRemote(element)
		}
		return typed
	case []any:
		for i, element := range typed {
			typed[i] = e.bindRemote(element)
		}
		return typed
	default:
		return value
	}
}

func (e *Endpoint) invokeRetained(ctx context.Context, payload wire.Payload) (any, error) {
	e.mu.Lock()
	fn, ok := e.retained[payload.Retained]
	e.mu.Unlock()
	if !ok {
		return nil, &CallError{Code: CodeActionNotFound, Message: MessageActionNotFound}
	}
	return invoke(ctx, Action{
		Handler: func(ctx context.Context, request *Request) (any, error) {
			return fn(ctx, request.Args...)
		},
	}, &Request{Args: payload.Args})
}
