// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/crann/lib/agent"
)

// Request is one invocation of an action, local or remote.
type Request struct {
	Action string
	Caller agent.Agent
	Args   []any
}

// Handler implements an action. Returned values must be wire values
// (see [wire.Normalize]) or [Func] values nested in map[string]any and
// []any.
type Handler func(ctx context.Context, request *Request) (any, error)

// Action pairs a handler with an optional argument validator. The
// validator runs before the handler; its error message is sent to the
// caller unchanged.
type Action struct {
	Handler  Handler
	Validate func(args []any) error
}

// Actions is the table an endpoint serves, keyed by action name.
type Actions map[string]Action

// Invoke runs the named action in-process with the same lookup,
// validation and error mapping a remote call gets. There is no target
// check: the caller is whoever request.Caller says.
func (a Actions) Invoke(ctx context.Context, request *Request) (any, error) {
	action, ok := a[request.Action]
	if !ok {
		return nil, &CallError{Code: CodeActionNotFound, Action: request.Action, Message: MessageActionNotFound}
	}
	return invoke(ctx, action, request)
}

// invoke validates and runs one action. Every failure comes back as a
// *CallError, including panics in the validator or handler.
func invoke(ctx context.Context, action Action, request *Request) (result any, err error) {
	validating := true
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		result = nil
		recoveredErr, isErr := recovered.(error)
		switch {
		case !isErr:
			err = &CallError{Code: CodeUnknown, Action: request.Action, Message: MessageUnknown}
		case validating:
			err = &CallError{Code: CodeValidationFailed, Action: request.Action, Message: recoveredErr.Error()}
		default:
			err = callError(request.Action, recoveredErr)
		}
	}()

	if action.Validate != nil {
		if err := action.Validate(request.Args); err != nil {
			return nil, &CallError{Code: CodeValidationFailed, Action: request.Action, Message: err.Error()}
		}
	}
	validating = false
	if action.Handler == nil {
		return nil, &CallError{Code: CodeActionNotFound, Action: request.Action, Message: MessageActionNotFound}
	}

	result, err = action.Handler(ctx, request)
	if err != nil {
		return nil, callError(request.Action, err)
	}
	return result, nil
}

// callError maps a handler error to the form sent on the wire. A
// *CallError keeps its code; anything else is a rejection carrying the
// error's message.
func callError(action string, err error) *CallError {
	var callErr *CallError
	if errors.As(err, &callErr) {
		mapped := *callErr
		if mapped.Action == "" {
			mapped.Action = action
		}
		if mapped.Message == "" {
			mapped.Message = MessageUnknown
		}
		return &mapped
	}
	message := err.Error()
	if message == "" {
		return &CallError{Code: CodeUnknown, Action: action, Message: MessageUnknown}
	}
	return &CallError{Code: CodeHandlerRejected, Action: action, Message: message}
}

// String renders a request for log lines.
func (r *Request) String() string {
	if r.Caller.ID == "" {
		return fmt.Sprintf("%s(%d args)", r.Action, len(r.Args))
	}
	return fmt.Sprintf("%s(%d args) from %s", r.Action, len(r.Args), r.Caller.ID)
}
