// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statedef

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/crann/lib/agent"
	"github.com/bureau-foundation/crann/lib/codec"
)

// Partition selects where a field's value lives.
type Partition string

const (
	Shared      Partition = "service"
	PerInstance Partition = "instance"
)

// Valid reports whether p is a known partition.
func (p Partition) Valid() bool {
	return p == Shared || p == PerInstance
}

// Persistence selects the storage tier of a shared field.
type Persistence string

const (
	None    Persistence = "none"
	Session Persistence = "session"
	Durable Persistence = "local"
)

// Valid reports whether p is a known tier.
func (p Persistence) Valid() bool {
	return p == None || p == Session || p == Durable
}

// Entry is one declaration in a namespace. The only implementations
// are FieldSpec and ActionSpec.
type Entry interface {
	entryName() string
	sealed()
}

// FieldSpec declares a state field. Zero Partition means Shared and
// zero Persistence means None.
type FieldSpec struct {
	Name        string
	Default     any
	Partition   Partition
	Persistence Persistence
}

func (f FieldSpec) entryName() string { return f.Name }
func (FieldSpec) sealed()             {}

// Persisted reports whether the field has a storage tier.
func (f FieldSpec) Persisted() bool {
	return f.Persistence != None
}

// ActionSpec declares an RPC action.
type ActionSpec struct {
	Name     string
	Handler  ActionHandler
	Validate Validator
}

func (a ActionSpec) entryName() string { return a.Name }
func (ActionSpec) sealed()             {}

// ActionHandler runs an action. The returned value is normalized and
// sent to the caller as the call's result; a returned error becomes
// the caller's error message.
type ActionHandler func(ctx context.Context, invocation *Invocation) (any, error)

// Validator checks an action's arguments before its handler runs. A
// returned error rejects the call with the error's message.
type Validator func(args []any) error

// Invocation is the context handed to an ActionHandler.
type Invocation struct {
	Action string

	// Caller is the agent that issued the call. Its ID is empty for
	// calls made locally on the service.
	Caller agent.Agent

	Args []any

	// State is the merged view (shared plus the caller's instance
	// state) at the moment the call was dispatched.
	State State

	// Set applies an update on behalf of the caller. Per-instance
	// fields land in the caller's instance state.
	Set func(ctx context.Context, update map[string]any) error
}

// Arg decodes argument i into target.
func (invocation *Invocation) Arg(i int, target any) error {
	if i < 0 || i >= len(invocation.Args) {
		return fmt.Errorf("%s: missing argument %d", invocation.Action, i)
	}
	if err := codec.Convert(invocation.Args[i], target); err != nil {
		return fmt.Errorf("%s: argument %d: %w", invocation.Action, i, err)
	}
	return nil
}

// State is a snapshot of state values keyed by field name.
type State map[string]any

// Decode converts the value of field into target.
func (s State) Decode(field string, target any) error {
	value, found := s[field]
	if !found {
		return fmt.Errorf("field %q not present", field)
	}
	if err := codec.Convert(value, target); err != nil {
		return fmt.Errorf("field %q: %w", field, err)
	}
	return nil
}

// Value returns field decoded as T.
func Value[T any](s State, field string) (T, error) {
	var value T
	err := s.Decode(field, &value)
	return value, err
}
