// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statedef

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/crann/lib/wire"
)

// Builtins returns the handler table available to declaration files:
//
//	read       returns the field's current value
//	assign     sets the field to args[0] and returns it
//	increment  adds args[0] (default 1) to a numeric field, returns the sum
//	toggle     flips a boolean field, returns the new value
//	append     appends args[0] to a list field; options.limit keeps the newest N
//	merge      merges the map args[0] into a map field
//	reset      restores the field's declared default
func Builtins() HandlerTable {
	return HandlerTable{
		"read":      fieldHandler(read),
		"assign":    fieldHandler(assign),
		"increment": fieldHandler(increment),
		"toggle":    fieldHandler(toggle),
		"append":    fieldHandler(appendValue),
		"merge":     fieldHandler(merge),
		"reset":     fieldHandler(reset),
	}
}

// fieldOperation computes a field's new value. The bool result is
// false for read-only operations.
type fieldOperation func(current any, args []any, declaration ActionDeclaration, field FieldDeclaration) (next any, write bool, err error)

func fieldHandler(operation fieldOperation) HandlerFactory {
	return func(name string, action ActionDeclaration, declaration *Declaration) (ActionHandler, error) {
		if action.Field == "" {
			return nil, fmt.Errorf("handler %q requires a field", action.Handler)
		}
		field, found := declaration.Fields[action.Field]
		if !found {
			return nil, fmt.Errorf("handler %q: field %q is not declared", action.Handler, action.Field)
		}
		return func(ctx context.Context, invocation *Invocation) (any, error) {
			next, write, err := operation(invocation.State[action.Field], invocation.Args, action, field)
			if err != nil {
				return nil, err
			}
			if !write {
				return next, nil
			}
			next, err = wire.Normalize(next)
			if err != nil {
				return nil, err
			}
			if err := invocation.Set(ctx, map[string]any{action.Field: next}); err != nil {
				return nil, err
			}
			return next, nil
		}, nil
	}
}

func read(current any, _ []any, _ ActionDeclaration, _ FieldDeclaration) (any, bool, error) {
	return current, false, nil
}

func assign(_ any, args []any, _ ActionDeclaration, _ FieldDeclaration) (any, bool, error) {
	if len(args) != 1 {
		return nil, false, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	return args[0], true, nil
}

func increment(current any, args []any, _ ActionDeclaration, _ FieldDeclaration) (any, bool, error) {
	var amount any = int64(1)
	if len(args) > 0 {
		amount = args[0]
	}
	if current == nil {
		current = int64(0)
	}
	switch base := current.(type) {
	case int64:
		switch delta := amount.(type) {
		case int64:
			return base + delta, true, nil
		case float64:
			return float64(base) + delta, true, nil
		}
	case float64:
		switch delta := amount.(type) {
		case int64:
			return base + float64(delta), true, nil
		case float64:
			return base + delta, true, nil
		}
	default:
		return nil, false, fmt.Errorf("field holds %T, not a number", current)
	}
	return nil, false, fmt.Errorf("amount must be a number, got %T", amount)
}

func toggle(current any, _ []any, _ ActionDeclaration, _ FieldDeclaration) (any, bool, error) {
	value, ok := current.(bool)
	if !ok && current != nil {
		return nil, false, fmt.Errorf("field holds %T, not a boolean", current)
	}
	return !value, true, nil
}

func appendValue(current any, args []any, action ActionDeclaration, _ FieldDeclaration) (any, bool, error) {
	if len(args) != 1 {
		return nil, false, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	list, ok := current.([]any)
	if !ok && current != nil {
		return nil, false, fmt.Errorf("field holds %T, not a list", current)
	}
	next := append(append([]any(nil), list...), args[0])

	if raw, found := action.Options["limit"]; found {
		limit, err := wire.Normalize(raw)
		if err != nil {
			return nil, false, err
		}
		if n, ok := limit.(int64); ok && n > 0 && int64(len(next)) > n {
			next = next[int64(len(next))-n:]
		}
	}
	return next, true, nil
}

func merge(current any, args []any, _ ActionDeclaration, _ FieldDeclaration) (any, bool, error) {
	if len(args) != 1 {
		return nil, false, fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	patch, ok := args[0].(map[string]any)
	if !ok {
		return nil, false, fmt.Errorf("argument must be a map, got %T", args[0])
	}
	base, ok := current.(map[string]any)
	if !ok && current != nil {
		return nil, false, fmt.Errorf("field holds %T, not a map", current)
	}
	next := wire.CloneMap(base)
	if next == nil {
		next = make(map[string]any, len(patch))
	}
	for key, value := range patch {
		next[key] = value
	}
	return next, true, nil
}

func reset(_ any, _ []any, _ ActionDeclaration, field FieldDeclaration) (any, bool, error) {
	return field.Default, true, nil
}
