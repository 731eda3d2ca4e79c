// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statedef

import (
	"testing"

	"github.com/bureau-foundation/crann/lib/codec"
)

func builtinDefinition(t *testing.T) *Definition {
	t.Helper()
	declaration := &Declaration{
		Fields: map[string]FieldDeclaration{
			"count":   {Default: 10},
			"ratio":   {Default: 1.5},
			"enabled": {Default: false},
			"log":     {Default: []any{}},
			"prefs":   {Default: map[string]any{"a": 1}},
		},
		Actions: map[string]ActionDeclaration{
			"read":       {Handler: "read", Field: "count"},
			"bump":       {Handler: "increment", Field: "count"},
			"scale":      {Handler: "increment", Field: "ratio"},
			"flip":       {Handler: "toggle", Field: "enabled"},
			"appendLog":  {Handler: "append", Field: "log", Options: map[string]any{"limit": 2}},
			"mergePrefs": {Handler: "merge", Field: "prefs"},
			"resetCount": {Handler: "reset", Field: "count"},
		},
	}
	definition, err := declaration.Resolve(Builtins())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return definition
}

func TestBuiltins(t *testing.T) {
	definition := builtinDefinition(t)
	state := State{
		"count":   int64(10),
		"ratio":   1.5,
		"enabled": false,
		"log":     []any{"a", "b"},
		"prefs":   map[string]any{"a": int64(1)},
	}

	tests := []struct {
		action  string
		args    []any
		want    any
		written bool
	}{
		{"read", nil, int64(10), false},
		{"bump", nil, int64(11), true},
		{"bump", []any{int64(5)}, int64(15), true},
		{"bump", []any{0.5}, 10.5, true},
		{"scale", []any{int64(1)}, 2.5, true},
		{"flip", nil, true, true},
		{"appendLog", []any{"c"}, []any{"b", "c"}, true},
		{"mergePrefs", []any{map[string]any{"b": int64(2)}}, map[string]any{"a": int64(1), "b": int64(2)}, true},
		{"resetCount", nil, int64(10), true},
	}
	for _, test := range tests {
		t.Run(test.action, func(t *testing.T) {
			result, applied, err := invoke(t, definition, test.action, state, test.args...)
			if err != nil {
				t.Fatalf("%s: %v", test.action, err)
			}
			if !codec.Equal(result, test.want) {
				t.Errorf("%s = %#v, want %#v", test.action, result, test.want)
			}
			if (applied != nil) != test.written {
				t.Errorf("%s applied %v, want written=%v", test.action, applied, test.written)
			}
		})
	}
}

func TestBuiltinTypeErrors(t *testing.T) {
	definition := builtinDefinition(t)
	state := State{"count": "ten", "enabled": int64(1), "log": "x", "prefs": map[string]any{}}

	for _, call := range []struct {
		action string
		args   []any
	}{
		{"bump", nil},
		{"flip", nil},
		{"appendLog", []any{"c"}},
		{"mergePrefs", []any{"not a map"}},
	} {
		if _, _, err := invoke(t, definition, call.action, state, call.args...); err == nil {
			t.Errorf("%s(%v) on %v succeeded", call.action, call.args, state)
		}
	}
}

func TestBuiltinStateNotMutated(t *testing.T) {
	definition := builtinDefinition(t)
	prefs := map[string]any{"a": int64(1)}
	state := State{"prefs": prefs}
	if _, _, err := invoke(t, definition, "mergePrefs", state, map[string]any{"b": int64(2)}); err != nil {
		t.Fatal(err)
	}
	if len(prefs) != 1 {
		t.Errorf("merge mutated the state snapshot: %v", prefs)
	}
}
