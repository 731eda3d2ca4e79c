// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/bureau-foundation/crann/lib/codec"
)

type profile struct {
	Name  string   `json:"name"`
	Age   int      `json:"age"`
	Tags  []string `json:"tags,omitempty"`
	Owner FuncRef  `json:"owner,omitempty"`
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  any
	}{
		{"nil", nil, nil},
		{"int", 5, int64(5)},
		{"uint8", uint8(7), int64(7)},
		{"float32", float32(1.5), float64(1.5)},
		{"json integer", json.Number("42"), int64(42)},
		{"json float", json.Number("4.25"), 4.25},
		{"nested map", map[string]any{"a": []any{1, "x"}}, map[string]any{"a": []any{int64(1), "x"}}},
		{"typed slice", []string{"a", "b"}, []any{"a", "b"}},
		{"typed map", map[string]int{"n": 1}, map[string]any{"n": int64(1)}},
		{"struct", profile{Name: "ada", Age: 36}, map[string]any{"name": "ada", "age": int64(36)}},
		{"func ref", FuncRef(9), FuncRef(9)},
		{"struct with func ref", profile{Name: "x", Owner: 3}, map[string]any{"name": "x", "age": int64(0), "owner": FuncRef(3)}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Normalize(test.input)
			if err != nil {
				t.Fatalf("Normalize(%#v): %v", test.input, err)
			}
			if !codec.Equal(got, test.want) {
				t.Errorf("Normalize(%#v) = %#v, want %#v", test.input, got, test.want)
			}
		})
	}
}

func TestNormalizeFuncRefKeepsType(t *testing.T) {
	got, err := Normalize(profile{Owner: 3})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	owner := got.(map[string]any)["owner"]
	if _, ok := owner.(FuncRef); !ok {
		t.Errorf("owner = %T, want FuncRef", owner)
	}
}

func TestNormalizeRejects(t *testing.T) {
	if _, err := Normalize(uint64(math.MaxUint64)); err == nil {
		t.Error("Normalize accepted an overflowing uint64")
	}
	_, err := Normalize(map[string]any{"callback": func() {}})
	if err == nil {
		t.Fatal("Normalize accepted a func value")
	}
	if !strings.Contains(err.Error(), `"callback"`) {
		t.Errorf("error %q does not name the offending field", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	original := map[string]any{
		"list":  []any{"a", map[string]any{"b": int64(1)}},
		"bytes": []byte{1, 2},
	}
	cloned := CloneMap(original)

	cloned["list"].([]any)[1].(map[string]any)["b"] = int64(2)
	cloned["bytes"].([]byte)[0] = 9
	cloned["new"] = true

	if original["list"].([]any)[1].(map[string]any)["b"] != int64(1) {
		t.Error("nested map aliased")
	}
	if original["bytes"].([]byte)[0] != 1 {
		t.Error("byte slice aliased")
	}
	if _, found := original["new"]; found {
		t.Error("top-level map aliased")
	}
	if CloneMap(nil) != nil {
		t.Error("CloneMap(nil) != nil")
	}
}

func TestDigest(t *testing.T) {
	state := map[string]any{"counter": int64(3), "name": "x", "tags": []any{"a"}}
	shared := []string{"counter", "tags"}

	first := Digest(state, shared)
	if len(first) != DigestSize {
		t.Fatalf("digest length = %d", len(first))
	}
	// Key order and non-covered fields do not matter.
	reordered := Digest(map[string]any{"tags": []any{"a"}, "counter": int64(3), "name": "y"}, []string{"tags", "counter"})
	if string(first) != string(reordered) {
		t.Error("digest depends on key order or uncovered fields")
	}
	changed := Digest(map[string]any{"counter": int64(4), "tags": []any{"a"}}, shared)
	if string(first) == string(changed) {
		t.Error("digest unchanged after a covered field changed")
	}
}
