// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		input string
		want  any
	}{
		{"3", int64(3)},
		{"-2", int64(-2)},
		{"2.5", 2.5},
		{"true", true},
		{"null", nil},
		{`"quoted"`, "quoted"},
		{"alice", "alice"},
		{"", ""},
		{"1 2", "1 2"},
		{`{"size": 12, "tags": [1, "x"]}`, map[string]any{"size": int64(12), "tags": []any{int64(1), "x"}}},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			if got := ParseValue(test.input); !reflect.DeepEqual(got, test.want) {
				t.Errorf("ParseValue(%q) = %#v, want %#v", test.input, got, test.want)
			}
		})
	}
}

func TestParseAssignment(t *testing.T) {
	field, value, err := ParseAssignment("theme=dark=mode")
	if err != nil {
		t.Fatalf("ParseAssignment: %v", err)
	}
	if field != "theme" || value != "dark=mode" {
		t.Errorf("got %q=%#v", field, value)
	}

	for _, bad := range []string{"theme", "=dark"} {
		if _, _, err := ParseAssignment(bad); err == nil {
			t.Errorf("ParseAssignment(%q) succeeded", bad)
		}
	}
}

func TestWriteJSONNilSlice(t *testing.T) {
	var buffer bytes.Buffer
	var agents []string
	if err := WriteJSON(&buffer, agents); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if strings.TrimSpace(buffer.String()) != "[]" {
		t.Errorf("WriteJSON(nil slice) = %q, want []", buffer.String())
	}
}
