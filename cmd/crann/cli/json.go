// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
)

// WriteJSON marshals value as indented JSON and writes it to w. Nil
// slices are written as [] rather than null.
func WriteJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(normalizeNilSlice(value))
}

// ParseValue reads a command-line value as JSON. Integers become int64
// and other numbers float64. Input that is not valid JSON is taken as
// a bare string, so `name=alice` needs no quoting.
func ParseValue(text string) any {
	decoder := json.NewDecoder(strings.NewReader(text))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil || decoder.More() {
		return text
	}
	return convertNumbers(value)
}

// ParseAssignment splits "field=value" and parses the value.
func ParseAssignment(text string) (string, any, error) {
	field, raw, found := strings.Cut(text, "=")
	if !found || field == "" {
		return "", nil, fmt.Errorf("expected <field>=<value>, got %q", text)
	}
	return field, ParseValue(raw), nil
}

func convertNumbers(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if integer, err := typed.Int64(); err == nil {
			return integer
		}
		float, _ := typed.Float64()
		return float
	case map[string]any:
		for key, element := range typed {
			typed[key] = convertNumbers(element)
		}
	case []any:
		for i, element := range typed {
			typed[i] = convertNumbers(element)
		}
	}
	return value
}

// normalizeNilSlice returns an empty slice of the same type if value
// is a nil slice. Returns value unchanged for all other types.
func normalizeNilSlice(value any) any {
	v := reflect.ValueOf(value)
	if v.Kind() == reflect.Slice && v.IsNil() {
		return reflect.MakeSlice(v.Type(), 0, 0).Interface()
	}
	return value
}
