// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
)

// FuncRef identifies a function retained by the endpoint that returned
// it. The peer holding a FuncRef can invoke it with a call frame whose
// Retained field names it, and frees it with a release frame. IDs are
// allocated per endpoint starting at 1.
type FuncRef uint64

// Normalize converts v into the canonical value model. Common JSON-like
// shapes are converted directly; anything else (structs, typed maps,
// named types) round-trips through the tagged CBOR mode so struct tags
// and TextMarshaler implementations are honored.
func Normalize(v any) (any, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case string:
		return value, nil
	case bool:
		return value, nil
	case int:
		return int64(value), nil
	case int8:
		return int64(value), nil
	case int16:
		return int64(value), nil
	case int32:
		return int64(value), nil
	case int64:
		return value, nil
	case uint:
		return normalizeUnsigned(uint64(value))
	case uint8:
		return int64(value), nil
	case uint16:
		return int64(value), nil
	case uint32:
		return int64(value), nil
	case uint64:
		return normalizeUnsigned(value)
	case float32:
		return float64(value), nil
	case float64:
		return value, nil
	case json.Number:
		if integer, err := value.Int64(); err == nil {
			return integer, nil
		}
		float, err := value.Float64()
		if err != nil {
			return nil, fmt.Errorf("normalizing number %q: %w", value, err)
		}
		return float, nil
	case []byte:
		return slices.Clone(value), nil
	case FuncRef:
		return value, nil
	case map[string]any:
		normalized := make(map[string]any, len(value))
		for key, element := range value {
			converted, err := Normalize(element)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", key, err)
			}
			normalized[key] = converted
		}
		return normalized, nil
	case []any:
		normalized := make([]any, len(value))
		for i, element := range value {
			converted, err := Normalize(element)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			normalized[i] = converted
		}
		return normalized, nil
	}

	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalizing %T: %w", v, err)
	}
	var decoded any
	if err := decMode.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("normalizing %T: %w", v, err)
	}
	return decoded, nil
}

func normalizeUnsigned(value uint64) (any, error) {
	if value > math.MaxInt64 {
		return nil, fmt.Errorf("unsigned integer %d overflows int64", value)
	}
	return int64(value), nil
}

// NormalizeMap normalizes every value of m into a new map.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	normalized, err := Normalize(m)
	if err != nil {
		return nil, err
	}
	return normalized.(map[string]any), nil
}

// Clone deep-copies a normalized value. Maps, slices, and byte slices
// are copied; scalars are returned as is.
func Clone(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return CloneMap(value)
	case []any:
		cloned := make([]any, len(value))
		for i, element := range value {
			cloned[i] = Clone(element)
		}
		return cloned
	case []byte:
		return slices.Clone(value)
	default:
		return v
	}
}

// CloneMap deep-copies a map of normalized values. A nil map stays nil.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cloned := make(map[string]any, len(m))
	for key, value := range m {
		cloned[key] = Clone(value)
	}
	return cloned
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
