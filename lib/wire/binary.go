// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BinaryOptions configures the Binary encoding.
type BinaryOptions struct {
	// Compression is applied to bodies larger than CompressAbove.
	// CompressionNone disables compression.
	Compression Compression `yaml:"compression"`

	// CompressAbove is the body size in bytes above which compression
	// is attempted. Zero means 4096.
	CompressAbove int `yaml:"compress_above"`

	// MinStringLength is the shortest value string eligible for the
	// string table. Zero means 4.
	MinStringLength int `yaml:"min_string_length"`
}

// Binary is the compact byte encoding. A message is encoded as:
//
//	header  byte     compression algorithm
//	size    uvarint  uncompressed body length (only when compressed)
//	body             CBOR array [strings, message]
//
// Value strings (state values, arguments, results) that appear at
// least twice and are at least MinStringLength bytes long are stored
// once in the strings array and referenced by tag 28511 carrying the
// index. Function references travel as tag 28510.
type Binary struct {
	options BinaryOptions
}

// NewBinary returns a Binary encoding with defaults applied.
func NewBinary(options BinaryOptions) *Binary {
	if options.CompressAbove <= 0 {
		options.CompressAbove = 4096
	}
	if options.MinStringLength <= 0 {
		options.MinStringLength = 4
	}
	return &Binary{options: options}
}

type envelope struct {
	_       struct{} `cbor:",toarray"`
	Strings []string
	Message *Message
}

// Name implements Encoding.
func (b *Binary) Name() string { return "binary" }

// Encode implements Encoding. The returned value is a []byte.
func (b *Binary) Encode(m *Message) (any, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	body, err := b.marshal(m)
	if err != nil {
		return nil, err
	}

	if b.options.Compression != CompressionNone && len(body) > b.options.CompressAbove {
		compressed, err := compress(body, b.options.Compression)
		switch {
		case err == nil:
			out := make([]byte, 0, 1+binary.MaxVarintLen64+len(compressed))
			out = append(out, byte(b.options.Compression))
			out = binary.AppendUvarint(out, uint64(len(body)))
			return append(out, compressed...), nil
		case !errors.Is(err, errIncompressible):
			return nil, err
		}
	}

	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(CompressionNone))
	return append(out, body...), nil
}

func (b *Binary) marshal(m *Message) ([]byte, error) {
	table := newStringTable(b.options.MinStringLength)
	forEachValue(m, func(v any) any { table.count(v); return v })
	table.seal()

	// Substitution happens on a copy so the caller's message keeps its
	// plain strings.
	substituted := m.Clone()
	forEachValue(substituted, table.replace)

	body, err := encMode.Marshal(envelope{Strings: table.strings, Message: substituted})
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.Type, err)
	}
	return body, nil
}

// Decode implements Encoding. v must be a []byte.
func (b *Binary) Decode(v any) (*Message, error) {
	data, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("binary: expected []byte, got %T", v)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("binary: empty message")
	}

	algorithm := Compression(data[0])
	body := data[1:]
	if algorithm != CompressionNone {
		size, read := binary.Uvarint(body)
		if read <= 0 {
			return nil, fmt.Errorf("binary: invalid size header")
		}
		var err error
		body, err = decompress(body[read:], algorithm, size)
		if err != nil {
			return nil, fmt.Errorf("binary: %w", err)
		}
	}

	var decoded envelope
	if err := decMode.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("binary: decoding message: %w", err)
	}
	if decoded.Message == nil {
		return nil, fmt.Errorf("binary: envelope without message")
	}

	var resolveErr error
	forEachValue(decoded.Message, func(value any) any {
		resolved, err := resolveStrings(value, decoded.Strings)
		if err != nil && resolveErr == nil {
			resolveErr = err
		}
		return resolved
	})
	if resolveErr != nil {
		return nil, fmt.Errorf("binary: %w", resolveErr)
	}
	if err := decoded.Message.Validate(); err != nil {
		return nil, fmt.Errorf("binary: %w", err)
	}
	return decoded.Message, nil
}

// forEachValue applies f to every top-level value slot of m, storing
// the result back in place.
func forEachValue(m *Message, f func(any) any) {
	for _, key := range SortedKeys(m.State) {
		m.State[key] = f(m.State[key])
	}
	for _, key := range SortedKeys(m.Changes) {
		m.Changes[key] = f(m.Changes[key])
	}
	if m.Frame != nil {
		for i := range m.Frame.Payload.Args {
			m.Frame.Payload.Args[i] = f(m.Frame.Payload.Args[i])
		}
		if m.Frame.Payload.Result != nil {
			m.Frame.Payload.Result = f(m.Frame.Payload.Result)
		}
	}
}

// stringTable collects repeated value strings for one message. Index
// order is first occurrence in a deterministic walk, so equal messages
// produce equal bytes.
type stringTable struct {
	minLength int
	counts    map[string]int
	order     []string
	index     map[string]uint64
	strings   []string
}

func newStringTable(minLength int) *stringTable {
	return &stringTable{minLength: minLength, counts: make(map[string]int)}
}

func (t *stringTable) count(v any) {
	switch value := v.(type) {
	case string:
		if len(value) < t.minLength {
			return
		}
		if t.counts[value] == 0 {
			t.order = append(t.order, value)
		}
		t.counts[value]++
	case map[string]any:
		for _, key := range SortedKeys(value) {
			t.count(value[key])
		}
	case []any:
		for _, element := range value {
			t.count(element)
		}
	}
}

func (t *stringTable) seal() {
	t.index = make(map[string]uint64)
	for _, candidate := range t.order {
		if t.counts[candidate] >= 2 {
			t.index[candidate] = uint64(len(t.strings))
			t.strings = append(t.strings, candidate)
		}
	}
}

func (t *stringTable) replace(v any) any {
	if len(t.strings) == 0 {
		return v
	}
	switch value := v.(type) {
	case string:
		if index, ok := t.index[value]; ok {
			return stringRef(index)
		}
		return value
	case map[string]any:
		for key, element := range value {
			value[key] = t.replace(element)
		}
		return value
	case []any:
		for i, element := range value {
			value[i] = t.replace(element)
		}
		return value
	default:
		return v
	}
}

func resolveStrings(v any, table []string) (any, error) {
	switch value := v.(type) {
	case stringRef:
		if uint64(value) >= uint64(len(table)) {
			return nil, fmt.Errorf("string reference %d out of range (table has %d entries)", value, len(table))
		}
		return table[value], nil
	case map[string]any:
		for key, element := range value {
			resolved, err := resolveStrings(element, table)
			if err != nil {
				return nil, err
			}
			value[key] = resolved
		}
		return value, nil
	case []any:
		for i, element := range value {
			resolved, err := resolveStrings(element, table)
			if err != nil {
				return nil, err
			}
			value[i] = resolved
		}
		return value, nil
	default:
		return v, nil
	}
}
