// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/bureau-foundation/crann/lib/codec"
)

// Encoding converts messages to and from the values a port carries.
// Implementations must be safe for concurrent use.
type Encoding interface {
	// Name identifies the encoding in configuration and logs.
	Name() string

	// Encode returns the port value for m. m is not retained.
	Encode(m *Message) (any, error)

	// Decode reverses Encode. The returned message shares nothing with
	// the input.
	Decode(v any) (*Message, error)
}

// CBOR tag numbers for the extension types carried in values. Both are
// in the first-come-first-served range.
const (
	tagFuncRef   = 28510
	tagStringRef = 28511
)

// stringRef is an index into a Binary message's string table.
type stringRef uint64

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	tags := cbor.NewTagSet()
	required := cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired}
	if err := tags.Add(required, reflect.TypeOf(FuncRef(0)), tagFuncRef); err != nil {
		panic("wire: registering FuncRef tag: " + err.Error())
	}
	if err := tags.Add(required, reflect.TypeOf(stringRef(0)), tagStringRef); err != nil {
		panic("wire: registering string reference tag: " + err.Error())
	}

	var err error
	encMode, err = codec.EncOptions().EncModeWithTags(tags)
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = codec.DecOptions().DecModeWithTags(tags)
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with the tag-aware deterministic mode. Values
// containing FuncRef must be encoded through this function rather than
// lib/codec so the reference survives as a tag.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data produced by Marshal.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// PassThrough is the structured pass-through encoding: the port carries
// a deep copy of the *Message itself.
type PassThrough struct{}

// Name implements Encoding.
func (PassThrough) Name() string { return "passthrough" }

// Encode implements Encoding.
func (PassThrough) Encode(m *Message) (any, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

// Decode implements Encoding.
func (PassThrough) Decode(v any) (*Message, error) {
	m, ok := v.(*Message)
	if !ok {
		return nil, fmt.Errorf("passthrough: expected *wire.Message, got %T", v)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

// ForName returns the encoding registered under name: "passthrough" or
// "binary". Binary uses options.
func ForName(name string, options BinaryOptions) (Encoding, error) {
	switch name {
	case "passthrough":
		return PassThrough{}, nil
	case "binary", "":
		return NewBinary(options), nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", name)
	}
}
