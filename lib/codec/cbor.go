// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. Same logical data always
// produces identical bytes, which is what Equal relies on.
var encMode cbor.EncMode

// decMode decodes into map[string]any for any-typed targets and
// collapses CBOR integers into int64 so that values read back from a
// channel or a storage backend compare equal to values produced
// locally.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = EncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = DecOptions().DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncOptions returns the encoder options used by this package. Callers
// that register their own tags (see lib/wire) start from these options
// so tagged and untagged encodings stay byte-compatible.
func EncOptions() cbor.EncOptions {
	options := cbor.CoreDetEncOptions()
	options.TextMarshaler = cbor.TextMarshalerTextString
	return options
}

// DecOptions returns the decoder options used by this package.
func DecOptions() cbor.DecOptions {
	return cbor.DecOptions{
		// State values are JSON-shaped. CBOR permits non-string map
		// keys, but every consumer of decoded values expects
		// map[string]any.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		IntDec:          cbor.IntDecConvertSignedOrBigInt,
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Equal reports whether a and b have the same deterministic encoding.
// Values that cannot be encoded are never equal to anything.
func Equal(a, b any) bool {
	left, err := Marshal(a)
	if err != nil {
		return false
	}
	right, err := Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

// Convert re-decodes v into target by encoding it first. Used to turn
// loosely typed state values (int64, map[string]any) into the concrete
// Go types a caller asks for.
func Convert(v any, target any) error {
	data, err := Marshal(v)
	if err != nil {
		return err
	}
	return Unmarshal(data, target)
}

// Encoder is a CBOR stream encoder. Type alias so consumers import
// only lib/codec, not fxamacker/cbor directly.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value.
type RawMessage = cbor.RawMessage

// NewEncoder returns a CBOR encoder that writes to w using the
// deterministic configuration.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a CBOR decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}

// Diagnose returns the CBOR diagnostic notation (RFC 8949 §8) for the
// entire contents of data.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
