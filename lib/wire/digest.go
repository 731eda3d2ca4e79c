// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"github.com/zeebo/blake3"
)

// DigestSize is the length of a state digest in bytes.
const DigestSize = 32

// Digest returns the BLAKE3 hash of the deterministic encoding of the
// keys of state. Keys absent from state hash as null. Both sides of a
// connection compute it the same way, so a mismatch means the
// instance's mirror diverged from the service.
func Digest(state map[string]any, keys []string) []byte {
	subset := make(map[string]any, len(keys))
	for _, key := range keys {
		subset[key] = state[key]
	}
	data, err := encMode.Marshal(subset)
	if err != nil {
		// Normalized values always encode.
		panic("wire: encoding state for digest: " + err.Error())
	}
	sum := blake3.Sum256(data)
	return sum[:]
}
