// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"

	"github.com/bureau-foundation/crann/lib/agent"
)

// MessageType discriminates the Message envelope.
type MessageType string

const (
	TypeReady        MessageType = "ready"
	TypeInitialState MessageType = "initial_state"
	TypeState        MessageType = "state"
	TypeResync       MessageType = "resync"
	TypeRPC          MessageType = "rpc"
)

// SetAction is the reserved RPC action an instance calls to write
// state. Its single argument is the update map. Declared action names
// cannot contain ':', so it never collides with one.
const SetAction = "crann:set"

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeReady, TypeInitialState, TypeState, TypeResync, TypeRPC:
		return true
	}
	return false
}

// Message is the unit posted on a port.
type Message struct {
	Type MessageType `cbor:"type"`

	// Frame is set for TypeRPC.
	Frame *Frame `cbor:"frame,omitempty"`

	// State is the full merged view (TypeInitialState).
	State map[string]any `cbor:"state,omitempty"`

	// Changes holds only the fields that changed (TypeState).
	Changes map[string]any `cbor:"changes,omitempty"`

	// Digest is the BLAKE3 fingerprint of shared state after the
	// message's changes were applied.
	Digest []byte `cbor:"digest,omitempty"`

	// Agent is the requested identity on TypeReady and the assigned
	// identity on TypeInitialState.
	Agent *Hello `cbor:"agent,omitempty"`

	// Keys names the shared fields in State (TypeInitialState), which
	// is what Digest covers.
	Keys []string `cbor:"keys,omitempty"`
}

// Hello identifies an instance during the handshake. ID may be empty
// on ready, in which case the service allocates one.
type Hello struct {
	ID      string        `cbor:"id,omitempty"`
	Address agent.Address `cbor:"address"`
}

// Validate checks that the fields required by m.Type are present.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("nil message")
	}
	if !m.Type.Valid() {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	switch m.Type {
	case TypeReady:
		if m.Agent == nil {
			return fmt.Errorf("ready message without agent")
		}
	case TypeInitialState:
		if m.Agent == nil || m.Agent.ID == "" {
			return fmt.Errorf("initial_state message without assigned agent ID")
		}
	case TypeRPC:
		if m.Frame == nil {
			return fmt.Errorf("rpc message without frame")
		}
		return m.Frame.Payload.Validate()
	}
	return nil
}

// Frame is the RPC wire pair [correlationID, payload]. It encodes as a
// two-element CBOR array.
type Frame struct {
	_             struct{} `cbor:",toarray"`
	CorrelationID uint64
	Payload       Payload
}

// Kind discriminates an RPC payload.
type Kind string

const (
	KindCall    Kind = "call"
	KindResult  Kind = "result"
	KindError   Kind = "error"
	KindRelease Kind = "release"
)

// Payload is one RPC variant. Which fields are meaningful depends on
// Kind:
//
//   - call: ID (action name), Args, Target (caller), and Retained when
//     the call invokes a retained function instead of an action.
//   - result: ID (echo), Result, Target.
//   - error: ID (echo), Error, Code, Target.
//   - release: Retained.
type Payload struct {
	Kind     Kind    `cbor:"kind"`
	ID       string  `cbor:"id,omitempty"`
	Args     []any   `cbor:"args,omitempty"`
	Result   any     `cbor:"result,omitempty"`
	Error    string  `cbor:"error,omitempty"`
	Code     string  `cbor:"code,omitempty"`
	Target   string  `cbor:"target,omitempty"`
	Retained FuncRef `cbor:"retained,omitempty"`
}

// Validate checks the payload's required fields for its kind.
func (p *Payload) Validate() error {
	switch p.Kind {
	case KindCall:
		if p.ID == "" && p.Retained == 0 {
			return fmt.Errorf("call payload names neither an action nor a retained function")
		}
	case KindResult:
	case KindError:
		if p.Error == "" {
			return fmt.Errorf("error payload without message")
		}
	case KindRelease:
		if p.Retained == 0 {
			return fmt.Errorf("release payload without retained reference")
		}
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	return nil
}

// Clone deep-copies m, including every value it carries.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cloned := *m
	cloned.State = CloneMap(m.State)
	cloned.Changes = CloneMap(m.Changes)
	if m.Digest != nil {
		cloned.Digest = append([]byte(nil), m.Digest...)
	}
	if m.Keys != nil {
		cloned.Keys = append([]string(nil), m.Keys...)
	}
	if m.Agent != nil {
		hello := *m.Agent
		cloned.Agent = &hello
	}
	if m.Frame != nil {
		frame := *m.Frame
		if m.Frame.Payload.Args != nil {
			frame.Payload.Args = Clone(m.Frame.Payload.Args).([]any)
		}
		frame.Payload.Result = Clone(m.Frame.Payload.Result)
		cloned.Frame = &frame
	}
	return &cloned
}
