// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the duplex message ports a crann service
// and its instances talk over.
//
// A [Port] carries opaque values in order: whatever the encoding in
// lib/wire produced. Three kinds exist:
//
//   - [Pipe] connects two ports in-process. Values are handed over by
//     reference, so it pairs with the pass-through encoding.
//   - [StreamPort] wraps a net.Conn. Each value must be a []byte and is
//     framed as a CBOR byte string, so it pairs with the binary
//     encoding.
//   - [DataChannelPort] wraps a WebRTC data channel. Each []byte is one
//     data channel message.
//
// [Listen] and [Dial] open unix-socket StreamPorts. Accepted
// connections carry the peer's credentials (SO_PEERCRED) as
// [Metadata], which the service records on the agent.
//
// [ListenWebRTC] and [DialWebRTC] connect peers through a [Signaler]
// using vanilla ICE: one offer, one answer, candidates embedded.
// [DirectorySignaler] exchanges them as files; [MemorySignaler] keeps
// them in process. Both listeners implement [Acceptor].
package transport
