// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Post and Receive once a port is closed,
// locally or by the peer.
var ErrClosed = errors.New("port closed")

// Port is one end of an ordered duplex message channel.
type Port interface {
	// Post sends v. It blocks until the value is handed to the
	// underlying channel, ctx is done, or the port closes.
	Post(ctx context.Context, v any) error

	// Receive returns the next value, blocking until one arrives, ctx
	// is done, or the port closes. Values already received before a
	// close are still returned.
	Receive(ctx context.Context) (any, error)

	// Close shuts the port. Idempotent.
	Close() error

	// Done is closed once the port is closed from either side.
	Done() <-chan struct{}
}

// Metadata describes the peer of an accepted connection.
type Metadata map[string]string

// Acceptor yields inbound ports. Listener and WebRTCListener implement
// it.
type Acceptor interface {
	// Accept blocks until a peer connects, ctx is done, or the acceptor
	// closes (ErrClosed).
	Accept(ctx context.Context) (Port, Metadata, error)

	// Addr names the acceptor in logs.
	Addr() string

	Close() error
}
