// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// MaxDataChannelMessage bounds a single posted value. SCTP refuses
// larger user messages by default; enable compression in the binary
// encoding for states that approach it.
const MaxDataChannelMessage = 64 << 10

// DataChannelPort is a Port over one WebRTC data channel. Data channels
// are message oriented, so each posted []byte arrives as one value with
// no extra framing. The port owns the peer connection and closes it
// with the channel.
type DataChannelPort struct {
	connection *webrtc.PeerConnection
	channel    *webrtc.DataChannel
	inbound    *queue

	done chan struct{}
	once sync.Once
}

// newDataChannelPort wires channel's callbacks. It must run before the
// channel opens so no message is missed.
func newDataChannelPort(connection *webrtc.PeerConnection, channel *webrtc.DataChannel) *DataChannelPort {
	port := &DataChannelPort{
		connection: connection,
		channel:    channel,
		inbound:    newQueue(),
		done:       make(chan struct{}),
	}
	channel.OnMessage(func(message webrtc.DataChannelMessage) {
		port.inbound.push(message.Data)
	})
	// Close from a pion callback must not wait on pion's own goroutines.
	channel.OnClose(func() { go port.Close() })
	connection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			go port.Close()
		}
	})
	return port
}

// Label returns the data channel label.
func (p *DataChannelPort) Label() string {
	return p.channel.Label()
}

// Post implements Port.
func (p *DataChannelPort) Post(ctx context.Context, v any) error {
	message, ok := v.([]byte)
	if !ok {
		return fmt.Errorf("data channel port: expected []byte, got %T", v)
	}
	if len(message) > MaxDataChannelMessage {
		return fmt.Errorf("data channel port: message of %d bytes exceeds limit %d", len(message), MaxDataChannelMessage)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	if err := p.channel.Send(message); err != nil {
		select {
		case <-p.done:
			return ErrClosed
		default:
		}
		return fmt.Errorf("data channel port: sending: %w", err)
	}
	return nil
}

// Receive implements Port.
func (p *DataChannelPort) Receive(ctx context.Context) (any, error) {
	return p.inbound.pop(ctx, p.done)
}

// Close implements Port.
func (p *DataChannelPort) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		p.channel.Close()
		err = p.connection.Close()
	})
	return err
}

// Done implements Port.
func (p *DataChannelPort) Done() <-chan struct{} {
	return p.done
}
