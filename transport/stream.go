// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/bureau-foundation/crann/lib/codec"
)

// MaxFrameSize bounds a single received frame.
const MaxFrameSize = 16 << 20

// StreamPort is a Port over a net.Conn. Every posted value must be a
// []byte; it is written as one definite-length CBOR byte string. A background
// goroutine reads frames so Receive can honor its context.
type StreamPort struct {
	conn    net.Conn
	encoder *codec.Encoder

	writeMu sync.Mutex

	frames chan []byte
	done   chan struct{}
	once   sync.Once

	errMu   sync.Mutex
	readErr error
}

// NewStreamPort starts reading from conn and returns the port. The
// port owns conn.
func NewStreamPort(conn net.Conn) *StreamPort {
	port := &StreamPort{
		conn:    conn,
		encoder: codec.NewEncoder(conn),
		frames:  make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	go port.readLoop()
	return port
}

func (p *StreamPort) readLoop() {
	defer close(p.frames)
	reader := bufio.NewReader(p.conn)
	for {
		frame, err := readFrame(reader)
		if err != nil {
			p.setReadErr(err)
			p.Close()
			return
		}
		select {
		case p.frames <- frame:
		case <-p.done:
			return
		}
	}
}

// readFrame reads one definite-length CBOR byte string. The length is
// checked against MaxFrameSize before the payload is allocated. A
// clean close between frames returns io.EOF.
func readFrame(reader *bufio.Reader) ([]byte, error) {
	initial, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if majorType := initial >> 5; majorType != 2 {
		return nil, fmt.Errorf("frame has CBOR major type %d, want byte string", majorType)
	}

	var length uint64
	switch info := initial & 0x1f; {
	case info < 24:
		length = uint64(info)
	case info <= 27:
		header := make([]byte, int(1)<<(info-24))
		if _, err := io.ReadFull(reader, header); err != nil {
			return nil, fmt.Errorf("reading frame header: %w", noEOF(err))
		}
		for _, b := range header {
			length = length<<8 | uint64(b)
		}
	default:
		return nil, fmt.Errorf("frame uses unsupported length encoding %d", info)
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", length, MaxFrameSize)
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(reader, frame); err != nil {
		return nil, fmt.Errorf("reading frame: %w", noEOF(err))
	}
	return frame, nil
}

// noEOF reports a close inside a frame as truncation.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (p *StreamPort) setReadErr(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.readErr == nil {
		p.readErr = err
	}
}

// Err returns the error that ended the read loop, if any. A clean
// close by the peer reports io.EOF.
func (p *StreamPort) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.readErr
}

// Post implements Port.
func (p *StreamPort) Post(ctx context.Context, v any) error {
	frame, ok := v.([]byte)
	if !ok {
		return fmt.Errorf("stream port: expected []byte, got %T", v)
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := p.conn.SetWriteDeadline(deadline); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("stream port: setting write deadline: %w", err)
	}
	if err := p.encoder.Encode(frame); err != nil {
		select {
		case <-p.done:
			return ErrClosed
		default:
		}
		return fmt.Errorf("stream port: writing frame: %w", err)
	}
	return nil
}

// Receive implements Port.
func (p *StreamPort) Receive(ctx context.Context) (any, error) {
	select {
	case frame, ok := <-p.frames:
		if !ok {
			return nil, ErrClosed
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Port.
func (p *StreamPort) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		err = p.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

// Done implements Port.
func (p *StreamPort) Done() <-chan struct{} {
	return p.done
}

// RemoteClosed reports whether the read loop ended because the peer
// closed the connection.
func (p *StreamPort) RemoteClosed() bool {
	err := p.Err()
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
