// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/bureau-foundation/crann/lib/testutil"
)

func TestStreamPortFrames(t *testing.T) {
	a, b := net.Pipe()
	left, right := NewStreamPort(a), NewStreamPort(b)
	defer left.Close()
	defer right.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frames := [][]byte{{1, 2, 3}, {}, bytes.Repeat([]byte{0xab}, 70000)}
	go func() {
		for _, frame := range frames {
			if err := left.Post(ctx, frame); err != nil {
				t.Errorf("Post: %v", err)
				return
			}
		}
	}()
	for i, want := range frames {
		v, err := right.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		if !bytes.Equal(v.([]byte), want) {
			t.Errorf("frame %d: got %d bytes, want %d", i, len(v.([]byte)), len(want))
		}
	}
}

func TestStreamPortRejectsNonBytes(t *testing.T) {
	a, b := net.Pipe()
	port := NewStreamPort(a)
	defer port.Close()
	defer b.Close()
	if err := port.Post(context.Background(), "text"); err == nil {
		t.Error("Post accepted a string")
	}
}

func TestStreamPortPeerClose(t *testing.T) {
	a, b := net.Pipe()
	left, right := NewStreamPort(a), NewStreamPort(b)
	defer right.Close()

	left.Close()
	testutil.RequireClosed(t, right.Done(), 5*time.Second, "Done after peer close")
	if _, err := right.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Receive after peer close = %v", err)
	}
	if !right.RemoteClosed() {
		t.Errorf("RemoteClosed = false, read error %v", right.Err())
	}
}

func TestStreamPortRejectsMalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"oversized length", []byte{0x5a, 0x01, 0x00, 0x00, 0x01}},
		{"length overflows int", []byte{0x5b, 0x80, 0, 0, 0, 0, 0, 0, 0}},
		{"text string", []byte{0x61, 'a'}},
		{"indefinite length", []byte{0x5f, 0x41, 'a', 0xff}},
		{"truncated payload", []byte{0x43, 1, 2}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			a, b := net.Pipe()
			port := NewStreamPort(a)
			defer port.Close()
			go func() {
				b.Write(test.input)
				b.Close()
			}()

			testutil.RequireClosed(t, port.Done(), 5*time.Second, "Done after malformed frame")
			if _, err := port.Receive(context.Background()); !errors.Is(err, ErrClosed) {
				t.Errorf("Receive = %v, want ErrClosed", err)
			}
			if err := port.Err(); err == nil || errors.Is(err, io.EOF) {
				t.Errorf("Err() = %v, want a framing error", err)
			}
		})
	}
}

func TestUnixListenDial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crann.sock")
	listener, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listener.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("socket mode = %v, want 0600", info.Mode().Perm())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type acceptResult struct {
		port     Port
		metadata Metadata
		err      error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		port, metadata, err := listener.Accept(ctx)
		accepted <- acceptResult{port, metadata, err}
	}()

	client, err := Dial(ctx, path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	result := testutil.RequireReceive(t, accepted, 5*time.Second, "accept")
	if result.err != nil {
		t.Fatalf("Accept: %v", result.err)
	}
	server := result.port
	defer server.Close()

	if uid := result.metadata["uid"]; uid != strconv.Itoa(os.Getuid()) {
		t.Errorf("peer uid = %q, want %d", uid, os.Getuid())
	}
	if pid := result.metadata["pid"]; pid != strconv.Itoa(os.Getpid()) {
		t.Errorf("peer pid = %q, want %d", pid, os.Getpid())
	}

	if err := client.Post(ctx, []byte("hello")); err != nil {
		t.Fatalf("Post: %v", err)
	}
	v, err := server.Receive(ctx)
	if err != nil || string(v.([]byte)) != "hello" {
		t.Errorf("server received %v, %v", v, err)
	}
}

func TestListenRemovesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crann.sock")
	first, err := Listen(path)
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crashed process: the file stays behind.
	first.listener.SetUnlinkOnClose(false)
	first.Close()

	second, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen over stale socket: %v", err)
	}
	second.Close()

	regular := filepath.Join(t.TempDir(), "file")
	os.WriteFile(regular, nil, 0o600)
	if _, err := Listen(regular); err == nil {
		t.Error("Listen replaced a regular file")
	}
}

func TestAcceptHonorsContext(t *testing.T) {
	listener, err := Listen(filepath.Join(t.TempDir(), "crann.sock"))
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := listener.Accept(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Accept error = %v", err)
	}
}
