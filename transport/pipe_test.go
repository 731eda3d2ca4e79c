// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/crann/lib/testutil"
)

func TestPipeOrdering(t *testing.T) {
	left, right := Pipe()
	defer left.Close()
	ctx := context.Background()

	for i := range 100 {
		if err := left.Post(ctx, i); err != nil {
			t.Fatalf("Post(%d): %v", i, err)
		}
	}
	for i := range 100 {
		v, err := right.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if v != i {
			t.Fatalf("Receive = %v, want %d", v, i)
		}
	}
}

func TestPipeBothDirections(t *testing.T) {
	left, right := Pipe()
	defer left.Close()
	ctx := context.Background()

	left.Post(ctx, "ping")
	right.Post(ctx, "pong")
	if v, _ := right.Receive(ctx); v != "ping" {
		t.Errorf("right received %v", v)
	}
	if v, _ := left.Receive(ctx); v != "pong" {
		t.Errorf("left received %v", v)
	}
}

func TestPipeCloseDrainsThenFails(t *testing.T) {
	left, right := Pipe()
	ctx := context.Background()
	left.Post(ctx, "last")
	left.Close()

	testutil.RequireClosed(t, right.Done(), time.Second, "peer Done after close")
	if v, err := right.Receive(ctx); err != nil || v != "last" {
		t.Errorf("Receive after close = %v, %v, want queued value", v, err)
	}
	if _, err := right.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Receive on drained closed pipe = %v, want ErrClosed", err)
	}
	if err := right.Post(ctx, "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("Post on closed pipe = %v, want ErrClosed", err)
	}
	if err := right.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestPipeReceiveHonorsContext(t *testing.T) {
	left, right := Pipe()
	defer left.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := right.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive error = %v, want deadline exceeded", err)
	}
}

func TestPipeReceiveUnblocksOnPost(t *testing.T) {
	left, right := Pipe()
	defer left.Close()
	received := make(chan any, 1)
	go func() {
		v, _ := right.Receive(context.Background())
		received <- v
	}()
	left.Post(context.Background(), "wake")
	if v := testutil.RequireReceive(t, received, time.Second, "blocked Receive"); v != "wake" {
		t.Errorf("Receive = %v", v)
	}
}
