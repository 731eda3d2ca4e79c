// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package serial

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/crann/lib/testutil"
)

func TestQueueOrder(t *testing.T) {
	q := New()
	defer q.Close()

	var got []int
	for i := range 1000 {
		q.Enqueue(func() { got = append(got, i) })
	}
	if err := q.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("position %d ran %d", i, v)
		}
	}
	if len(got) != 1000 {
		t.Errorf("ran %d functions, want 1000", len(got))
	}
}

func TestQueueReentrantEnqueue(t *testing.T) {
	q := New()
	defer q.Close()
	done := make(chan struct{})
	q.Enqueue(func() {
		q.Enqueue(func() { close(done) })
	})
	testutil.RequireClosed(t, done, 5*time.Second, "nested enqueue")
}

func TestQueueCloseDrains(t *testing.T) {
	q := New()
	var ran atomic.Int32
	for range 50 {
		q.Enqueue(func() { ran.Add(1) })
	}
	q.Close()
	if ran.Load() != 50 {
		t.Errorf("ran %d before Close returned, want 50", ran.Load())
	}
	if q.Enqueue(func() {}) {
		t.Error("Enqueue after Close accepted work")
	}
	if err := q.Flush(context.Background()); err != nil {
		t.Errorf("Flush after Close: %v", err)
	}
	testutil.RequireClosed(t, q.Stopped(), time.Second, "Stopped")
}

func TestFlushHonorsContext(t *testing.T) {
	q := New()
	defer q.Close()
	release := make(chan struct{})
	q.Enqueue(func() { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Flush(ctx); err != context.DeadlineExceeded {
		t.Errorf("Flush = %v, want deadline exceeded", err)
	}
}
