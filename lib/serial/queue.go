// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package serial runs functions one at a time, in submission order, on
// a dedicated goroutine.
package serial

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO executor. Enqueue never blocks, so it is
// safe to call while holding locks that queued functions do not need.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	closed  bool
	stopped chan struct{}
}

// New starts a Queue.
func New() *Queue {
	q := &Queue{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue schedules fn. Returns false if the queue is closed, in which
// case fn will never run.
func (q *Queue) Enqueue(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}

// Flush waits until every function enqueued before the call has run.
func (q *Queue) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !q.Enqueue(func() { close(done) }) {
		done = q.stopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits for queued functions to finish.
// Must not be called from a queued function.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
	<-q.stopped
}

// Stopped is closed once Close has drained the queue.
func (q *Queue) Stopped() <-chan struct{} {
	return q.stopped
}
