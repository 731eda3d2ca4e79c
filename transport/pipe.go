// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"
)

// Pipe returns two connected in-process ports. Values posted on one
// are received on the other in order. Queues are unbounded, so Post
// never blocks. Closing either end closes both; values already queued
// remain receivable.
func Pipe() (Port, Port) {
	shared := &pipeShared{done: make(chan struct{})}
	left := &pipeEnd{shared: shared, inbound: newQueue()}
	right := &pipeEnd{shared: shared, inbound: newQueue()}
	left.outbound = right.inbound
	right.outbound = left.inbound
	return left, right
}

type pipeShared struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	shared   *pipeShared
	inbound  *queue
	outbound *queue
}

func (p *pipeEnd) Post(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.shared.done:
		return ErrClosed
	default:
	}
	p.outbound.push(v)
	return nil
}

func (p *pipeEnd) Receive(ctx context.Context) (any, error) {
	return p.inbound.pop(ctx, p.shared.done)
}

func (p *pipeEnd) Close() error {
	p.shared.once.Do(func() { close(p.shared.done) })
	return nil
}

func (p *pipeEnd) Done() <-chan struct{} {
	return p.shared.done
}

// queue is an unbounded FIFO with a blocking pop.
type queue struct {
	mu     sync.Mutex
	values []any
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(v any) {
	q.mu.Lock()
	q.values = append(q.values, v)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) pop(ctx context.Context, done <-chan struct{}) (any, error) {
	for {
		q.mu.Lock()
		if len(q.values) > 0 {
			v := q.values[0]
			q.values[0] = nil
			q.values = q.values[1:]
			q.mu.Unlock()
			return v, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-done:
			// Drain anything that raced with the close.
			q.mu.Lock()
			empty := len(q.values) == 0
			q.mu.Unlock()
			if empty {
				return nil, ErrClosed
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
