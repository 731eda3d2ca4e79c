// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"
)

// Signaler carries session descriptions between WebRTC peers. Peers are
// identified by name: a service listens under its namespace, and each
// dial offers under a fresh name derived from the dialer's.
//
// Signaling is vanilla ICE: every candidate is gathered before a
// description is published, so a connection needs exactly one offer and
// one answer.
type Signaler interface {
	// PublishOffer stores a complete SDP offer from one peer to another.
	PublishOffer(ctx context.Context, from, to, sdp string) error

	// PublishAnswer stores the answer to an offer made by offerer.
	PublishAnswer(ctx context.Context, offerer, answerer, sdp string) error

	// PollOffers returns offers addressed to name that were not returned
	// by an earlier poll.
	PollOffers(ctx context.Context, name string) ([]Signal, error)

	// PollAnswers returns answers to offers made by name that were not
	// returned by an earlier poll.
	PollAnswers(ctx context.Context, name string) ([]Signal, error)
}

// Signal is one offer or answer.
type Signal struct {
	// Peer is the other party: the offerer for an offer, the answerer
	// for an answer.
	Peer string
	SDP  string
}

var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler is an in-process Signaler. Two peers sharing one can
// connect without any external signaling channel. Each signal is
// delivered to exactly one poll.
type MemorySignaler struct {
	mu      sync.Mutex
	offers  map[string][]Signal
	answers map[string][]Signal
}

// NewMemorySignaler returns an empty signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:  make(map[string][]Signal),
		answers: make(map[string][]Signal),
	}
}

// PublishOffer implements Signaler.
func (s *MemorySignaler) PublishOffer(_ context.Context, from, to, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[to] = append(s.offers[to], Signal{Peer: from, SDP: sdp})
	return nil
}

// PublishAnswer implements Signaler.
func (s *MemorySignaler) PublishAnswer(_ context.Context, offerer, answerer, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[offerer] = append(s.answers[offerer], Signal{Peer: answerer, SDP: sdp})
	return nil
}

// PollOffers implements Signaler.
func (s *MemorySignaler) PollOffers(_ context.Context, name string) ([]Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.offers[name]
	delete(s.offers, name)
	return pending, nil
}

// PollAnswers implements Signaler.
func (s *MemorySignaler) PollAnswers(_ context.Context, name string) ([]Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.answers[name]
	delete(s.answers, name)
	return pending, nil
}
