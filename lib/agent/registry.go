// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/crann/lib/clock"
)

// ErrAlreadyConnected is returned by Connect when the ID belongs to an
// agent whose current session is still live.
var ErrAlreadyConnected = errors.New("agent already connected")

// Listener receives a registry event.
type Listener func(Agent)

// Config configures a Registry.
type Config struct {
	// Clock arms reconnect grace timers. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives connect/disconnect diagnostics. Defaults to a
	// discard logger.
	Logger *slog.Logger

	// ReconnectGrace is how long a dropped agent keeps its identity
	// (and its per-instance state downstream) waiting for the same ID
	// to connect again. Zero disables reconnection: every drop is a
	// disconnect.
	ReconnectGrace time.Duration
}

// Registry tracks connected agents. Safe for concurrent use.
type Registry struct {
	clock  clock.Clock
	logger *slog.Logger
	grace  time.Duration

	mu           sync.Mutex
	agents       map[string]*entry
	listenerID   uint64
	onConnect    map[uint64]Listener
	onDisconnect map[uint64]Listener
	onReconnect  map[uint64]Listener
	closed       bool
}

type entry struct {
	agent Agent

	// session increments on every connect or reconnect so a grace
	// timer armed for an earlier drop cannot expire a later session.
	session uint64
	timer   *clock.Timer
}

// NewRegistry returns an empty registry.
func NewRegistry(config Config) *Registry {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		clock:        config.Clock,
		logger:       config.Logger,
		grace:        config.ReconnectGrace,
		agents:       make(map[string]*entry),
		onConnect:    make(map[uint64]Listener),
		onDisconnect: make(map[uint64]Listener),
		onReconnect:  make(map[uint64]Listener),
	}
}

// OnConnect registers a listener for new sessions. The returned func
// removes it.
func (r *Registry) OnConnect(listener Listener) func() {
	return r.subscribe(r.onConnect, listener)
}

// OnDisconnect registers a listener for ended sessions.
func (r *Registry) OnDisconnect(listener Listener) func() {
	return r.subscribe(r.onDisconnect, listener)
}

// OnReconnect registers a listener for sessions resumed within the
// grace window.
func (r *Registry) OnReconnect(listener Listener) func() {
	return r.subscribe(r.onReconnect, listener)
}

func (r *Registry) subscribe(set map[uint64]Listener, listener Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listenerID++
	id := r.listenerID
	set[id] = listener
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(set, id)
	}
}

// Connect records a live session for id. An empty id is replaced with
// a fresh UUIDv7. If id is inside its reconnect grace window the
// session resumes and reconnect listeners fire; otherwise connect
// listeners fire. The returned bool is true for a resumed session.
func (r *Registry) Connect(id string, address Address, metadata map[string]string) (Agent, bool, error) {
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Agent{}, false, fmt.Errorf("connecting agent %s: registry closed", id)
	}

	existing, found := r.agents[id]
	if found && existing.agent.Connected {
		r.mu.Unlock()
		return Agent{}, false, fmt.Errorf("connecting agent %s: %w", id, ErrAlreadyConnected)
	}

	resumed := found
	if resumed {
		existing.timer.Stop()
		existing.timer = nil
	} else {
		existing = &entry{}
		r.agents[id] = existing
	}
	existing.session++
	existing.agent = Agent{
		ID:          id,
		Address:     address,
		Connected:   true,
		ConnectedAt: r.clock.Now(),
		Metadata:    maps.Clone(metadata),
	}
	snapshot := existing.agent.clone()

	listeners := r.onConnect
	if resumed {
		listeners = r.onReconnect
	}
	toCall := sortedListeners(listeners)
	r.mu.Unlock()

	if resumed {
		r.logger.Debug("agent reconnected", "agent", id, "address", address.String())
	} else {
		r.logger.Debug("agent connected", "agent", id, "address", address.String())
	}
	for _, listener := range toCall {
		listener(snapshot.clone())
	}
	return snapshot, resumed, nil
}

// Disconnect ends the live session for id. Unknown or already
// disconnected ids are a no-op. With a grace window the agent stays
// registered (Connected false) until the window closes.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	existing, found := r.agents[id]
	if !found || !existing.agent.Connected {
		r.mu.Unlock()
		r.logger.Debug("disconnect for unknown agent ignored", "agent", id)
		return
	}

	if r.grace > 0 && !r.closed {
		existing.agent.Connected = false
		session := existing.session
		existing.timer = r.clock.AfterFunc(r.grace, func() {
			r.expire(id, session)
		})
		r.mu.Unlock()
		r.logger.Debug("agent dropped, awaiting reconnect", "agent", id, "grace", r.grace)
		return
	}

	r.finishLocked(id, existing)
}

// expire ends a dropped session whose grace window elapsed without a
// reconnect.
func (r *Registry) expire(id string, session uint64) {
	r.mu.Lock()
	existing, found := r.agents[id]
	if !found || existing.agent.Connected || existing.session != session {
		r.mu.Unlock()
		return
	}
	r.finishLocked(id, existing)
}

// finishLocked removes the entry and fires disconnect listeners.
// Called with r.mu held; releases it.
func (r *Registry) finishLocked(id string, existing *entry) {
	delete(r.agents, id)
	snapshot := existing.agent.clone()
	snapshot.Connected = false
	toCall := sortedListeners(r.onDisconnect)
	r.mu.Unlock()

	r.logger.Debug("agent disconnected", "agent", id)
	for _, listener := range toCall {
		listener(snapshot.clone())
	}
}

// Agent returns the agent registered under id.
func (r *Registry) Agent(id string) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, found := r.agents[id]
	if !found {
		return Agent{}, false
	}
	return existing.agent.clone(), true
}

// Query returns the agents matching filter, ordered by ID.
func (r *Registry) Query(filter Filter) []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []Agent
	for _, existing := range r.agents {
		if filter.Match(existing.agent) {
			matched = append(matched, existing.agent.clone())
		}
	}
	slices.SortFunc(matched, func(a, b Agent) int {
		return strings.Compare(a.ID, b.ID)
	})
	return matched
}

// Len returns the number of registered agents, including those inside
// a grace window.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// Close stops accepting connects and ends every session, including
// those waiting out a grace window. Disconnect listeners fire for each.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	ids := slices.Sorted(maps.Keys(r.agents))
	r.mu.Unlock()

	for _, id := range ids {
		r.mu.Lock()
		existing, found := r.agents[id]
		if !found {
			r.mu.Unlock()
			continue
		}
		existing.timer.Stop()
		r.finishLocked(id, existing)
	}
}

func sortedListeners(set map[uint64]Listener) []Listener {
	ids := slices.Sorted(maps.Keys(set))
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, set[id])
	}
	return listeners
}
