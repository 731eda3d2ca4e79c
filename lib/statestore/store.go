// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/bureau-foundation/crann/lib/agent"
	"github.com/bureau-foundation/crann/lib/codec"
	"github.com/bureau-foundation/crann/lib/persist"
	"github.com/bureau-foundation/crann/lib/serial"
	"github.com/bureau-foundation/crann/lib/statedef"
	"github.com/bureau-foundation/crann/lib/wire"
)

var (
	// ErrUnknownField rejects an update naming a field that is not
	// declared.
	ErrUnknownField = errors.New("unknown field")

	// ErrInstanceKeyRequired rejects an update containing per-instance
	// fields when no instance key was given.
	ErrInstanceKeyRequired = errors.New("per-instance field requires an instance key")

	// ErrUnknownInstance rejects per-instance updates and readiness for
	// a key that is not registered.
	ErrUnknownInstance = errors.New("unknown instance")

	// ErrClosed is returned by mutations after Close.
	ErrClosed = errors.New("state store closed")
)

// Sender delivers a message to one instance. Errors are logged by the
// store; delivery is not retried.
type Sender interface {
	Send(ctx context.Context, instance string, message *wire.Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, instance string, message *wire.Message) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, instance string, message *wire.Message) error {
	return f(ctx, instance, message)
}

// Notification describes one applied change.
type Notification struct {
	// State is the merged view after the change: shared state, plus
	// Instance's values when Instance is set.
	State statedef.State

	// Changes holds only the fields whose values changed.
	Changes map[string]any

	// Instance is the instance the change is scoped to, empty for
	// shared changes.
	Instance string

	// Origin is the instance key the mutation was issued with, if any.
	Origin string
}

// Listener receives notifications on the store's dispatcher goroutine.
type Listener func(Notification)

// ReadyListener is called after an instance's initial sync was queued.
type ReadyListener func(instance string)

// Config configures a Store.
type Config struct {
	Definition *statedef.Definition

	// Session and Durable back the "session" and "local" tiers. A nil
	// backend makes the tier process-lifetime (an in-memory backend).
	Session persist.Backend
	Durable persist.Backend

	// Prefix is prepended to field names to form storage keys.
	// Defaults to persist.DefaultPrefix.
	Prefix string

	// Sender delivers initial snapshots and deltas to instances. Nil
	// disables delivery (service-only use).
	Sender Sender

	Interceptors []Interceptor

	Logger *slog.Logger
}

// Store is the canonical owner of a namespace's state. Safe for
// concurrent use.
type Store struct {
	definition   *statedef.Definition
	backends     map[statedef.Persistence]persist.Backend
	prefix       string
	sender       Sender
	interceptors []Interceptor
	logger       *slog.Logger
	dispatcher   *serial.Queue

	// writeMu serializes mutation pipelines, including their backend
	// I/O. mu guards the maps below and is never held across I/O.
	writeMu sync.Mutex

	mu        sync.RWMutex
	shared    map[string]any
	instances map[string]*instanceState
	hydrated  bool
	closed    bool

	listenerMu     sync.Mutex
	listenerID     uint64
	listeners      map[uint64]Listener
	readyListeners map[uint64]ReadyListener
}

type instanceState struct {
	values map[string]any
	synced bool
}

// New creates a store holding the definition's defaults. Call Hydrate
// to load persisted values.
func New(config Config) (*Store, error) {
	if config.Definition == nil {
		return nil, fmt.Errorf("statestore: Definition is required")
	}
	if config.Session == nil {
		config.Session = persist.NewMemory()
	}
	if config.Durable == nil {
		config.Durable = persist.NewMemory()
	}
	if config.Prefix == "" {
		config.Prefix = persist.DefaultPrefix
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		definition: config.Definition,
		backends: map[statedef.Persistence]persist.Backend{
			statedef.Session: config.Session,
			statedef.Durable: config.Durable,
		},
		prefix:         config.Prefix,
		sender:         config.Sender,
		interceptors:   slices.Clone(config.Interceptors),
		logger:         config.Logger,
		dispatcher:     serial.New(),
		shared:         config.Definition.SharedDefaults(),
		instances:      make(map[string]*instanceState),
		listeners:      make(map[uint64]Listener),
		readyListeners: make(map[uint64]ReadyListener),
	}, nil
}

// Definition returns the namespace the store was built with.
func (s *Store) Definition() *statedef.Definition {
	return s.definition
}

// Get returns shared state merged with instance's values. An empty or
// unregistered instance yields shared state only. The result is a deep
// copy.
func (s *Store) Get(instance string) statedef.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewLocked(instance)
}

func (s *Store) viewLocked(instance string) statedef.State {
	view := statedef.State(wire.CloneMap(s.shared))
	if state, found := s.instances[instance]; found && instance != "" {
		for key, value := range state.values {
			view[key] = wire.Clone(value)
		}
	}
	return view
}

// Fingerprint returns the digest of the current shared state.
func (s *Store) Fingerprint() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fingerprintLocked()
}

func (s *Store) fingerprintLocked() []byte {
	return wire.Digest(s.shared, s.sharedKeys())
}

func (s *Store) sharedKeys() []string {
	var keys []string
	for _, field := range s.definition.Fields() {
		if field.Partition == statedef.Shared {
			keys = append(keys, field.Name)
		}
	}
	return keys
}

// Instances returns the registered instance keys in order.
func (s *Store) Instances() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.instances))
}

// Set applies update. Shared fields go to canonical state; per-instance
// fields go to instance, which must be registered. Unknown fields, or
// per-instance fields with an empty instance, reject the whole update.
func (s *Store) Set(ctx context.Context, update map[string]any, instance string) error {
	normalized, err := wire.NormalizeMap(update)
	if err != nil {
		return fmt.Errorf("set: %w", err)
	}
	shared, perInstance, unknown := s.definition.Split(normalized)
	if len(unknown) > 0 {
		return fmt.Errorf("set: %w: %s", ErrUnknownField, strings.Join(unknown, ", "))
	}
	if len(perInstance) > 0 && instance == "" {
		return fmt.Errorf("set: %w: %s", ErrInstanceKeyRequired, strings.Join(wire.SortedKeys(perInstance), ", "))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, found := s.instances[instance]; len(perInstance) > 0 && !found {
		s.mu.Unlock()
		return fmt.Errorf("set: %w: %s", ErrUnknownInstance, instance)
	}
	s.mu.Unlock()

	if len(shared) > 0 {
		if err := s.applyShared(ctx, "set", shared, instance); err != nil {
			return err
		}
	}
	if len(perInstance) > 0 {
		s.applyInstance(ctx, "set", perInstance, instance, instance)
	}
	return nil
}

// applyShared runs the shared half of the pipeline. Called with
// writeMu held.
func (s *Store) applyShared(ctx context.Context, operation string, update map[string]any, origin string) (err error) {
	mutation := Mutation{Operation: operation, Partition: statedef.Shared, Update: update}
	var changes map[string]any
	s.before(ctx, mutation)
	defer func() { s.after(ctx, mutation, changes, err) }()

	s.mu.Lock()
	changes = diff(s.shared, update)
	previous := make(map[string]any, len(changes))
	for key, value := range changes {
		if old, found := s.shared[key]; found {
			previous[key] = old
		}
		s.shared[key] = wire.Clone(value)
	}
	s.mu.Unlock()

	if len(changes) == 0 {
		return nil
	}

	if err := s.persistChanges(ctx, changes); err != nil {
		// Restore the prior values so a retry of the same update is
		// seen as a change and written again.
		s.mu.Lock()
		for key := range changes {
			if old, found := previous[key]; found {
				s.shared[key] = old
			} else {
				delete(s.shared, key)
			}
		}
		s.mu.Unlock()
		s.logger.ErrorContext(ctx, "persisting state failed, change rolled back",
			"fields", strings.Join(wire.SortedKeys(changes), ","),
			"error", err,
		)
		return err
	}

	s.mu.RLock()
	notification := Notification{State: s.viewLocked(""), Changes: wire.CloneMap(changes), Origin: origin}
	delta := &wire.Message{Type: wire.TypeState, Changes: wire.CloneMap(changes), Digest: s.fingerprintLocked()}
	var recipients []string
	for _, key := range slices.Sorted(maps.Keys(s.instances)) {
		if s.instances[key].synced {
			recipients = append(recipients, key)
		}
	}
	s.mu.RUnlock()

	s.notify(notification, delta, recipients)
	return nil
}

// applyInstance runs the per-instance half of the pipeline. Called
// with writeMu held.
func (s *Store) applyInstance(ctx context.Context, operation string, update map[string]any, instance, origin string) {
	mutation := Mutation{Operation: operation, Partition: statedef.PerInstance, Instance: instance, Update: update}
	var changes map[string]any
	s.before(ctx, mutation)
	defer func() { s.after(ctx, mutation, changes, nil) }()

	s.mu.Lock()
	state, found := s.instances[instance]
	if !found {
		s.mu.Unlock()
		return
	}
	changes = diff(state.values, update)
	if len(changes) == 0 {
		s.mu.Unlock()
		return
	}
	for key, value := range changes {
		state.values[key] = wire.Clone(value)
	}
	notification := Notification{
		State:    s.viewLocked(instance),
		Changes:  wire.CloneMap(changes),
		Instance: instance,
		Origin:   origin,
	}
	var recipients []string
	var delta *wire.Message
	if state.synced {
		recipients = []string{instance}
		delta = &wire.Message{Type: wire.TypeState, Changes: wire.CloneMap(changes), Digest: s.fingerprintLocked()}
	}
	s.mu.Unlock()

	s.notify(notification, delta, recipients)
}

// diff returns the entries of update whose values differ from current.
func diff(current, update map[string]any) map[string]any {
	changes := make(map[string]any)
	for key, value := range update {
		existing, found := current[key]
		if found && codec.Equal(existing, value) {
			continue
		}
		changes[key] = value
	}
	return changes
}

func (s *Store) before(ctx context.Context, mutation Mutation) {
	for _, interceptor := range s.interceptors {
		interceptor.Before(ctx, mutation)
	}
}

func (s *Store) after(ctx context.Context, mutation Mutation, changes map[string]any, err error) {
	for _, interceptor := range s.interceptors {
		interceptor.After(ctx, mutation, changes, err)
	}
}

// notify queues listener callbacks and instance deliveries.
func (s *Store) notify(notification Notification, delta *wire.Message, recipients []string) {
	s.listenerMu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, id := range slices.Sorted(maps.Keys(s.listeners)) {
		listeners = append(listeners, s.listeners[id])
	}
	s.listenerMu.Unlock()

	s.dispatcher.Enqueue(func() {
		for _, listener := range listeners {
			listener(notification)
		}
		if s.sender == nil {
			return
		}
		for _, recipient := range recipients {
			s.send(recipient, delta.Clone())
		}
	})
}

func (s *Store) send(instance string, message *wire.Message) {
	if err := s.sender.Send(context.Background(), instance, message); err != nil {
		s.logger.Warn("delivering state to instance failed",
			"instance", instance,
			"type", string(message.Type),
			"error", err,
		)
	}
}

// Persist writes the current values of fields to their tiers' backends.
// Fields without a tier are skipped; unknown fields are an error.
func (s *Store) Persist(ctx context.Context, fields ...string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	values := make(map[string]any, len(fields))
	for _, name := range fields {
		field, found := s.definition.Field(name)
		if !found {
			s.mu.RUnlock()
			return fmt.Errorf("persist: %w: %s", ErrUnknownField, name)
		}
		if field.Partition == statedef.Shared {
			values[name] = wire.Clone(s.shared[name])
		}
	}
	s.mu.RUnlock()
	return s.persistChanges(ctx, values)
}

// persistChanges writes the persisted subset of values, one backend
// write per tier. Called with writeMu held.
func (s *Store) persistChanges(ctx context.Context, values map[string]any) error {
	batches := make(map[statedef.Persistence]map[string][]byte)
	for _, name := range wire.SortedKeys(values) {
		field, found := s.definition.Field(name)
		if !found || !field.Persisted() {
			continue
		}
		encoded, err := wire.Marshal(values[name])
		if err != nil {
			return fmt.Errorf("persist: encoding %s: %w", name, err)
		}
		if batches[field.Persistence] == nil {
			batches[field.Persistence] = make(map[string][]byte)
		}
		batches[field.Persistence][s.prefix+name] = encoded
	}
	for _, tier := range []statedef.Persistence{statedef.Session, statedef.Durable} {
		if batch := batches[tier]; batch != nil {
			if err := s.backends[tier].Set(ctx, batch); err != nil {
				return fmt.Errorf("persist: %s tier: %w", tier, err)
			}
		}
	}
	return nil
}

// Hydrate overlays persisted values onto shared state. Only the first
// call reads the backends. Stored keys without the prefix, keys for
// undeclared fields, and values stored under a different tier than the
// field now declares are ignored.
func (s *Store) Hydrate(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.hydrated {
		s.mu.Unlock()
		s.logger.Debug("state already hydrated")
		return nil
	}
	s.mu.Unlock()

	update := make(map[string]any)
	for _, tier := range []statedef.Persistence{statedef.Session, statedef.Durable} {
		entries, err := s.backends[tier].Get(ctx, nil)
		if err != nil {
			return fmt.Errorf("hydrate: reading %s tier: %w", tier, err)
		}
		for _, key := range slices.Sorted(maps.Keys(entries)) {
			name, ok := strings.CutPrefix(key, s.prefix)
			if !ok {
				continue
			}
			field, found := s.definition.Field(name)
			if !found || field.Persistence != tier {
				s.logger.Debug("ignoring stored value", "key", key, "tier", string(tier))
				continue
			}
			var value any
			if err := wire.Unmarshal(entries[key], &value); err != nil {
				s.logger.Warn("ignoring undecodable stored value", "key", key, "error", err)
				continue
			}
			update[name] = value
		}
	}

	s.mu.Lock()
	s.hydrated = true
	changes := diff(s.shared, update)
	for key, value := range changes {
		s.shared[key] = value
	}
	notification := Notification{State: s.viewLocked(""), Changes: wire.CloneMap(changes)}
	delta := &wire.Message{Type: wire.TypeState, Changes: wire.CloneMap(changes), Digest: s.fingerprintLocked()}
	var recipients []string
	for _, key := range slices.Sorted(maps.Keys(s.instances)) {
		if s.instances[key].synced {
			recipients = append(recipients, key)
		}
	}
	s.mu.Unlock()

	mutation := Mutation{Operation: "hydrate", Partition: statedef.Shared, Update: update}
	s.before(ctx, mutation)
	s.after(ctx, mutation, changes, nil)

	s.logger.Info("state hydrated", "fields", len(update), "changed", len(changes))
	if len(changes) > 0 {
		s.notify(notification, delta, recipients)
	}
	return nil
}

// Clear resets shared and every instance's state to defaults and
// removes all persisted fields from their backends.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	closed := s.closed
	instances := slices.Sorted(maps.Keys(s.instances))
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	keys := make(map[statedef.Persistence][]string)
	for _, field := range s.definition.Fields() {
		if field.Persisted() {
			keys[field.Persistence] = append(keys[field.Persistence], s.prefix+field.Name)
		}
	}

	if err := s.applyShared(ctx, "clear", s.definition.SharedDefaults(), ""); err != nil {
		return err
	}
	for _, tier := range []statedef.Persistence{statedef.Session, statedef.Durable} {
		if len(keys[tier]) == 0 {
			continue
		}
		if err := s.backends[tier].Remove(ctx, keys[tier]); err != nil {
			return fmt.Errorf("clear: %s tier: %w", tier, err)
		}
	}
	for _, instance := range instances {
		s.applyInstance(ctx, "clear", s.definition.InstanceDefaults(), instance, "")
	}
	return nil
}

// AddInstance registers instance with default per-instance state.
// Adding a registered instance is a no-op.
func (s *Store) AddInstance(instance string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.instances[instance]; found {
		s.logger.Debug("instance already registered", "instance", instance)
		return
	}
	s.instances[instance] = &instanceState{values: s.definition.InstanceDefaults()}
	s.logger.Debug("instance registered", "instance", instance)
}

// RemoveInstance discards instance and its state. Removing an unknown
// instance is a no-op.
func (s *Store) RemoveInstance(instance string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.instances[instance]; !found {
		s.logger.Debug("removing unregistered instance ignored", "instance", instance)
		return
	}
	delete(s.instances, instance)
	s.logger.Debug("instance removed", "instance", instance)
}

// ResetSync re-arms the initial sync for instance, keeping its state.
// Used when the instance's transport reconnected.
func (s *Store) ResetSync(instance string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, found := s.instances[instance]; found {
		state.synced = false
	}
}

// InstanceReady queues the initial snapshot for instance unless it was
// already sent for this registration. Returns whether a snapshot was
// queued.
func (s *Store) InstanceReady(ctx context.Context, instance string) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	state, found := s.instances[instance]
	if !found {
		s.mu.Unlock()
		return false, fmt.Errorf("ready: %w: %s", ErrUnknownInstance, instance)
	}
	if state.synced {
		s.mu.Unlock()
		s.logger.DebugContext(ctx, "duplicate ready ignored", "instance", instance)
		return false, nil
	}
	state.synced = true
	snapshot := s.snapshotLocked(instance)
	s.mu.Unlock()

	s.listenerMu.Lock()
	listeners := make([]ReadyListener, 0, len(s.readyListeners))
	for _, id := range slices.Sorted(maps.Keys(s.readyListeners)) {
		listeners = append(listeners, s.readyListeners[id])
	}
	s.listenerMu.Unlock()

	s.dispatcher.Enqueue(func() {
		if s.sender != nil {
			s.send(instance, snapshot)
		}
		for _, listener := range listeners {
			listener(instance)
		}
	})
	return true, nil
}

// Resync queues a fresh snapshot for a synced instance whose mirror
// diverged.
func (s *Store) Resync(ctx context.Context, instance string) error {
	s.mu.Lock()
	state, found := s.instances[instance]
	if !found {
		s.mu.Unlock()
		return fmt.Errorf("resync: %w: %s", ErrUnknownInstance, instance)
	}
	if !state.synced {
		s.mu.Unlock()
		s.logger.DebugContext(ctx, "resync before initial sync ignored", "instance", instance)
		return nil
	}
	snapshot := s.snapshotLocked(instance)
	s.mu.Unlock()

	if s.sender != nil {
		s.dispatcher.Enqueue(func() { s.send(instance, snapshot) })
	}
	return nil
}

func (s *Store) snapshotLocked(instance string) *wire.Message {
	return &wire.Message{
		Type:   wire.TypeInitialState,
		State:  s.viewLocked(instance),
		Digest: s.fingerprintLocked(),
		Keys:   s.sharedKeys(),
	}
}

// Subscribe registers a state listener. The returned func removes it.
func (s *Store) Subscribe(listener Listener) func() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listenerID++
	id := s.listenerID
	s.listeners[id] = listener
	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.listeners, id)
	}
}

// OnInstanceReady registers a listener called after each instance's
// initial snapshot was delivered.
func (s *Store) OnInstanceReady(listener ReadyListener) func() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listenerID++
	id := s.listenerID
	s.readyListeners[id] = listener
	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.readyListeners, id)
	}
}

// Track subscribes the store to registry events: connect registers
// the instance, disconnect removes it, and reconnect re-arms its
// initial sync. The returned func detaches.
func (s *Store) Track(registry *agent.Registry) func() {
	unsubscribers := []func(){
		registry.OnConnect(func(connected agent.Agent) { s.AddInstance(connected.ID) }),
		registry.OnDisconnect(func(gone agent.Agent) { s.RemoveInstance(gone.ID) }),
		registry.OnReconnect(func(back agent.Agent) { s.ResetSync(back.ID) }),
	}
	return func() {
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
	}
}

// Flush waits until every notification queued before the call has been
// delivered.
func (s *Store) Flush(ctx context.Context) error {
	return s.dispatcher.Flush(ctx)
}

// Close rejects further mutations and waits for queued notifications
// to be delivered.
func (s *Store) Close() {
	s.writeMu.Lock()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.writeMu.Unlock()
	s.dispatcher.Close()
}
