// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/bureau-foundation/crann/lib/agent"
	"github.com/bureau-foundation/crann/lib/clock"
	"github.com/bureau-foundation/crann/lib/rpc"
	"github.com/bureau-foundation/crann/lib/serial"
	"github.com/bureau-foundation/crann/lib/statedef"
	"github.com/bureau-foundation/crann/lib/wire"
	"github.com/bureau-foundation/crann/transport"
)

// ErrDisconnected is returned by operations on an instance whose port
// has closed.
var ErrDisconnected = errors.New("instance disconnected")

// Config configures an Instance.
type Config struct {
	// ID requests an identity. Empty lets the service allocate one;
	// reusing a previous ID within the service's reconnect grace
	// resumes that agent's per-instance state.
	ID string

	Address agent.Address

	// Encoding must match the service's. Defaults to binary.
	Encoding wire.Encoding

	// Actions are served to the service, which can call them with
	// service.Service.Call.
	Actions rpc.Actions

	CallTimeout    time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Update is delivered to subscribers after the mirror changed.
type Update struct {
	// State is the full mirror after the change.
	State statedef.State

	// Changes holds the fields that changed. For a snapshot it is the
	// whole state.
	Changes map[string]any
}

// Instance mirrors one agent's view of a service namespace. Safe for
// concurrent use.
type Instance struct {
	port     transport.Port
	encoding wire.Encoding
	endpoint *rpc.Endpoint
	logger   *slog.Logger

	// dispatch runs subscribers in order, off the receive goroutine,
	// so a subscriber may call Set.
	dispatch *serial.Queue

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu          sync.RWMutex
	identity    agent.Agent
	state       map[string]any
	keys        []string
	resyncs     int
	err         error
	listenerID  uint64
	subscribers map[uint64]func(Update)
}

// Connect starts the handshake on port and returns without waiting for
// the initial state. The instance owns port from here on.
func Connect(ctx context.Context, port transport.Port, config Config) (*Instance, error) {
	if config.Encoding == nil {
		config.Encoding = wire.NewBinary(wire.BinaryOptions{})
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	i := &Instance{
		port:        port,
		encoding:    config.Encoding,
		logger:      config.Logger,
		dispatch:    serial.New(),
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		identity:    agent.Agent{ID: config.ID, Address: config.Address},
		state:       make(map[string]any),
		subscribers: make(map[uint64]func(Update)),
	}

	endpoint, err := rpc.New(rpc.Config{
		Send: func(ctx context.Context, frame *wire.Frame) error {
			return i.post(ctx, &wire.Message{Type: wire.TypeRPC, Frame: frame})
		},
		Actions:        config.Actions,
		Identity:       config.ID,
		CallTimeout:    config.CallTimeout,
		Clock:          config.Clock,
		Logger:         config.Logger,
		TracerProvider: config.TracerProvider,
	})
	if err != nil {
		i.dispatch.Close()
		return nil, fmt.Errorf("instance: %w", err)
	}
	i.endpoint = endpoint

	hello := &wire.Hello{ID: config.ID, Address: config.Address}
	if err := i.post(ctx, &wire.Message{Type: wire.TypeReady, Agent: hello}); err != nil {
		endpoint.Close()
		i.dispatch.Close()
		port.Close()
		return nil, fmt.Errorf("instance: sending ready: %w", err)
	}

	go i.receiveLoop()
	return i, nil
}

func (i *Instance) post(ctx context.Context, message *wire.Message) error {
	encoded, err := i.encoding.Encode(message)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", message.Type, err)
	}
	return i.port.Post(ctx, encoded)
}

// Ready is closed once the initial state has been received.
func (i *Instance) Ready() <-chan struct{} {
	return i.ready
}

// Done is closed once the connection has ended.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Err returns why the connection ended, or nil while it is live or
// after a clean close.
func (i *Instance) Err() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.err
}

// WaitReady blocks until the initial state arrived, the connection
// ended, or ctx is done.
func (i *Instance) WaitReady(ctx context.Context) error {
	select {
	case <-i.ready:
		return nil
	default:
	}
	select {
	case <-i.ready:
		return nil
	case <-i.done:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Agent returns this instance's identity as assigned by the service.
// The ID is empty before the instance is ready if none was requested.
func (i *Instance) Agent() agent.Agent {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.identity
}

// Get returns a deep copy of the mirrored state.
func (i *Instance) Get() statedef.State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return statedef.State(wire.CloneMap(i.state))
}

// Set asks the service to apply update. It waits for the instance to be
// ready. On success the mirror already holds the change.
func (i *Instance) Set(ctx context.Context, update map[string]any) error {
	if err := i.WaitReady(ctx); err != nil {
		return err
	}
	if _, err := i.endpoint.Call(ctx, wire.SetAction, update); err != nil {
		return err
	}
	return nil
}

// CallAction invokes a service action as this instance. It waits for
// the instance to be ready.
func (i *Instance) CallAction(ctx context.Context, action string, args ...any) (any, error) {
	if err := i.WaitReady(ctx); err != nil {
		return nil, err
	}
	return i.endpoint.Call(ctx, action, args...)
}

// Subscribe registers a listener for mirror changes. The returned func
// removes it.
func (i *Instance) Subscribe(listener func(Update)) func() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.listenerID++
	id := i.listenerID
	i.subscribers[id] = listener
	return func() {
		i.mu.Lock()
		defer i.mu.Unlock()
		delete(i.subscribers, id)
	}
}

// Resyncs returns how many times the mirror was found to diverge.
func (i *Instance) Resyncs() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.resyncs
}

// Close ends the connection. Pending calls fail with rpc.ErrClosed.
// Must not be called from a subscriber.
func (i *Instance) Close() error {
	err := i.port.Close()
	<-i.done
	return err
}

func (i *Instance) receiveLoop() {
	defer close(i.done)
	defer i.dispatch.Close()
	defer i.endpoint.Close()

	ctx := context.Background()
	for {
		raw, err := i.port.Receive(ctx)
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) {
				i.mu.Lock()
				i.err = err
				i.mu.Unlock()
				i.logger.Warn("instance connection failed", "error", err)
			}
			i.port.Close()
			return
		}

		message, err := i.encoding.Decode(raw)
		if err != nil {
			i.logger.Warn("dropping undecodable message", "error", err)
			continue
		}

		switch message.Type {
		case wire.TypeInitialState:
			i.applySnapshot(message)
		case wire.TypeState:
			i.applyDelta(ctx, message)
		case wire.TypeRPC:
			i.endpoint.Handle(message.Frame)
		default:
			i.logger.Warn("ignoring unexpected message", "type", string(message.Type))
		}
	}
}

func (i *Instance) applySnapshot(message *wire.Message) {
	i.mu.Lock()
	i.state = message.State
	if i.state == nil {
		i.state = make(map[string]any)
	}
	i.keys = slices.Clone(message.Keys)
	i.identity = agent.Agent{
		ID:        message.Agent.ID,
		Address:   message.Agent.Address,
		Connected: true,
	}
	if digest := wire.Digest(i.state, i.keys); !bytes.Equal(digest, message.Digest) {
		i.logger.Warn("initial state digest mismatch", "agent", message.Agent.ID)
	}
	update := Update{State: statedef.State(wire.CloneMap(i.state)), Changes: wire.CloneMap(i.state)}
	subscribers := i.subscribersLocked()
	i.mu.Unlock()

	i.endpoint.SetIdentity(message.Agent.ID)
	i.readyOnce.Do(func() { close(i.ready) })
	i.publish(subscribers, update)
}

func (i *Instance) applyDelta(ctx context.Context, message *wire.Message) {
	select {
	case <-i.ready:
	default:
		i.logger.Debug("dropping state delta before initial state")
		return
	}

	i.mu.Lock()
	changes := make(map[string]any, len(message.Changes))
	for key, value := range message.Changes {
		i.state[key] = value
		changes[key] = wire.Clone(value)
	}
	diverged := message.Digest != nil && !bytes.Equal(wire.Digest(i.state, i.keys), message.Digest)
	if diverged {
		i.resyncs++
	}
	update := Update{State: statedef.State(wire.CloneMap(i.state)), Changes: changes}
	subscribers := i.subscribersLocked()
	i.mu.Unlock()

	i.publish(subscribers, update)

	if diverged {
		i.logger.Warn("state digest mismatch, requesting resync")
		if err := i.post(ctx, &wire.Message{Type: wire.TypeResync}); err != nil {
			i.logger.Warn("requesting resync failed", "error", err)
		}
	}
}

func (i *Instance) subscribersLocked() []func(Update) {
	listeners := make([]func(Update), 0, len(i.subscribers))
	for _, id := range slices.Sorted(maps.Keys(i.subscribers)) {
		listeners = append(listeners, i.subscribers[id])
	}
	return listeners
}

func (i *Instance) publish(subscribers []func(Update), update Update) {
	if len(subscribers) == 0 {
		return
	}
	i.dispatch.Enqueue(func() {
		for _, listener := range subscribers {
			listener(update)
		}
	})
}
