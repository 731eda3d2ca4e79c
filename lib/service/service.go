// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/bureau-foundation/crann/lib/agent"
	"github.com/bureau-foundation/crann/lib/clock"
	"github.com/bureau-foundation/crann/lib/persist"
	"github.com/bureau-foundation/crann/lib/rpc"
	"github.com/bureau-foundation/crann/lib/statedef"
	"github.com/bureau-foundation/crann/lib/statestore"
	"github.com/bureau-foundation/crann/lib/wire"
)

// ErrNotConnected is returned when a message or call targets an agent
// without a live connection.
var ErrNotConnected = errors.New("agent not connected")

// Config configures a Service.
type Config struct {
	Definition *statedef.Definition

	// Session and Durable back the persisted tiers. Nil backends keep
	// the tier in memory.
	Session persist.Backend
	Durable persist.Backend
	Prefix  string

	// Encoding converts messages to port values. Defaults to the binary
	// encoding with default options, which works over every port.
	Encoding wire.Encoding

	// ReconnectGrace keeps a dropped instance's identity and state for
	// this long. Zero resets an instance on every disconnect.
	ReconnectGrace time.Duration

	// HandshakeTimeout bounds the wait for a connection's ready
	// message. Zero waits until the port or context ends.
	HandshakeTimeout time.Duration

	// CallTimeout bounds service-to-instance calls.
	CallTimeout time.Duration

	Interceptors   []statestore.Interceptor
	Clock          clock.Clock
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Service is the authoritative state owner for one namespace.
type Service struct {
	store    *statestore.Store
	registry *agent.Registry
	actions  rpc.Actions
	encoding wire.Encoding
	config   Config
	logger   *slog.Logger
	untrack  func()

	// lifetime ends every Attach when the service closes.
	lifetime context.Context
	stop     context.CancelFunc

	mu          sync.Mutex
	connections map[string]*connection
	closed      bool

	// active tracks Attach calls so Close can wait for teardown.
	active sync.WaitGroup
}

// New builds a service around a fresh store. Call Open before serving
// to load persisted state.
func New(config Config) (*Service, error) {
	if config.Definition == nil {
		return nil, fmt.Errorf("service: Definition is required")
	}
	if config.Encoding == nil {
		config.Encoding = wire.NewBinary(wire.BinaryOptions{})
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	lifetime, stop := context.WithCancel(context.Background())
	s := &Service{
		lifetime:    lifetime,
		stop:        stop,
		encoding:    config.Encoding,
		config:      config,
		logger:      config.Logger,
		connections: make(map[string]*connection),
	}

	store, err := statestore.New(statestore.Config{
		Definition:   config.Definition,
		Session:      config.Session,
		Durable:      config.Durable,
		Prefix:       config.Prefix,
		Sender:       statestore.SenderFunc(s.deliver),
		Interceptors: config.Interceptors,
		Logger:       config.Logger.With("component", "statestore"),
	})
	if err != nil {
		stop()
		return nil, fmt.Errorf("service: %w", err)
	}
	s.store = store
	s.registry = agent.NewRegistry(agent.Config{
		Clock:          config.Clock,
		Logger:         config.Logger.With("component", "registry"),
		ReconnectGrace: config.ReconnectGrace,
	})
	s.untrack = store.Track(s.registry)
	s.actions = s.buildActions()
	return s, nil
}

// buildActions adapts the declared actions to the RPC table and adds
// the reserved write action.
func (s *Service) buildActions() rpc.Actions {
	actions := make(rpc.Actions)
	for _, spec := range s.store.Definition().Actions() {
		actions[spec.Name] = rpc.Action{
			Validate: spec.Validate,
			Handler:  s.declaredHandler(spec),
		}
	}
	actions[wire.SetAction] = rpc.Action{
		Validate: validateSetArgs,
		Handler: func(ctx context.Context, request *rpc.Request) (any, error) {
			update := request.Args[0].(map[string]any)
			if err := s.store.Set(ctx, update, request.Caller.ID); err != nil {
				return nil, err
			}
			// The writer's mirror sees its own change before the call
			// returns.
			return nil, s.store.Flush(ctx)
		},
	}
	return actions
}

func validateSetArgs(args []any) error {
	if len(args) != 1 {
		return fmt.Errorf("%s takes exactly one argument", wire.SetAction)
	}
	if _, ok := args[0].(map[string]any); !ok {
		return fmt.Errorf("%s argument must be a map of field values", wire.SetAction)
	}
	return nil
}

func (s *Service) declaredHandler(spec statedef.ActionSpec) rpc.Handler {
	return func(ctx context.Context, request *rpc.Request) (any, error) {
		caller := request.Caller.ID
		result, err := spec.Handler(ctx, &statedef.Invocation{
			Action: request.Action,
			Caller: request.Caller,
			Args:   request.Args,
			State:  s.store.Get(caller),
			Set: func(ctx context.Context, update map[string]any) error {
				return s.store.Set(ctx, update, caller)
			},
		})
		if err != nil {
			return nil, err
		}
		if err := s.store.Flush(ctx); err != nil {
			return nil, err
		}
		return result, nil
	}
}

// Open hydrates the store from its backends.
func (s *Service) Open(ctx context.Context) error {
	return s.store.Hydrate(ctx)
}

// Store returns the canonical store.
func (s *Service) Store() *statestore.Store {
	return s.store
}

// Get returns shared state merged with instance's state. Pass "" for
// shared state only.
func (s *Service) Get(instance string) statedef.State {
	return s.store.Get(instance)
}

// Set applies update on behalf of instance ("" for a service-side
// write of shared fields).
func (s *Service) Set(ctx context.Context, update map[string]any, instance string) error {
	return s.store.Set(ctx, update, instance)
}

// Subscribe registers a state listener.
func (s *Service) Subscribe(listener statestore.Listener) func() {
	return s.store.Subscribe(listener)
}

// Clear resets all state to defaults and removes persisted values.
func (s *Service) Clear(ctx context.Context) error {
	return s.store.Clear(ctx)
}

// QueryAgents returns the registered agents matching filter.
func (s *Service) QueryAgents(filter agent.Filter) []agent.Agent {
	return s.registry.Query(filter)
}

// OnInstanceReady registers a listener called after an instance's
// initial state was delivered.
func (s *Service) OnInstanceReady(listener func(agent.Agent)) func() {
	return s.store.OnInstanceReady(func(instance string) {
		if ready, found := s.registry.Agent(instance); found {
			listener(ready)
		}
	})
}

// CallAction invokes a declared action locally. The invocation has no
// caller, so per-instance fields cannot be written.
func (s *Service) CallAction(ctx context.Context, action string, args ...any) (any, error) {
	normalized := make([]any, len(args))
	for i, arg := range args {
		value, err := wire.Normalize(arg)
		if err != nil {
			return nil, fmt.Errorf("%s: argument %d: %w", action, i, err)
		}
		normalized[i] = value
	}
	return s.actions.Invoke(ctx, &rpc.Request{Action: action, Args: normalized})
}

// Call invokes an action served by the instance connected as id.
func (s *Service) Call(ctx context.Context, id, action string, args ...any) (any, error) {
	s.mu.Lock()
	conn, found := s.connections[id]
	s.mu.Unlock()
	if !found {
		return nil, fmt.Errorf("calling %s on %s: %w", action, id, ErrNotConnected)
	}
	return conn.endpoint.Call(ctx, action, args...)
}

// deliver is the store's Sender. Initial snapshots are completed with
// the recipient's identity.
func (s *Service) deliver(ctx context.Context, instance string, message *wire.Message) error {
	s.mu.Lock()
	conn, found := s.connections[instance]
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("delivering %s to %s: %w", message.Type, instance, ErrNotConnected)
	}
	if message.Type == wire.TypeInitialState {
		message.Agent = &wire.Hello{ID: conn.agent.ID, Address: conn.agent.Address}
	}
	return conn.post(ctx, message)
}

// Close disconnects every instance, waits for their connections to
// finish, and closes the store. Persisted state is left in the
// backends.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stop()
	s.active.Wait()

	s.untrack()
	s.registry.Close()
	s.store.Close()
	return nil
}
