// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/crann/lib/agent"
	"github.com/bureau-foundation/crann/lib/clock"
	"github.com/bureau-foundation/crann/lib/instance"
	"github.com/bureau-foundation/crann/lib/persist"
	"github.com/bureau-foundation/crann/lib/rpc"
	"github.com/bureau-foundation/crann/lib/service"
	"github.com/bureau-foundation/crann/lib/statedef"
	"github.com/bureau-foundation/crann/lib/statestore"
	"github.com/bureau-foundation/crann/lib/testutil"
	"github.com/bureau-foundation/crann/lib/wire"
	"github.com/bureau-foundation/crann/transport"
)

const timeout = 5 * time.Second

func definition() *statedef.Definition {
	return statedef.MustNew(
		statedef.FieldSpec{Name: "counter", Default: 0},
		statedef.FieldSpec{Name: "name", Default: "", Partition: statedef.PerInstance},
		statedef.FieldSpec{Name: "theme", Default: "light", Persistence: statedef.Durable},
		statedef.ActionSpec{
			Name: "increment",
			Validate: func(args []any) error {
				if len(args) != 1 {
					return errors.New("increment takes one argument")
				}
				if amount, ok := args[0].(int64); !ok || amount <= 0 {
					return errors.New("Amount must be positive")
				}
				return nil
			},
			Handler: func(ctx context.Context, invocation *statedef.Invocation) (any, error) {
				var amount int64
				if err := invocation.Arg(0, &amount); err != nil {
					return nil, err
				}
				current, err := statedef.Value[int64](invocation.State, "counter")
				if err != nil {
					return nil, err
				}
				next := current + amount
				if err := invocation.Set(ctx, map[string]any{"counter": next}); err != nil {
					return nil, err
				}
				return next, nil
			},
		},
	)
}

type harness struct {
	service  *service.Service
	attached chan error
}

func newHarness(t *testing.T, config service.Config) *harness {
	t.Helper()
	if config.Definition == nil {
		config.Definition = definition()
	}
	svc, err := service.New(config)
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}
	if err := svc.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return &harness{service: svc, attached: make(chan error, 16)}
}

// attach connects a new in-memory port to the service and returns the
// instance side of it.
func (h *harness) attach(t *testing.T, config instance.Config) *instance.Instance {
	t.Helper()
	servicePort, instancePort := transport.Pipe()
	go func() { h.attached <- h.service.Attach(context.Background(), servicePort, nil) }()

	connected, err := instance.Connect(context.Background(), instancePort, config)
	if err != nil {
		t.Fatalf("instance.Connect: %v", err)
	}
	t.Cleanup(func() { connected.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := connected.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	return connected
}

// detach closes an instance and waits for the service to finish
// tearing the connection down.
func (h *harness) detach(t *testing.T, connected *instance.Instance) {
	t.Helper()
	connected.Close()
	if err := testutil.RequireReceive(t, h.attached, timeout, "waiting for Attach to return"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
}

// await polls an instance's mirror through its subscription until
// check passes.
func await(t *testing.T, connected *instance.Instance, check func(statedef.State) bool) {
	t.Helper()
	updates := make(chan struct{}, 64)
	unsubscribe := connected.Subscribe(func(instance.Update) {
		select {
		case updates <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()
	for !check(connected.Get()) {
		testutil.RequireReceive(t, updates, timeout, "waiting for mirror update")
	}
}

func TestCounterAndNameAcrossInstances(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Config{})
	ctx := context.Background()

	first := h.attach(t, instance.Config{Address: agent.Address{Context: "panel"}})
	second := h.attach(t, instance.Config{Address: agent.Address{Context: "panel", Frame: 1}})

	if err := first.Set(ctx, map[string]any{"counter": 1, "name": "alice"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got := first.Get()
	if got["counter"] != int64(1) || got["name"] != "alice" {
		t.Errorf("first mirror after Set = %v, want counter 1 and name alice", got)
	}

	await(t, second, func(state statedef.State) bool { return state["counter"] == int64(1) })
	if name := second.Get()["name"]; name != "" {
		t.Errorf("second instance name = %q, want its own default", name)
	}

	if name := h.service.Get(first.Agent().ID)["name"]; name != "alice" {
		t.Errorf("service view of first name = %v, want alice", name)
	}
	if name := h.service.Get("")["name"]; name != nil {
		t.Errorf("shared-only view contains name %v", name)
	}
}

func TestIncrementValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Config{})
	ctx := context.Background()
	connected := h.attach(t, instance.Config{Address: agent.Address{Context: "panel"}})

	_, err := connected.CallAction(ctx, "increment", -1)
	if err == nil {
		t.Fatal("increment(-1) succeeded")
	}
	if err.Error() != "Amount must be positive" {
		t.Errorf("error = %q, want %q", err.Error(), "Amount must be positive")
	}
	if !errors.Is(err, rpc.ErrValidationFailed) {
		t.Errorf("errors.Is(%v, ErrValidationFailed) = false", err)
	}
	if counter := h.service.Get("")["counter"]; counter != int64(0) {
		t.Errorf("counter after rejected call = %v, want 0", counter)
	}

	result, err := connected.CallAction(ctx, "increment", 2)
	if err != nil {
		t.Fatalf("increment(2): %v", err)
	}
	if result != int64(2) {
		t.Errorf("increment result = %v, want 2", result)
	}
	if counter := connected.Get()["counter"]; counter != int64(2) {
		t.Errorf("mirror counter = %v, want 2", counter)
	}

	if _, err := connected.CallAction(ctx, "decrement", 1); !errors.Is(err, rpc.ErrActionNotFound) {
		t.Errorf("unknown action error = %v, want ErrActionNotFound", err)
	}
}

func TestSetRejections(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Config{})
	ctx := context.Background()
	connected := h.attach(t, instance.Config{Address: agent.Address{Context: "panel"}})

	err := connected.Set(ctx, map[string]any{"counter": 5, "bogus": true})
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("Set with unknown field = %v, want an error naming the field", err)
	}
	if !errors.Is(err, rpc.ErrHandlerRejected) {
		t.Errorf("errors.Is(%v, ErrHandlerRejected) = false", err)
	}
	if counter := h.service.Get("")["counter"]; counter != int64(0) {
		t.Errorf("counter = %v after rejected update, want 0", counter)
	}

	if err := h.service.Set(ctx, map[string]any{"name": "service"}, ""); !errors.Is(err, statestore.ErrInstanceKeyRequired) {
		t.Errorf("service Set of per-instance field = %v, want ErrInstanceKeyRequired", err)
	}
}

func TestServiceWriteReachesInstances(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Config{})
	connected := h.attach(t, instance.Config{Address: agent.Address{Context: "panel"}})

	if err := h.service.Set(context.Background(), map[string]any{"theme": "dark"}, ""); err != nil {
		t.Fatalf("Set: %v", err)
	}
	await(t, connected, func(state statedef.State) bool { return state["theme"] == "dark" })

	if _, err := h.service.CallAction(context.Background(), "increment", 3); err != nil {
		t.Fatalf("CallAction: %v", err)
	}
	await(t, connected, func(state statedef.State) bool { return state["counter"] == int64(3) })
}

func TestDisconnectResetsInstanceState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Config{})
	ctx := context.Background()

	first := h.attach(t, instance.Config{ID: "agent-1", Address: agent.Address{Context: "panel"}})
	if err := first.Set(ctx, map[string]any{"name": "alice", "counter": 4}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	h.detach(t, first)

	if agents := h.service.QueryAgents(agent.Filter{IncludeDisconnected: true}); len(agents) != 0 {
		t.Errorf("agents after disconnect = %v, want none", agents)
	}

	again := h.attach(t, instance.Config{ID: "agent-1", Address: agent.Address{Context: "panel"}})
	state := again.Get()
	if state["name"] != "" {
		t.Errorf("name after reconnect = %v, want default", state["name"])
	}
	if state["counter"] != int64(4) {
		t.Errorf("shared counter after reconnect = %v, want 4", state["counter"])
	}
}

func TestReconnectWithinGrace(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	h := newHarness(t, service.Config{Clock: fake, ReconnectGrace: 30 * time.Second})
	ctx := context.Background()

	first := h.attach(t, instance.Config{Address: agent.Address{Context: "panel"}})
	id := first.Agent().ID
	if err := first.Set(ctx, map[string]any{"name": "alice"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	h.detach(t, first)

	dropped := h.service.QueryAgents(agent.Filter{IncludeDisconnected: true})
	if len(dropped) != 1 || dropped[0].Connected {
		t.Fatalf("agents during grace = %+v, want one disconnected", dropped)
	}
	if live := h.service.QueryAgents(agent.Filter{}); len(live) != 0 {
		t.Errorf("live agents during grace = %v", live)
	}

	resumed := h.attach(t, instance.Config{ID: id, Address: agent.Address{Context: "panel"}})
	if resumed.Agent().ID != id {
		t.Errorf("resumed ID = %q, want %q", resumed.Agent().ID, id)
	}
	if name := resumed.Get()["name"]; name != "alice" {
		t.Errorf("name after resume = %v, want alice", name)
	}

	h.detach(t, resumed)
	fake.Advance(30 * time.Second)
	if agents := h.service.QueryAgents(agent.Filter{IncludeDisconnected: true}); len(agents) != 0 {
		t.Errorf("agents after grace expired = %v, want none", agents)
	}
	if instances := h.service.Store().Instances(); len(instances) != 0 {
		t.Errorf("store instances after grace expired = %v, want none", instances)
	}
}

// rawClient speaks the protocol directly for handshake tests.
type rawClient struct {
	port     transport.Port
	encoding wire.Encoding
}

func (c *rawClient) post(t *testing.T, message *wire.Message) {
	t.Helper()
	encoded, err := c.encoding.Encode(message)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := c.port.Post(context.Background(), encoded); err != nil {
		t.Fatalf("Post: %v", err)
	}
}

func (c *rawClient) receive(t *testing.T) *wire.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	raw, err := c.port.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	message, err := c.encoding.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return message
}

func (h *harness) rawAttach(t *testing.T) *rawClient {
	t.Helper()
	servicePort, clientPort := transport.Pipe()
	go func() { h.attached <- h.service.Attach(context.Background(), servicePort, transport.Metadata{"uid": "1000"}) }()
	t.Cleanup(func() { clientPort.Close() })
	return &rawClient{port: clientPort, encoding: wire.NewBinary(wire.BinaryOptions{})}
}

func TestInitialStateSentOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Config{})
	client := h.rawAttach(t)

	hello := &wire.Hello{ID: "agent-raw", Address: agent.Address{Context: "worker"}}
	client.post(t, &wire.Message{Type: wire.TypeReady, Agent: hello})
	client.post(t, &wire.Message{Type: wire.TypeReady, Agent: hello})
	client.post(t, &wire.Message{Type: wire.TypeResync})

	first := client.receive(t)
	if first.Type != wire.TypeInitialState {
		t.Fatalf("first message = %s, want initial_state", first.Type)
	}
	if first.Agent == nil || first.Agent.ID != "agent-raw" || first.Agent.Address.Context != "worker" {
		t.Errorf("initial_state agent = %+v", first.Agent)
	}
	if first.State["counter"] != int64(0) || first.State["name"] != "" {
		t.Errorf("initial state = %v, want defaults", first.State)
	}

	// The repeated ready is ignored, so the next message is the
	// snapshot produced by the resync request.
	second := client.receive(t)
	if second.Type != wire.TypeInitialState {
		t.Fatalf("second message = %s, want resync snapshot", second.Type)
	}

	if err := h.service.Set(context.Background(), map[string]any{"counter": 9}, ""); err != nil {
		t.Fatalf("Set: %v", err)
	}
	delta := client.receive(t)
	if delta.Type != wire.TypeState || delta.Changes["counter"] != int64(9) {
		t.Errorf("delta = %+v, want counter 9", delta)
	}

	agents := h.service.QueryAgents(agent.Filter{Context: "worker"})
	if len(agents) != 1 || agents[0].Metadata["uid"] != "1000" {
		t.Errorf("worker agents = %+v, want one with uid metadata", agents)
	}
}

func TestHandshakeErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Config{})

	client := h.rawAttach(t)
	client.post(t, &wire.Message{Type: wire.TypeResync})
	err := testutil.RequireReceive(t, h.attached, timeout)
	if !errors.Is(err, service.ErrHandshake) {
		t.Errorf("Attach with resync first = %v, want ErrHandshake", err)
	}

	live := h.rawAttach(t)
	live.post(t, &wire.Message{Type: wire.TypeReady, Agent: &wire.Hello{ID: "dup"}})
	live.receive(t)

	duplicate := h.rawAttach(t)
	duplicate.post(t, &wire.Message{Type: wire.TypeReady, Agent: &wire.Hello{ID: "dup"}})
	err = testutil.RequireReceive(t, h.attached, timeout)
	if !errors.Is(err, agent.ErrAlreadyConnected) {
		t.Errorf("duplicate Attach = %v, want ErrAlreadyConnected", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	h := newHarness(t, service.Config{Clock: fake, HandshakeTimeout: 10 * time.Second})
	h.rawAttach(t)

	fake.WaitForTimers(1)
	fake.Advance(10 * time.Second)
	if err := testutil.RequireReceive(t, h.attached, timeout); err == nil {
		t.Error("Attach returned nil for a silent connection")
	}
}

func TestInstanceReadyListener(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Config{})
	ready := make(chan agent.Agent, 1)
	h.service.OnInstanceReady(func(connected agent.Agent) { ready <- connected })

	connected := h.attach(t, instance.Config{Address: agent.Address{Context: "sidebar", Group: "window-1"}})

	got := testutil.RequireReceive(t, ready, timeout)
	if got.ID != connected.Agent().ID || got.Address.Group != "window-1" {
		t.Errorf("ready agent = %+v, want %s in window-1", got, connected.Agent().ID)
	}
}

func TestServiceCallsInstance(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Config{})
	connected := h.attach(t, instance.Config{
		Address: agent.Address{Context: "panel"},
		Actions: rpc.Actions{"ping": {Handler: func(_ context.Context, request *rpc.Request) (any, error) {
			return fmt.Sprintf("pong %v", request.Args[0]), nil
		}}},
	})

	result, err := h.service.Call(context.Background(), connected.Agent().ID, "ping", "one")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != "pong one" {
		t.Errorf("result = %v, want pong one", result)
	}

	if _, err := h.service.Call(context.Background(), "nobody", "ping"); !errors.Is(err, service.ErrNotConnected) {
		t.Errorf("Call to unknown agent = %v, want ErrNotConnected", err)
	}
}

func TestSubscriberMaySet(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Config{})
	ctx := context.Background()
	connected := h.attach(t, instance.Config{Address: agent.Address{Context: "panel"}})

	// A service-side listener that mirrors counter into theme.
	h.service.Subscribe(func(notification statestore.Notification) {
		if counter, ok := notification.Changes["counter"]; ok {
			h.service.Set(ctx, map[string]any{"theme": fmt.Sprintf("theme-%v", counter)}, "")
		}
	})

	if err := connected.Set(ctx, map[string]any{"counter": 2}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	await(t, connected, func(state statedef.State) bool { return state["theme"] == "theme-2" })
}

func TestClearAndHydrate(t *testing.T) {
	t.Parallel()

	durable := persist.NewMemory()
	h := newHarness(t, service.Config{Durable: durable})
	ctx := context.Background()
	connected := h.attach(t, instance.Config{Address: agent.Address{Context: "panel"}})

	if err := connected.Set(ctx, map[string]any{"theme": "dark", "name": "alice"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	restarted := newHarness(t, service.Config{Durable: durable})
	if theme := restarted.service.Get("")["theme"]; theme != "dark" {
		t.Errorf("theme after hydrate = %v, want dark", theme)
	}

	if err := h.service.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	await(t, connected, func(state statedef.State) bool {
		return state["theme"] == "light" && state["name"] == ""
	})
	if durable.Len() != 0 {
		t.Errorf("durable backend holds %d entries after Clear", durable.Len())
	}
}

func TestServeUnixSocket(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Config{})
	socketPath := filepath.Join(t.TempDir(), "crann.sock")
	listener, err := transport.Listen(socketPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- h.service.Serve(ctx, listener) }()

	port, err := transport.Dial(ctx, socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	connected, err := instance.Connect(ctx, port, instance.Config{Address: agent.Address{Context: "cli"}})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	defer waitCancel()
	if err := connected.WaitReady(waitCtx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	result, err := connected.CallAction(waitCtx, "increment", 5)
	if err != nil {
		t.Fatalf("CallAction: %v", err)
	}
	if result != int64(5) || connected.Get()["counter"] != int64(5) {
		t.Errorf("result = %v, mirror = %v; want 5", result, connected.Get())
	}

	agents := h.service.QueryAgents(agent.Filter{Context: "cli"})
	if len(agents) != 1 || agents[0].Metadata["pid"] == "" {
		t.Errorf("cli agents = %+v, want one with peer pid", agents)
	}

	connected.Close()
	cancel()
	if err := testutil.RequireReceive(t, served, timeout, "waiting for Serve to return"); err != nil {
		t.Errorf("Serve: %v", err)
	}
}
