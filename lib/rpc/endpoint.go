// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bureau-foundation/crann/lib/agent"
	"github.com/bureau-foundation/crann/lib/clock"
	"github.com/bureau-foundation/crann/lib/serial"
	"github.com/bureau-foundation/crann/lib/wire"
)

const tracerName = "github.com/bureau-foundation/crann/lib/rpc"

// Config configures an Endpoint.
type Config struct {
	// Send delivers a frame to the peer. Required. It is called from
	// Call's goroutine and from the dispatch goroutine, possibly
	// concurrently.
	Send func(ctx context.Context, frame *wire.Frame) error

	// Actions is the table served to the peer. May be nil for a
	// call-only endpoint.
	Actions Actions

	// Identity is stamped as the target of outgoing calls so the peer
	// can attribute them. [Endpoint.SetIdentity] changes it later.
	Identity string

	// Resolve maps the target of an incoming call to the calling
	// agent. When nil, the caller is an agent carrying only the target
	// as its ID.
	Resolve func(id string) (agent.Agent, bool)

	// RequireTarget rejects incoming calls whose target is empty or
	// does not resolve, before validation or handler code runs.
	RequireTarget bool

	// CallTimeout bounds how long Call waits for a response. Zero
	// waits until the context ends or the endpoint closes.
	CallTimeout time.Duration

	Clock          clock.Clock
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Endpoint is one side of an RPC conversation.
type Endpoint struct {
	send          func(ctx context.Context, frame *wire.Frame) error
	actions       Actions
	resolve       func(id string) (agent.Agent, bool)
	requireTarget bool
	callTimeout   time.Duration
	clock         clock.Clock
	logger        *slog.Logger
	tracer        trace.Tracer

	nextID atomic.Uint64

	// dispatch runs incoming calls one at a time in arrival order.
	dispatch *serial.Queue

	// lifetime is cancelled by Close; handler contexts derive from it.
	lifetime context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	identity string
	pending  map[uint64]chan outcome
	retained map[wire.FuncRef]Func
	nextRef  wire.FuncRef
	closed   bool
}

type outcome struct {
	result any
	err    error
}

// New creates an Endpoint. The caller feeds it incoming frames with
// [Endpoint.Handle] and must call [Endpoint.Close] when the channel
// goes away.
func New(config Config) (*Endpoint, error) {
	if config.Send == nil {
		return nil, errors.New("rpc: Send is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.TracerProvider == nil {
		config.TracerProvider = otel.GetTracerProvider()
	}

	lifetime, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		send:          config.Send,
		actions:       config.Actions,
		resolve:       config.Resolve,
		requireTarget: config.RequireTarget,
		callTimeout:   config.CallTimeout,
		clock:         config.Clock,
		logger:        config.Logger,
		tracer:        config.TracerProvider.Tracer(tracerName),
		dispatch:      serial.New(),
		lifetime:      lifetime,
		cancel:        cancel,
		identity:      config.Identity,
		pending:       make(map[uint64]chan outcome),
		retained:      make(map[wire.FuncRef]Func),
	}, nil
}

// SetIdentity changes the target stamped on subsequent calls.
func (e *Endpoint) SetIdentity(id string) {
	e.mu.Lock()
	e.identity = id
	e.mu.Unlock()
}

// Call invokes action on the peer and waits for its response. Remote
// failures are returned as *CallError. Any [wire.FuncRef] in the
// result is replaced by a *RemoteFunc bound to this endpoint.
func (e *Endpoint) Call(ctx context.Context, action string, args ...any) (any, error) {
	return e.call(ctx, action, 0, args)
}

func (e *Endpoint) call(ctx context.Context, action string, ref wire.FuncRef, args []any) (any, error) {
	spanName := "rpc.call " + action
	if ref != 0 {
		spanName = "rpc.call retained"
	}
	ctx, span := e.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("rpc.action", action)))
	defer span.End()

	result, err := e.roundTrip(ctx, span, action, ref, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

func (e *Endpoint) roundTrip(ctx context.Context, span trace.Span, action string, ref wire.FuncRef, args []any) (any, error) {
	normalized, err := normalizeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("rpc: arguments for %q: %w", action, err)
	}

	response := make(chan outcome, 1)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	correlationID := e.allocateLocked()
	e.pending[correlationID] = response
	identity := e.identity
	e.mu.Unlock()
	span.SetAttributes(attribute.Int64("rpc.correlation_id", int64(correlationID)))
	defer e.forget(correlationID)

	frame := &wire.Frame{
		CorrelationID: correlationID,
		Payload: wire.Payload{
			Kind:     wire.KindCall,
			ID:       action,
			Args:     normalized,
			Target:   identity,
			Retained: ref,
		},
	}
	if err := e.send(ctx, frame); err != nil {
		return nil, fmt.Errorf("rpc: sending call %q: %w", action, err)
	}

	var timeout <-chan time.Time
	if e.callTimeout > 0 {
		timeout = e.clock.After(e.callTimeout)
	}

	select {
	case result := <-response:
		if result.err != nil {
			return nil, result.err
		}
		return e.bindRemote(result.result), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, fmt.Errorf("rpc: call %q after %s: %w", action, e.callTimeout, ErrTimeout)
	}
}

// allocateLocked returns a correlation ID not used by any outstanding
// call. Zero is reserved for frames that expect no response.
func (e *Endpoint) allocateLocked() uint64 {
	for {
		id := e.nextID.Add(1)
		if _, inUse := e.pending[id]; id != 0 && !inUse {
			return id
		}
	}
}

func (e *Endpoint) forget(correlationID uint64) {
	e.mu.Lock()
	delete(e.pending, correlationID)
	e.mu.Unlock()
}

// Handle processes one frame received from the peer. It never blocks
// on handler execution.
func (e *Endpoint) Handle(frame *wire.Frame) {
	if frame == nil {
		return
	}
	if err := frame.Payload.Validate(); err != nil {
		e.logger.Warn("dropping malformed rpc frame",
			"correlation_id", frame.CorrelationID,
			"error", err,
		)
		return
	}

	payload := frame.Payload
	switch payload.Kind {
	case wire.KindCall:
		if !e.dispatch.Enqueue(func() { e.serve(frame.CorrelationID, payload) }) {
			e.logger.Debug("dropping rpc call after close",
				"correlation_id", frame.CorrelationID,
				"action", payload.ID,
			)
		}
	case wire.KindResult:
		e.resolvePending(frame.CorrelationID, outcome{result: payload.Result})
	case wire.KindError:
		e.resolvePending(frame.CorrelationID, outcome{err: &CallError{
			Code:    Code(payload.Code),
			Action:  payload.ID,
			Message: payload.Error,
		}})
	case wire.KindRelease:
		e.mu.Lock()
		_, found := e.retained[payload.Retained]
		delete(e.retained, payload.Retained)
		e.mu.Unlock()
		if !found {
			e.logger.Debug("release for unknown retained function", "retained", uint64(payload.Retained))
		}
	}
}

// resolvePending completes the call waiting on correlationID. The
// first response wins.
func (e *Endpoint) resolvePending(correlationID uint64, result outcome) {
	e.mu.Lock()
	response, ok := e.pending[correlationID]
	delete(e.pending, correlationID)
	e.mu.Unlock()

	if !ok {
		e.logger.Debug("ignoring response for unknown call", "correlation_id", correlationID)
		return
	}
	response <- result
}

// serve runs on the dispatch goroutine.
func (e *Endpoint) serve(correlationID uint64, payload wire.Payload) {
	if e.lifetime.Err() != nil {
		return
	}
	ctx, span := e.tracer.Start(e.lifetime, "rpc.handle "+payload.ID,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.action", payload.ID),
			attribute.Int64("rpc.correlation_id", int64(correlationID)),
		))
	defer span.End()

	result, err := e.execute(ctx, payload)

	response := &wire.Frame{CorrelationID: correlationID}
	if err == nil {
		var retained any
		retained, err = e.retainFuncs(result)
		if err == nil {
			result, err = wire.Normalize(retained)
			if err != nil {
				e.logger.Error("rpc handler returned a value that cannot be sent",
					"action", payload.ID,
					"error", err,
				)
				err = &CallError{Code: CodeUnknown, Action: payload.ID, Message: MessageUnknown}
			}
		}
	}

	if err != nil {
		callErr := callError(payload.ID, err)
		span.SetAttributes(attribute.String("rpc.error_code", string(callErr.Code)))
		span.SetStatus(otelcodes.Error, callErr.Message)
		response.Payload = wire.Payload{
			Kind:   wire.KindError,
			ID:     payload.ID,
			Error:  callErr.Message,
			Code:   string(callErr.Code),
			Target: payload.Target,
		}
	} else {
		response.Payload = wire.Payload{
			Kind:   wire.KindResult,
			ID:     payload.ID,
			Result: result,
			Target: payload.Target,
		}
	}

	if sendErr := e.send(ctx, response); sendErr != nil {
		e.logger.Warn("sending rpc response failed",
			"action", payload.ID,
			"correlation_id", correlationID,
			"error", sendErr,
		)
	}
}

// execute applies the incoming-call checks in order (action, target,
// validation) and runs the handler.
func (e *Endpoint) execute(ctx context.Context, payload wire.Payload) (any, error) {
	if payload.Retained != 0 {
		return e.invokeRetained(ctx, payload)
	}

	action, ok := e.actions[payload.ID]
	if !ok {
		return nil, &CallError{Code: CodeActionNotFound, Action: payload.ID, Message: MessageActionNotFound}
	}

	caller, ok := e.caller(payload.Target)
	if !ok && e.requireTarget {
		return nil, &CallError{Code: CodeNoTarget, Action: payload.ID, Message: MessageNoTarget}
	}

	return invoke(ctx, action, &Request{
		Action: payload.ID,
		Caller: caller,
		Args:   payload.Args,
	})
}

func (e *Endpoint) caller(target string) (agent.Agent, bool) {
	if target == "" {
		return agent.Agent{}, false
	}
	if e.resolve == nil {
		return agent.Agent{ID: target}, true
	}
	return e.resolve(target)
}

// Pending returns the number of calls waiting for a response.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close fails every pending call with ErrClosed, drops retained
// functions, and stops dispatching incoming calls. Safe to call more
// than once.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pending := e.pending
	e.pending = make(map[uint64]chan outcome)
	e.retained = make(map[wire.FuncRef]Func)
	e.mu.Unlock()

	for _, response := range pending {
		response <- outcome{err: ErrClosed}
	}
	e.cancel()
	e.dispatch.Close()
	return nil
}

func normalizeArgs(args []any) ([]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	normalized := make([]any, len(args))
	for i, arg := range args {
		value, err := wire.Normalize(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		normalized[i] = value
	}
	return normalized, nil
}
