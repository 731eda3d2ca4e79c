// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/crann/lib/agent"
	"github.com/bureau-foundation/crann/lib/rpc"
	"github.com/bureau-foundation/crann/lib/wire"
	"github.com/bureau-foundation/crann/transport"
)

// ErrHandshake is returned by Attach when the first message on a port
// is not a valid ready message.
var ErrHandshake = errors.New("handshake failed")

// connection is one attached instance.
type connection struct {
	agent    agent.Agent
	port     transport.Port
	encoding wire.Encoding
	endpoint *rpc.Endpoint
	logger   *slog.Logger
}

func (c *connection) post(ctx context.Context, message *wire.Message) error {
	encoded, err := c.encoding.Encode(message)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", message.Type, err)
	}
	return c.port.Post(ctx, encoded)
}

// Attach runs the service side of one instance connection: handshake,
// initial sync, then message dispatch until the port closes or ctx is
// done. metadata is recorded on the agent (peer credentials for socket
// connections). The port is closed when Attach returns.
func (s *Service) Attach(ctx context.Context, port transport.Port, metadata transport.Metadata) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		port.Close()
		return fmt.Errorf("attach: service closed")
	}
	s.active.Add(1)
	s.mu.Unlock()
	defer s.active.Done()
	defer port.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.lifetime, cancel)()
	go func() {
		select {
		case <-ctx.Done():
			port.Close()
		case <-port.Done():
		}
	}()

	hello, err := s.awaitReady(ctx, port)
	if err != nil {
		return err
	}

	connected, resumed, err := s.registry.Connect(hello.ID, hello.Address, metadata)
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	logger := s.logger.With("agent", connected.ID)

	conn := &connection{
		agent:    connected,
		port:     port,
		encoding: s.encoding,
		logger:   logger,
	}
	conn.endpoint, err = rpc.New(rpc.Config{
		Send: func(ctx context.Context, frame *wire.Frame) error {
			return conn.post(ctx, &wire.Message{Type: wire.TypeRPC, Frame: frame})
		},
		Actions:        s.actions,
		Identity:       connected.ID,
		Resolve:        s.resolveFor(connected.ID),
		RequireTarget:  true,
		CallTimeout:    s.config.CallTimeout,
		Clock:          s.config.Clock,
		Logger:         logger,
		TracerProvider: s.config.TracerProvider,
	})
	if err != nil {
		s.registry.Disconnect(connected.ID)
		return fmt.Errorf("attach: %w", err)
	}

	s.mu.Lock()
	s.connections[connected.ID] = conn
	s.mu.Unlock()
	defer s.detach(conn)

	logger.Info("instance attached",
		"address", connected.Address.String(),
		"resumed", resumed,
	)

	if _, err := s.store.InstanceReady(ctx, connected.ID); err != nil {
		return fmt.Errorf("attach: %w", err)
	}

	return s.receiveLoop(ctx, conn)
}

// awaitReady reads the handshake message.
func (s *Service) awaitReady(ctx context.Context, port transport.Port) (*wire.Hello, error) {
	if s.config.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		timer := s.config.Clock.AfterFunc(s.config.HandshakeTimeout, cancel)
		defer timer.Stop()
	}

	raw, err := port.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("attach: waiting for ready: %w", err)
	}
	message, err := s.encoding.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("attach: %w: %w", ErrHandshake, err)
	}
	if message.Type != wire.TypeReady {
		return nil, fmt.Errorf("attach: %w: first message is %q", ErrHandshake, message.Type)
	}
	return message.Agent, nil
}

// resolveFor returns the RPC caller resolver for a connection. Calls
// may only be attributed to the agent the connection belongs to.
func (s *Service) resolveFor(id string) func(string) (agent.Agent, bool) {
	return func(target string) (agent.Agent, bool) {
		if target != id {
			return agent.Agent{}, false
		}
		return s.registry.Agent(id)
	}
}

func (s *Service) receiveLoop(ctx context.Context, conn *connection) error {
	for {
		raw, err := conn.port.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving from %s: %w", conn.agent.ID, err)
		}

		message, err := s.encoding.Decode(raw)
		if err != nil {
			conn.logger.Warn("dropping undecodable message", "error", err)
			continue
		}

		switch message.Type {
		case wire.TypeRPC:
			conn.endpoint.Handle(message.Frame)
		case wire.TypeResync:
			conn.logger.Debug("instance requested resync")
			if err := s.store.Resync(ctx, conn.agent.ID); err != nil {
				conn.logger.Warn("resync failed", "error", err)
			}
		case wire.TypeReady:
			if _, err := s.store.InstanceReady(ctx, conn.agent.ID); err != nil {
				conn.logger.Warn("repeated ready failed", "error", err)
			}
		default:
			conn.logger.Warn("ignoring unexpected message", "type", string(message.Type))
		}
	}
}

// detach tears down a connection. The store stops sending deltas to the
// instance immediately; whether its state survives depends on the
// registry's reconnect grace.
func (s *Service) detach(conn *connection) {
	s.mu.Lock()
	if s.connections[conn.agent.ID] == conn {
		delete(s.connections, conn.agent.ID)
	}
	s.mu.Unlock()

	conn.endpoint.Close()
	s.store.ResetSync(conn.agent.ID)
	s.registry.Disconnect(conn.agent.ID)
	conn.logger.Info("instance detached")
}
