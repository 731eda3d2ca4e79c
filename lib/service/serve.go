// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"sync"

	"github.com/bureau-foundation/crann/transport"
)

// Serve accepts connections from listener and attaches each one until
// ctx is cancelled or the listener closes. It waits for attached
// connections to finish before returning.
func (s *Service) Serve(ctx context.Context, listener transport.Acceptor) error {
	var connections sync.WaitGroup
	defer connections.Wait()

	s.logger.Info("serving instances", "address", listener.Addr())
	for {
		port, metadata, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			return err
		}

		connections.Add(1)
		go func() {
			defer connections.Done()
			if err := s.Attach(ctx, port, metadata); err != nil {
				s.logger.Warn("connection ended with error", "error", err)
			}
		}()
	}
}
