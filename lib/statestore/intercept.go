// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statestore

import (
	"context"
	"log/slog"

	"github.com/bureau-foundation/crann/lib/statedef"
)

// Mutation describes one partition's share of a state change.
type Mutation struct {
	// Operation is "set", "clear", or "hydrate".
	Operation string

	Partition statedef.Partition

	// Instance is the instance key for PerInstance mutations.
	Instance string

	// Update is the normalized update for this partition. Interceptors
	// must not modify it.
	Update map[string]any
}

// Interceptor observes mutations. Before runs after validation and
// before anything is applied; After runs once the mutation finished,
// with the fields that actually changed and the pipeline's error.
// Both run with the store's write lock held and must not call back
// into the store.
type Interceptor interface {
	Before(ctx context.Context, mutation Mutation)
	After(ctx context.Context, mutation Mutation, changes map[string]any, err error)
}

// LogInterceptor logs every mutation at debug level and failures at
// error level.
type LogInterceptor struct {
	Logger *slog.Logger
}

// Before implements Interceptor.
func (l LogInterceptor) Before(ctx context.Context, mutation Mutation) {
	l.Logger.DebugContext(ctx, "state mutation starting",
		"operation", mutation.Operation,
		"partition", string(mutation.Partition),
		"instance", mutation.Instance,
		"fields", len(mutation.Update),
	)
}

// After implements Interceptor.
func (l LogInterceptor) After(ctx context.Context, mutation Mutation, changes map[string]any, err error) {
	if err != nil {
		l.Logger.ErrorContext(ctx, "state mutation failed",
			"operation", mutation.Operation,
			"partition", string(mutation.Partition),
			"instance", mutation.Instance,
			"error", err,
		)
		return
	}
	l.Logger.DebugContext(ctx, "state mutation applied",
		"operation", mutation.Operation,
		"partition", string(mutation.Partition),
		"instance", mutation.Instance,
		"changed", len(changes),
	)
}
