// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persist

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// DefaultPrefix is prepended to field names to form storage keys.
const DefaultPrefix = "crann_"

// Backend is a key/value store for encoded field values.
type Backend interface {
	// Get returns the entries for keys. Missing keys are absent from
	// the result. A nil keys slice returns every entry.
	Get(ctx context.Context, keys []string) (map[string][]byte, error)

	// Set writes every entry, replacing existing values. Either all
	// entries are written or none are.
	Set(ctx context.Context, entries map[string][]byte) error

	// Remove deletes keys. Absent keys are ignored. A nil keys slice
	// removes every entry.
	Remove(ctx context.Context, keys []string) error
}

// Memory is an in-process Backend.
type Memory struct {
	mu      sync.Mutex
	entries map[string][]byte
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]byte)}
}

// Get implements Backend.
func (m *Memory) Get(_ context.Context, keys []string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return selectEntries(m.entries, keys), nil
}

// Set implements Backend.
func (m *Memory) Set(_ context.Context, entries map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range entries {
		m.entries[key] = slices.Clone(value)
	}
	return nil
}

// Remove implements Backend.
func (m *Memory) Remove(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	removeEntries(m.entries, keys)
	return nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func selectEntries(entries map[string][]byte, keys []string) map[string][]byte {
	selected := make(map[string][]byte)
	if keys == nil {
		for key, value := range entries {
			selected[key] = slices.Clone(value)
		}
		return selected
	}
	for _, key := range keys {
		if value, found := entries[key]; found {
			selected[key] = slices.Clone(value)
		}
	}
	return selected
}

func removeEntries(entries map[string][]byte, keys []string) {
	if keys == nil {
		clear(entries)
		return
	}
	for _, key := range keys {
		delete(entries, key)
	}
}

// sortedKeys returns the keys of entries in ascending order.
func sortedKeys(entries map[string][]byte) []string {
	return slices.Sorted(maps.Keys(entries))
}
