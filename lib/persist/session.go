// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persist

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/bureau-foundation/crann/lib/codec"
)

// SessionFile is a Backend holding every entry in one CBOR file. The
// whole map is rewritten on each change using write-to-temporary,
// fsync, rename, so readers never observe a partial write.
type SessionFile struct {
	path string

	mu sync.Mutex
	// entries caches the file contents after the first load.
	entries map[string][]byte
}

// NewSessionFile returns a backend stored at path. The parent
// directory is created on first write. The file is not read until the
// first operation.
func NewSessionFile(path string) *SessionFile {
	return &SessionFile{path: path}
}

// SessionPath returns the conventional session file for namespace:
// $XDG_RUNTIME_DIR/crann/<namespace>.cbor, falling back to the system
// temporary directory when XDG_RUNTIME_DIR is unset.
func SessionPath(namespace string) string {
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "crann", namespace+".cbor")
}

// Path returns the file location.
func (s *SessionFile) Path() string {
	return s.path
}

// Get implements Backend.
func (s *SessionFile) Get(_ context.Context, keys []string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return selectEntries(s.entries, keys), nil
}

// Set implements Backend.
func (s *SessionFile) Set(_ context.Context, entries map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}

	next := selectEntries(s.entries, nil)
	for key, value := range entries {
		next[key] = value
	}
	if err := s.writeLocked(next); err != nil {
		return err
	}
	s.entries = next
	return nil
}

// Remove implements Backend. Removing every entry deletes the file.
func (s *SessionFile) Remove(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}

	next := selectEntries(s.entries, nil)
	removeEntries(next, keys)
	if len(next) == 0 {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing session file: %w", err)
		}
	} else if err := s.writeLocked(next); err != nil {
		return err
	}
	s.entries = next
	return nil
}

func (s *SessionFile) loadLocked() error {
	if s.entries != nil {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.entries = make(map[string][]byte)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading session file: %w", err)
	}
	entries := make(map[string][]byte)
	if err := codec.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing session file %s: %w", s.path, err)
	}
	s.entries = entries
	return nil
}

func (s *SessionFile) writeLocked(entries map[string][]byte) error {
	data, err := codec.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding session file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	temporaryPath := s.path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temporary session file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary session file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary session file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary session file: %w", err)
	}
	if err := os.Rename(temporaryPath, s.path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming session file into place: %w", err)
	}

	parentDirectory, err := os.Open(filepath.Dir(s.path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}
	return nil
}
