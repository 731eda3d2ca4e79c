// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const signalSuffix = ".sdp"

var _ Signaler = (*DirectorySignaler)(nil)

// DirectorySignaler exchanges signals through files under a shared
// directory, for peers on one host (or one shared filesystem):
//
//	<root>/offers/<target>/<offerer>.sdp
//	<root>/answers/<offerer>/<answerer>.sdp
//
// Files are written atomically and removed once polled.
type DirectorySignaler struct {
	root string
}

// NewDirectorySignaler returns a signaler rooted at root. The directory
// is created on first publish.
func NewDirectorySignaler(root string) *DirectorySignaler {
	return &DirectorySignaler{root: root}
}

// PublishOffer implements Signaler.
func (s *DirectorySignaler) PublishOffer(_ context.Context, from, to, sdp string) error {
	return s.publish("offers", to, from, sdp)
}

// PublishAnswer implements Signaler.
func (s *DirectorySignaler) PublishAnswer(_ context.Context, offerer, answerer, sdp string) error {
	return s.publish("answers", offerer, answerer, sdp)
}

// PollOffers implements Signaler.
func (s *DirectorySignaler) PollOffers(_ context.Context, name string) ([]Signal, error) {
	return s.poll("offers", name)
}

// PollAnswers implements Signaler.
func (s *DirectorySignaler) PollAnswers(_ context.Context, name string) ([]Signal, error) {
	return s.poll("answers", name)
}

func checkPeerName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid peer name %q", name)
	}
	return nil
}

func (s *DirectorySignaler) publish(kind, recipient, sender, sdp string) error {
	if err := checkPeerName(recipient); err != nil {
		return err
	}
	if err := checkPeerName(sender); err != nil {
		return err
	}
	directory := filepath.Join(s.root, kind, recipient)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("publishing %s: %w", kind, err)
	}

	temporary, err := os.CreateTemp(directory, ".signal-*")
	if err != nil {
		return fmt.Errorf("publishing %s: %w", kind, err)
	}
	if _, err := temporary.WriteString(sdp); err != nil {
		temporary.Close()
		os.Remove(temporary.Name())
		return fmt.Errorf("publishing %s: %w", kind, err)
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("publishing %s: %w", kind, err)
	}
	if err := os.Rename(temporary.Name(), filepath.Join(directory, sender+signalSuffix)); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("publishing %s: %w", kind, err)
	}
	return nil
}

func (s *DirectorySignaler) poll(kind, recipient string) ([]Signal, error) {
	if err := checkPeerName(recipient); err != nil {
		return nil, err
	}
	directory := filepath.Join(s.root, kind, recipient)
	entries, err := os.ReadDir(directory)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("polling %s: %w", kind, err)
	}

	var signals []Signal
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, signalSuffix) {
			continue
		}
		path := filepath.Join(directory, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return signals, fmt.Errorf("polling %s: %w", kind, err)
		}
		if err := os.Remove(path); err != nil {
			return signals, fmt.Errorf("polling %s: %w", kind, err)
		}
		signals = append(signals, Signal{Peer: strings.TrimSuffix(name, signalSuffix), SDP: string(data)})
	}
	return signals, nil
}
