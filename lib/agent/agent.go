// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// Address is the routable location of an instance context. Context
// names the kind of context ("panel", "worker", "cli"); Group and Frame
// locate it among its siblings (for example a session and a pane
// within it). Only Context is required.
type Address struct {
	Context string `json:"context"`
	Group   string `json:"group,omitempty"`
	Frame   int    `json:"frame,omitempty"`
}

// IsZero reports whether the address carries no location at all.
func (a Address) IsZero() bool {
	return a.Context == "" && a.Group == "" && a.Frame == 0
}

// String renders the address as context[/group][#frame].
func (a Address) String() string {
	rendered := a.Context
	if a.Group != "" {
		rendered += "/" + a.Group
	}
	if a.Frame != 0 {
		rendered += fmt.Sprintf("#%d", a.Frame)
	}
	return rendered
}

// ParseAddress reads the form produced by Address.String.
func ParseAddress(text string) (Address, error) {
	var address Address
	rest := text
	if before, frame, found := strings.Cut(rest, "#"); found {
		parsed, err := strconv.Atoi(frame)
		if err != nil || parsed <= 0 {
			return Address{}, fmt.Errorf("address %q: invalid frame %q", text, frame)
		}
		address.Frame = parsed
		rest = before
	}
	address.Context, address.Group, _ = strings.Cut(rest, "/")
	if address.Context == "" {
		return Address{}, fmt.Errorf("address %q: context is required", text)
	}
	return address, nil
}

// Agent is a snapshot of one registry entry. Values returned by the
// registry are copies; mutating them has no effect on the registry.
type Agent struct {
	ID          string            `json:"id"`
	Address     Address           `json:"address"`
	Connected   bool              `json:"connected"`
	ConnectedAt time.Time         `json:"connected_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (a Agent) clone() Agent {
	a.Metadata = maps.Clone(a.Metadata)
	return a
}

// Filter selects agents for Query. Zero-valued fields match anything.
type Filter struct {
	Context string
	Group   string

	// Frame matches a specific frame when non-nil. A pointer because
	// frame 0 is a valid location.
	Frame *int

	// IncludeDisconnected also returns agents inside their reconnect
	// grace window.
	IncludeDisconnected bool
}

// Match reports whether a satisfies the filter.
func (f Filter) Match(a Agent) bool {
	if !a.Connected && !f.IncludeDisconnected {
		return false
	}
	if f.Context != "" && f.Context != a.Address.Context {
		return false
	}
	if f.Group != "" && f.Group != a.Address.Group {
		return false
	}
	if f.Frame != nil && *f.Frame != a.Address.Frame {
		return false
	}
	return true
}
