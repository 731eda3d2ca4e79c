// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/crann/lib/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	connected    []string
	disconnected []string
	reconnected  []string
}

func newRecordedRegistry(t *testing.T, grace time.Duration) (*Registry, *clock.FakeClock, *recorder) {
	t.Helper()
	fake := clock.Fake(epoch)
	registry := NewRegistry(Config{Clock: fake, ReconnectGrace: grace})
	events := &recorder{}
	registry.OnConnect(func(a Agent) { events.connected = append(events.connected, a.ID) })
	registry.OnDisconnect(func(a Agent) { events.disconnected = append(events.disconnected, a.ID) })
	registry.OnReconnect(func(a Agent) { events.reconnected = append(events.reconnected, a.ID) })
	return registry, fake, events
}

func TestConnectAssignsUUID(t *testing.T) {
	registry, _, events := newRecordedRegistry(t, 0)

	connected, resumed, err := registry.Connect("", Address{Context: "panel"}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if resumed {
		t.Error("fresh connect reported as resumed")
	}
	parsed, err := uuid.Parse(connected.ID)
	if err != nil {
		t.Fatalf("generated ID %q is not a UUID: %v", connected.ID, err)
	}
	if parsed.Version() != 7 {
		t.Errorf("UUID version = %d, want 7", parsed.Version())
	}
	if !connected.ConnectedAt.Equal(epoch) {
		t.Errorf("ConnectedAt = %v, want %v", connected.ConnectedAt, epoch)
	}
	if len(events.connected) != 1 || events.connected[0] != connected.ID {
		t.Errorf("connect events = %v", events.connected)
	}
}

func TestConnectRejectsLiveDuplicate(t *testing.T) {
	registry, _, _ := newRecordedRegistry(t, 0)
	if _, _, err := registry.Connect("a", Address{Context: "panel"}, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_, _, err := registry.Connect("a", Address{Context: "panel"}, nil)
	if !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect error = %v, want ErrAlreadyConnected", err)
	}
}

func TestDisconnectWithoutGrace(t *testing.T) {
	registry, _, events := newRecordedRegistry(t, 0)
	registry.Connect("a", Address{Context: "panel"}, nil)

	registry.Disconnect("a")
	registry.Disconnect("a")

	if len(events.disconnected) != 1 {
		t.Fatalf("disconnect events = %v, want exactly one", events.disconnected)
	}
	if _, found := registry.Agent("a"); found {
		t.Error("agent still registered after disconnect")
	}

	// Same ID again is a fresh session, not a reconnect.
	_, resumed, err := registry.Connect("a", Address{Context: "panel"}, nil)
	if err != nil {
		t.Fatalf("Connect after disconnect: %v", err)
	}
	if resumed || len(events.reconnected) != 0 || len(events.connected) != 2 {
		t.Errorf("resumed=%v connected=%v reconnected=%v", resumed, events.connected, events.reconnected)
	}
}

func TestReconnectWithinGrace(t *testing.T) {
	registry, fake, events := newRecordedRegistry(t, 5*time.Second)
	registry.Connect("a", Address{Context: "panel", Group: "s1"}, nil)

	registry.Disconnect("a")
	dropped, found := registry.Agent("a")
	if !found || dropped.Connected {
		t.Fatalf("dropped agent = %+v found=%v, want registered and disconnected", dropped, found)
	}
	if len(events.disconnected) != 0 {
		t.Fatalf("disconnect fired during grace window: %v", events.disconnected)
	}

	fake.Advance(3 * time.Second)
	_, resumed, err := registry.Connect("a", Address{Context: "panel", Group: "s2"}, nil)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !resumed {
		t.Error("reconnect within grace not reported as resumed")
	}
	if len(events.reconnected) != 1 || len(events.connected) != 1 {
		t.Errorf("connected=%v reconnected=%v", events.connected, events.reconnected)
	}

	// The stale timer from the first drop must not end the new session.
	fake.Advance(10 * time.Second)
	if len(events.disconnected) != 0 {
		t.Errorf("stale grace timer fired disconnect: %v", events.disconnected)
	}
	current, _ := registry.Agent("a")
	if current.Address.Group != "s2" {
		t.Errorf("address after reconnect = %v, want group s2", current.Address)
	}
}

func TestGraceExpiry(t *testing.T) {
	registry, fake, events := newRecordedRegistry(t, 5*time.Second)
	registry.Connect("a", Address{Context: "panel"}, nil)
	registry.Disconnect("a")

	fake.Advance(5 * time.Second)
	if len(events.disconnected) != 1 {
		t.Fatalf("disconnect events after grace = %v, want one", events.disconnected)
	}
	if registry.Len() != 0 {
		t.Errorf("Len = %d after grace expiry", registry.Len())
	}
}

func TestQuery(t *testing.T) {
	registry, _, _ := newRecordedRegistry(t, time.Minute)
	registry.Connect("c", Address{Context: "panel", Group: "s1", Frame: 0}, nil)
	registry.Connect("a", Address{Context: "panel", Group: "s1", Frame: 2}, nil)
	registry.Connect("b", Address{Context: "worker"}, nil)
	registry.Connect("d", Address{Context: "panel", Group: "s2"}, nil)
	registry.Disconnect("d")

	frameZero := 0
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all connected", Filter{}, []string{"a", "b", "c"}},
		{"include disconnected", Filter{IncludeDisconnected: true}, []string{"a", "b", "c", "d"}},
		{"by context", Filter{Context: "panel"}, []string{"a", "c"}},
		{"by group", Filter{Context: "panel", Group: "s1"}, []string{"a", "c"}},
		{"frame zero", Filter{Context: "panel", Frame: &frameZero}, []string{"c"}},
		{"no match", Filter{Context: "cli"}, nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var got []string
			for _, matched := range registry.Query(test.filter) {
				got = append(got, matched.ID)
			}
			if len(got) != len(test.want) {
				t.Fatalf("Query = %v, want %v", got, test.want)
			}
			for i := range got {
				if got[i] != test.want[i] {
					t.Fatalf("Query = %v, want %v", got, test.want)
				}
			}
		})
	}
}

func TestUnsubscribe(t *testing.T) {
	registry := NewRegistry(Config{Clock: clock.Fake(epoch)})
	calls := 0
	unsubscribe := registry.OnConnect(func(Agent) { calls++ })
	registry.Connect("a", Address{Context: "panel"}, nil)
	unsubscribe()
	registry.Connect("b", Address{Context: "panel"}, nil)
	if calls != 1 {
		t.Errorf("listener called %d times, want 1", calls)
	}
}

func TestMetadataIsCopied(t *testing.T) {
	registry := NewRegistry(Config{Clock: clock.Fake(epoch)})
	metadata := map[string]string{"uid": "1000"}
	registry.Connect("a", Address{Context: "panel"}, metadata)
	metadata["uid"] = "0"

	stored, _ := registry.Agent("a")
	if stored.Metadata["uid"] != "1000" {
		t.Errorf("metadata aliased caller map: %v", stored.Metadata)
	}
	stored.Metadata["uid"] = "0"
	again, _ := registry.Agent("a")
	if again.Metadata["uid"] != "1000" {
		t.Errorf("metadata aliased snapshot: %v", again.Metadata)
	}
}

func TestCloseEndsEverySession(t *testing.T) {
	registry, _, events := newRecordedRegistry(t, time.Minute)
	registry.Connect("a", Address{Context: "panel"}, nil)
	registry.Connect("b", Address{Context: "panel"}, nil)
	registry.Disconnect("b")

	registry.Close()
	if len(events.disconnected) != 2 || events.disconnected[0] != "a" || events.disconnected[1] != "b" {
		t.Errorf("disconnect events on Close = %v, want [a b]", events.disconnected)
	}
	if _, _, err := registry.Connect("c", Address{Context: "panel"}, nil); err == nil {
		t.Error("Connect after Close succeeded")
	}
}

func TestAddressString(t *testing.T) {
	tests := []struct {
		address Address
		want    string
	}{
		{Address{Context: "panel"}, "panel"},
		{Address{Context: "panel", Group: "s1"}, "panel/s1"},
		{Address{Context: "panel", Group: "s1", Frame: 3}, "panel/s1#3"},
		{Address{Context: "worker", Frame: 1}, "worker#1"},
	}
	for _, test := range tests {
		if got := test.address.String(); got != test.want {
			t.Errorf("%+v.String() = %q, want %q", test.address, got, test.want)
		}
	}
}

func TestParseAddress(t *testing.T) {
	for _, want := range []Address{
		{Context: "panel"},
		{Context: "panel", Group: "s1"},
		{Context: "panel", Group: "s1", Frame: 3},
		{Context: "worker", Frame: 1},
	} {
		got, err := ParseAddress(want.String())
		if err != nil {
			t.Errorf("ParseAddress(%q): %v", want.String(), err)
			continue
		}
		if got != want {
			t.Errorf("ParseAddress(%q) = %+v, want %+v", want.String(), got, want)
		}
	}

	for _, bad := range []string{"", "/s1", "panel#x", "panel#0"} {
		if _, err := ParseAddress(bad); err == nil {
			t.Errorf("ParseAddress(%q) succeeded", bad)
		}
	}
}
