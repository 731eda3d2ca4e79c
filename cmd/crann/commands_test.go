// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/crann/cmd/crann/cli"
	"github.com/bureau-foundation/crann/lib/service"
	"github.com/bureau-foundation/crann/lib/statedef"
	"github.com/bureau-foundation/crann/lib/testutil"
	"github.com/bureau-foundation/crann/transport"
)

const timeout = 5 * time.Second

const declaration = `
fields:
  counter:
    default: 0
  name:
    default: ""
    partition: instance
actions:
  increment:
    handler: increment
    field: counter
    validate:
      - rule: "len(args) == 1 && args[0] > 0"
        message: "amount must be positive"
`

// startService serves the test declaration on a socket in a temporary
// directory and returns the service and socket path.
func startService(t *testing.T) (*service.Service, string) {
	t.Helper()
	t.Setenv("CRANN_CONFIG", "")

	parsed, err := statedef.Parse([]byte(declaration), statedef.FormatYAML)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	definition, err := parsed.Resolve(statedef.Builtins())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	svc, err := service.New(service.Config{Definition: definition})
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}
	if err := svc.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	socketPath := filepath.Join(t.TempDir(), "crann.sock")
	listener, err := transport.Listen(socketPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- svc.Serve(ctx, listener) }()

	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, served, timeout, "waiting for Serve to return")
		listener.Close()
		svc.Close()
	})
	return svc, socketPath
}

// execute runs one crann command line and decodes its JSON output.
func execute(t *testing.T, args ...string) (any, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := root(context.Background(), &stdout, &stderr).Execute(args)
	if err != nil {
		return nil, stderr.String(), err
	}
	var output any
	if stdout.Len() > 0 {
		if decodeErr := json.Unmarshal(stdout.Bytes(), &output); decodeErr != nil {
			t.Fatalf("output of %v is not JSON: %v\n%s", args, decodeErr, stdout.String())
		}
	}
	return output, stderr.String(), nil
}

func TestGetSetCall(t *testing.T) {
	_, socketPath := startService(t)

	output, _, err := execute(t, "get", "--socket", socketPath)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	state, ok := output.(map[string]any)
	if !ok || state["counter"] != float64(0) || state["name"] != "" {
		t.Errorf("get = %v, want counter 0 and empty name", output)
	}

	output, _, err = execute(t, "set", "--socket", socketPath, "name=alice")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if written, _ := output.(map[string]any); written["name"] != "alice" {
		t.Errorf("set = %v, want name alice", output)
	}

	output, _, err = execute(t, "call", "--socket", socketPath, "increment", "2")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if output != float64(2) {
		t.Errorf("call increment 2 = %v, want 2", output)
	}

	output, _, err = execute(t, "get", "--socket", socketPath, "counter")
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if output != float64(2) {
		t.Errorf("counter = %v, want 2", output)
	}
}

func TestRejectionsExitWithStatus(t *testing.T) {
	_, socketPath := startService(t)

	tests := []struct {
		name    string
		args    []string
		message string
	}{
		{"validation", []string{"call", "--socket", socketPath, "increment", "-1"}, "amount must be positive"},
		{"unknown action", []string{"call", "--socket", socketPath, "decrement"}, "Action not found"},
		{"unknown field", []string{"set", "--socket", socketPath, "volume=3"}, "volume"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, stderr, err := execute(t, tt.args...)
			var exitErr *cli.ExitError
			if !errors.As(err, &exitErr) || exitErr.Code != exitRejected {
				t.Fatalf("error = %v, want exit status %d", err, exitRejected)
			}
			if !strings.Contains(stderr, tt.message) {
				t.Errorf("stderr = %q, want it to contain %q", stderr, tt.message)
			}
		})
	}
}

func TestGetUnknownField(t *testing.T) {
	_, socketPath := startService(t)

	_, _, err := execute(t, "get", "--socket", socketPath, "volume")
	if err == nil || !strings.Contains(err.Error(), `unknown field "volume"`) {
		t.Errorf("get volume = %v, want unknown field error", err)
	}
}

func TestConnectFailure(t *testing.T) {
	t.Setenv("CRANN_CONFIG", "")
	missing := filepath.Join(t.TempDir(), "absent.sock")

	_, _, err := execute(t, "get", "--socket", missing, "--timeout", "1s")
	if err == nil || !strings.Contains(err.Error(), "connecting to") {
		t.Errorf("get against missing socket = %v, want connect error", err)
	}
}

func TestWatchPrintsUpdates(t *testing.T) {
	svc, socketPath := startService(t)

	reader, writer := io.Pipe()
	defer reader.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finished := make(chan error, 1)
	go func() {
		finished <- root(ctx, writer, io.Discard).Execute([]string{"watch", "--socket", socketPath, "--changes"})
		writer.Close()
	}()

	decoder := json.NewDecoder(reader)
	var initial map[string]any
	if err := decoder.Decode(&initial); err != nil {
		t.Fatalf("decoding initial state: %v", err)
	}
	if initial["counter"] != float64(0) {
		t.Errorf("initial state = %v", initial)
	}

	if err := svc.Set(context.Background(), map[string]any{"counter": 7}, ""); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var changes map[string]any
	if err := decoder.Decode(&changes); err != nil {
		t.Fatalf("decoding change: %v", err)
	}
	if len(changes) != 1 || changes["counter"] != float64(7) {
		t.Errorf("changes = %v, want only counter 7", changes)
	}

	cancel()
	if err := testutil.RequireReceive(t, finished, timeout, "waiting for watch to exit"); err != nil {
		t.Errorf("watch: %v", err)
	}
}

func TestVersion(t *testing.T) {
	var stdout bytes.Buffer
	if err := root(context.Background(), &stdout, io.Discard).Execute([]string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "crann ") {
		t.Errorf("version output = %q", stdout.String())
	}
}

func TestCommandsOverWebRTC(t *testing.T) {
	svc, _ := startService(t)
	signalDir := t.TempDir()
	listener, err := transport.ListenWebRTC(transport.WebRTCConfig{
		Name:         "remote",
		Signaler:     transport.NewDirectorySignaler(signalDir),
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("ListenWebRTC: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- svc.Serve(ctx, listener) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, served, timeout, "waiting for Serve to return")
		listener.Close()
	})

	flags := []string{"--signal-dir", signalDir, "-n", "remote", "--timeout", "30s"}
	if _, _, err := execute(t, append(append([]string{"call"}, flags...), "increment", "4")...); err != nil {
		t.Fatalf("call over webrtc: %v", err)
	}
	output, _, err := execute(t, append([]string{"get", "counter"}, flags...)...)
	if err != nil {
		t.Fatalf("get over webrtc: %v", err)
	}
	if output != float64(4) {
		t.Errorf("counter = %v, want 4", output)
	}
}
