// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Crann is a command-line instance of a crann namespace. Each
// invocation connects to crann-service over its unix socket, receives
// the initial state, performs one operation, and disconnects. With
// --id and a service-side reconnect grace, successive invocations share
// per-instance state.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/crann/lib/process"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		// Commands that print their own failure return an error with
		// an exit code.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		process.Fatal(err)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return root(ctx, stdout, stderr).Execute(args)
}
