// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitStdout(t *testing.T) {
	var output bytes.Buffer
	provider, shutdown, err := Init(context.Background(), Config{
		Enabled:        true,
		ServiceName:    "crann-test",
		ServiceVersion: "v0.0.0",
		Stdout:         true,
		Writer:         &output,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if otel.GetTracerProvider() != provider {
		t.Error("Init did not install the global provider")
	}

	_, span := provider.Tracer("test").Start(context.Background(), "rpc.call increment")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	exported := output.String()
	if !strings.Contains(exported, "rpc.call increment") {
		t.Errorf("exported spans missing span name:\n%s", exported)
	}
	if !strings.Contains(exported, "crann-test") {
		t.Errorf("exported spans missing service name:\n%s", exported)
	}
}

func TestInitDisabled(t *testing.T) {
	provider, shutdown, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer shutdown(context.Background())

	_, span := provider.Tracer("test").Start(context.Background(), "ignored")
	defer span.End()
	if span.SpanContext().IsValid() {
		t.Error("disabled tracing produced a recording span")
	}
}
