// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	var output bytes.Buffer
	logger, err := NewLogger(&output, "warn", "json")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Info("filtered")
	logger.Warn("kept", "agent", "a-1")

	lines := strings.Split(strings.TrimSpace(output.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d records, want 1:\n%s", len(lines), output.String())
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	if record["msg"] != "kept" || record["agent"] != "a-1" {
		t.Errorf("record = %v", record)
	}
}

func TestNewLoggerErrors(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"bad level", "loud", "text"},
		{"bad format", "info", "xml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewLogger(&bytes.Buffer{}, tt.level, tt.format); err == nil {
				t.Errorf("NewLogger(%q, %q) succeeded", tt.level, tt.format)
			}
		})
	}
}
