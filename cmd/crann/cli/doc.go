// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command tree framework for the crann CLI: nested
// commands with lazily built pflag sets, generated help, typo
// suggestions for unknown commands and flags, and JSON output helpers.
package cli
