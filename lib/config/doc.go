// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for crann
// binaries.
//
// Configuration is loaded from a single file specified by either the
// CRANN_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). Binaries that run without either use [Default].
// There is no automatic file search.
//
// The file may contain environment-specific sections (development,
// staging, production) that override base values when
// [Config].Environment matches. Production defaults are stricter:
// session-tier writes are synced to disk and handshakes time out.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${CRANN_ROOT}, ${XDG_RUNTIME_DIR}, and ${VAR:-default}
// patterns are expanded. No other environment variables override
// config values.
//
// The wire section embeds [wire.BinaryOptions], so compression names
// are checked while the file is parsed.
package config
