// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statedef declares the namespace a crann service exposes:
// state fields and RPC actions.
//
// A namespace is built from [Entry] values, each either a [FieldSpec]
// or an [ActionSpec]. [New] validates the entries once and returns an
// immutable [Definition] that every other package consults. Fields
// and actions share one namespace, so a name may not be declared twice
// across the two kinds.
//
// Every field has a [Partition]:
//
//   - Shared ("service"): one canonical value visible to every
//     instance.
//   - PerInstance ("instance"): one value per connected instance,
//     created from the default on connect and discarded on disconnect.
//
// and a [Persistence] tier: None, Session (survives a service restart
// within one host session), or Durable ("local", survives reboots).
// Only shared fields may be persisted.
//
// Definitions can also be loaded from YAML or JSONC declaration files
// with [LoadFile]. Declared actions name a handler from a
// [HandlerTable] (see [Builtins]) and may carry validate rules written
// in the expr language, evaluated against the call's args.
package statedef
