// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statedef

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/bureau-foundation/crann/lib/wire"
)

// Definition is a validated namespace. Immutable after New.
type Definition struct {
	fields  map[string]FieldSpec
	actions map[string]ActionSpec

	sharedDefaults   map[string]any
	instanceDefaults map[string]any
}

// New validates entries and builds a Definition. All problems are
// reported together.
func New(entries ...Entry) (*Definition, error) {
	definition := &Definition{
		fields:           make(map[string]FieldSpec),
		actions:          make(map[string]ActionSpec),
		sharedDefaults:   make(map[string]any),
		instanceDefaults: make(map[string]any),
	}

	var problems []error
	seen := make(map[string]bool)
	for _, entry := range entries {
		if entry == nil {
			problems = append(problems, errors.New("nil entry"))
			continue
		}
		name := entry.entryName()
		if err := validateName(name); err != nil {
			problems = append(problems, err)
			continue
		}
		if seen[name] {
			problems = append(problems, fmt.Errorf("%q: declared more than once", name))
			continue
		}
		seen[name] = true

		switch entry := entry.(type) {
		case FieldSpec:
			field, err := resolveField(entry)
			if err != nil {
				problems = append(problems, err)
				continue
			}
			definition.fields[name] = field
			if field.Partition == Shared {
				definition.sharedDefaults[name] = field.Default
			} else {
				definition.instanceDefaults[name] = field.Default
			}
		case ActionSpec:
			if entry.Handler == nil {
				problems = append(problems, fmt.Errorf("action %q: no handler", name))
				continue
			}
			definition.actions[name] = entry
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid state definition: %w", errors.Join(problems...))
	}
	return definition, nil
}

// MustNew is New for statically known definitions. It panics on error.
func MustNew(entries ...Entry) *Definition {
	definition, err := New(entries...)
	if err != nil {
		panic(err)
	}
	return definition
}

func validateName(name string) error {
	if name == "" {
		return errors.New("empty name")
	}
	// Names with a colon are reserved for protocol-internal actions.
	if strings.ContainsRune(name, ':') {
		return fmt.Errorf("%q: names may not contain ':'", name)
	}
	return nil
}

func resolveField(field FieldSpec) (FieldSpec, error) {
	if field.Partition == "" {
		field.Partition = Shared
	}
	if field.Persistence == "" {
		field.Persistence = None
	}
	if !field.Partition.Valid() {
		return field, fmt.Errorf("field %q: unknown partition %q", field.Name, field.Partition)
	}
	if !field.Persistence.Valid() {
		return field, fmt.Errorf("field %q: unknown persistence %q", field.Name, field.Persistence)
	}
	if field.Partition == PerInstance && field.Persisted() {
		return field, fmt.Errorf("field %q: per-instance fields cannot be persisted (persistence %q)", field.Name, field.Persistence)
	}
	normalized, err := wire.Normalize(field.Default)
	if err != nil {
		return field, fmt.Errorf("field %q: default: %w", field.Name, err)
	}
	field.Default = normalized
	return field, nil
}

// Field returns the field declared as name.
func (d *Definition) Field(name string) (FieldSpec, bool) {
	field, found := d.fields[name]
	if found {
		field.Default = wire.Clone(field.Default)
	}
	return field, found
}

// Action returns the action declared as name.
func (d *Definition) Action(name string) (ActionSpec, bool) {
	action, found := d.actions[name]
	return action, found
}

// Fields returns every field, ordered by name.
func (d *Definition) Fields() []FieldSpec {
	fields := make([]FieldSpec, 0, len(d.fields))
	for _, name := range slices.Sorted(maps.Keys(d.fields)) {
		field, _ := d.Field(name)
		fields = append(fields, field)
	}
	return fields
}

// Actions returns every action, ordered by name.
func (d *Definition) Actions() []ActionSpec {
	actions := make([]ActionSpec, 0, len(d.actions))
	for _, name := range slices.Sorted(maps.Keys(d.actions)) {
		actions = append(actions, d.actions[name])
	}
	return actions
}

// SharedDefaults returns a fresh copy of the shared-partition defaults.
func (d *Definition) SharedDefaults() map[string]any {
	return wire.CloneMap(d.sharedDefaults)
}

// InstanceDefaults returns a fresh copy of the per-instance defaults.
func (d *Definition) InstanceDefaults() map[string]any {
	return wire.CloneMap(d.instanceDefaults)
}

// Split partitions update by field. Names that are not declared fields
// (including action names) are returned in unknown, sorted. Values are
// not copied.
func (d *Definition) Split(update map[string]any) (shared, instance map[string]any, unknown []string) {
	shared = make(map[string]any)
	instance = make(map[string]any)
	for name, value := range update {
		field, found := d.fields[name]
		switch {
		case !found:
			unknown = append(unknown, name)
		case field.Partition == Shared:
			shared[name] = value
		default:
			instance[name] = value
		}
	}
	slices.Sort(unknown)
	return shared, instance, unknown
}
