// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statedef

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Declaration is the file form of a namespace.
type Declaration struct {
	Fields  map[string]FieldDeclaration  `yaml:"fields" json:"fields"`
	Actions map[string]ActionDeclaration `yaml:"actions" json:"actions"`
}

// FieldDeclaration declares one field in a file.
type FieldDeclaration struct {
	Default   any         `yaml:"default" json:"default"`
	Partition Partition   `yaml:"partition" json:"partition"`
	Persist   Persistence `yaml:"persist" json:"persist"`
}

// ActionDeclaration declares one action in a file. Handler names an
// entry in the HandlerTable passed to Resolve; Field and Options are
// handed to that entry's factory.
type ActionDeclaration struct {
	Handler  string         `yaml:"handler" json:"handler"`
	Field    string         `yaml:"field" json:"field"`
	Options  map[string]any `yaml:"options" json:"options"`
	Validate []Rule         `yaml:"validate" json:"validate"`
}

// HandlerFactory builds the handler for a declared action. name is
// the action's name in the namespace.
type HandlerFactory func(name string, declaration ActionDeclaration, definition *Declaration) (ActionHandler, error)

// HandlerTable maps handler names used in declaration files to their
// factories.
type HandlerTable map[string]HandlerFactory

// Format identifies a declaration file syntax.
type Format int

const (
	FormatYAML Format = iota
	FormatJSONC
)

// FormatFromPath picks the format by file extension: .json and .jsonc
// are JSONC, everything else is YAML.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return FormatJSONC
	default:
		return FormatYAML
	}
}

// Parse decodes a declaration. JSONC input may contain comments and
// trailing commas. JSON numbers keep their integer-ness.
func Parse(data []byte, format Format) (*Declaration, error) {
	var declaration Declaration
	switch format {
	case FormatJSONC:
		decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		decoder.UseNumber()
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&declaration); err != nil {
			return nil, fmt.Errorf("parsing declaration: %w", err)
		}
	case FormatYAML:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&declaration); err != nil {
			return nil, fmt.Errorf("parsing declaration: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown declaration format %d", format)
	}
	return &declaration, nil
}

// Resolve turns a declaration into a Definition, building action
// handlers from handlers and compiling validate rules.
func (declaration *Declaration) Resolve(handlers HandlerTable) (*Definition, error) {
	var entries []Entry
	for _, name := range slices.Sorted(maps.Keys(declaration.Fields)) {
		field := declaration.Fields[name]
		entries = append(entries, FieldSpec{
			Name:        name,
			Default:     field.Default,
			Partition:   field.Partition,
			Persistence: field.Persist,
		})
	}
	for _, name := range slices.Sorted(maps.Keys(declaration.Actions)) {
		action := declaration.Actions[name]
		factory, found := handlers[action.Handler]
		if !found {
			return nil, fmt.Errorf("action %q: unknown handler %q", name, action.Handler)
		}
		handler, err := factory(name, action, declaration)
		if err != nil {
			return nil, fmt.Errorf("action %q: %w", name, err)
		}
		validate, err := CompileRules(action.Validate)
		if err != nil {
			return nil, fmt.Errorf("action %q: %w", name, err)
		}
		entries = append(entries, ActionSpec{Name: name, Handler: handler, Validate: validate})
	}
	return New(entries...)
}

// LoadFile reads, parses, and resolves a declaration file.
func LoadFile(path string, handlers HandlerTable) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	declaration, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	definition, err := declaration.Resolve(handlers)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return definition, nil
}
