// pith - a self-extending conversational agent runtime
// License: MIT
//
// Copyright (c) 2026 pith contributors

// Package tools implements the unified tool registry: built-in tools,
// hot-reloaded extension tools, and remote MCP tools all resolve through
// one name->ToolDescriptor map with namespace enforcement.
package tools

import (
	"context"
	"time"
)

// Origin classifies where a tool came from.
type Origin string

const (
	OriginBuiltin   Origin = "builtin"
	OriginExtension Origin = "extension"
	OriginRemote    Origin = "remote"
)

// ReservedPrefix is refused for any extension tool name (case-sensitive,
// data-model invariant 3).
const ReservedPrefix = "MCP__"

// Invocable is the function shape every tool origin ultimately reduces to.
type Invocable func(ctx context.Context, args map[string]interface{}) (string, error)

// ParamSchema describes one declared parameter of a tool.
type ParamSchema struct {
	Name        string
	Type        string // "string", "number", "boolean", "object", "array"
	Description string
	Required    bool
}

// Descriptor is the in-memory record the registry holds per tool name.
type Descriptor struct {
	Name        string
	Origin      Origin
	Description string
	Params      []ParamSchema
	Invoke      Invocable
	Fingerprint string // mtime+hash, extension tools only
	Timeout     time.Duration
	MaxOutput   int
}

// JSONSchema renders Params as a JSON Schema "parameters" object for a
// Model tool definition.
func (d Descriptor) JSONSchema() map[string]interface{} {
	props := map[string]interface{}{}
	var required []string
	for _, p := range d.Params {
		prop := map[string]interface{}{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
