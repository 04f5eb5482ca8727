//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

// Package tool provides the tool contract consumed by the dispatch step and
// a registry for looking tools up by name.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Tool describes an external capability the reasoning model may request.
type Tool interface {
	// Declaration returns the metadata describing the tool.
	Declaration() *Declaration
}

// CallableTool is a tool that can be invoked with JSON-encoded arguments.
type CallableTool interface {
	Tool

	// Call invokes the tool. The returned value is rendered into the tool
	// result message; an error is converted to an error result by the
	// dispatcher, never propagated further.
	Call(ctx context.Context, jsonArgs []byte) (any, error)
}

// Declaration describes a tool's name, purpose and expected arguments.
type Declaration struct {
	// Name is the unique identifier of the tool.
	Name string `json:"name"`
	// Description explains the tool's purpose and functionality.
	Description string `json:"description"`
	// InputSchema defines the expected input in JSON schema format.
	InputSchema *Schema `json:"inputSchema,omitempty"`
}

// Schema is the subset of JSON Schema used to declare tool arguments.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
}

// ValidateArguments checks JSON-encoded arguments against the declaration's
// input schema. A declaration without a schema accepts anything.
func ValidateArguments(decl *Declaration, jsonArgs []byte) error {
	if decl == nil || decl.InputSchema == nil {
		return nil
	}
	schemaJSON, err := json.Marshal(decl.InputSchema)
	if err != nil {
		return fmt.Errorf("marshal schema for %s: %w", decl.Name, err)
	}
	if len(jsonArgs) == 0 {
		jsonArgs = []byte("{}")
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(jsonArgs),
	)
	if err != nil {
		return fmt.Errorf("validate arguments for %s: %w", decl.Name, err)
	}
	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return fmt.Errorf("invalid arguments for %s: %s", decl.Name, errs[0])
		}
		return fmt.Errorf("invalid arguments for %s", decl.Name)
	}
	return nil
}
