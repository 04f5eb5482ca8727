//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// FunctionTool wraps a plain function as a CallableTool. The function
// receives the decoded argument object.
type FunctionTool struct {
	decl *Declaration
	fn   func(ctx context.Context, args map[string]any) (any, error)
}

// NewFunctionTool creates a function-backed tool.
func NewFunctionTool(
	name, description string,
	schema *Schema,
	fn func(ctx context.Context, args map[string]any) (any, error),
) *FunctionTool {
	return &FunctionTool{
		decl: &Declaration{
			Name:        name,
			Description: description,
			InputSchema: schema,
		},
		fn: fn,
	}
}

// Declaration implements Tool.
func (t *FunctionTool) Declaration() *Declaration {
	return t.decl
}

// Call implements CallableTool.
func (t *FunctionTool) Call(ctx context.Context, jsonArgs []byte) (any, error) {
	if t.fn == nil {
		return nil, fmt.Errorf("tool %s has no function", t.decl.Name)
	}
	args := make(map[string]any)
	if len(jsonArgs) > 0 {
		if err := json.Unmarshal(jsonArgs, &args); err != nil {
			return nil, fmt.Errorf("decode arguments for %s: %w", t.decl.Name, err)
		}
	}
	return t.fn(ctx, args)
}
