//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/chatloop/chatloop/log"
	"github.com/chatloop/chatloop/message"
	"github.com/chatloop/chatloop/tool"
)

// dispatcher executes the tool calls of one step. Invocations run
// concurrently on a bounded worker pool; results are reassembled into
// request order before they reach conversation state. Every failure mode
// becomes a tool result message, never an error.
type dispatcher struct {
	registry    *tool.Registry
	pool        *ants.Pool
	callTimeout time.Duration
}

// Dispatch runs all calls and returns one result per call, in request
// order, regardless of completion order. The caller bounds the whole step
// through ctx.
func (d *dispatcher) Dispatch(ctx context.Context, calls []message.ToolCallRequest) []message.Message {
	results := make([]message.Message, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		run := func() {
			defer wg.Done()
			results[i] = d.invoke(ctx, call)
		}
		if err := d.pool.Submit(run); err != nil {
			// Pool released or overloaded: degrade to inline execution.
			log.Warnf("tool pool submit failed, running inline: %v", err)
			run()
		}
	}
	wg.Wait()
	return results
}

// invoke runs a single tool call and converts any failure into an error
// result correlated to the request id.
func (d *dispatcher) invoke(ctx context.Context, call message.ToolCallRequest) (result message.Message) {
	defer func() {
		if r := recover(); r != nil {
			result = message.NewToolResult(call.ID, call.Name,
				fmt.Sprintf("tool execution failed: panic: %v", r))
		}
	}()

	t, err := d.registry.Lookup(call.Name)
	if err != nil {
		return message.NewToolResult(call.ID, call.Name,
			fmt.Sprintf("tool not found: %s", call.Name))
	}
	if err := tool.ValidateArguments(t.Declaration(), call.Arguments); err != nil {
		return message.NewToolResult(call.ID, call.Name, err.Error())
	}

	callCtx := ctx
	if d.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
	}

	out, err := t.Call(callCtx, call.Arguments)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return message.NewToolResult(call.ID, call.Name,
				fmt.Sprintf("tool call timed out after %s", d.callTimeout))
		}
		return message.NewToolResult(call.ID, call.Name,
			fmt.Sprintf("tool execution failed: %s", err.Error()))
	}
	return message.NewToolResult(call.ID, call.Name, renderResult(out))
}

// renderResult converts a tool's return value into result content. Strings
// pass through; everything else is JSON-encoded.
func renderResult(out any) string {
	switch v := out.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
