//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

// Package message defines the closed set of conversation message variants
// exchanged between the turn executor, the reasoning model and tools.
package message

import (
	"encoding/json"
	"fmt"
)

// Kind tags a message variant. The set is closed: consumers switch
// exhaustively over it instead of probing optional fields.
type Kind string

// Message kinds.
const (
	KindHuman      Kind = "human"
	KindAssistant  Kind = "assistant"
	KindToolResult Kind = "tool_result"
	KindSystem     Kind = "system"
)

// IsValid reports whether the kind is one of the defined constants.
func (k Kind) IsValid() bool {
	switch k {
	case KindHuman, KindAssistant, KindToolResult, KindSystem:
		return true
	default:
		return false
	}
}

// ToolCallRequest is a structured request for an external capability,
// emitted by the reasoning model inside an assistant message.
type ToolCallRequest struct {
	// ID is unique within the owning assistant message and is echoed back
	// by the matching tool result.
	ID string `json:"id"`
	// Name is the registered tool name.
	Name string `json:"name"`
	// Arguments is the JSON-encoded argument object.
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is one entry in a conversation. Exactly the fields belonging to
// the tagged kind are populated:
//
//	KindHuman       Content
//	KindAssistant   Content, ToolCalls
//	KindToolResult  Content, ToolCallID, ToolName
//	KindSystem      Content
type Message struct {
	Kind       Kind              `json:"kind"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
}

// NewHuman creates a human message.
func NewHuman(content string) Message {
	return Message{Kind: KindHuman, Content: content}
}

// NewAssistant creates an assistant message without tool calls.
func NewAssistant(content string) Message {
	return Message{Kind: KindAssistant, Content: content}
}

// NewAssistantWithToolCalls creates an assistant message carrying tool call
// requests.
func NewAssistantWithToolCalls(content string, calls []ToolCallRequest) Message {
	return Message{Kind: KindAssistant, Content: content, ToolCalls: calls}
}

// NewToolResult creates a tool result message correlated to a prior request.
func NewToolResult(toolCallID, toolName, content string) Message {
	return Message{
		Kind:       KindToolResult,
		Content:    content,
		ToolCallID: toolCallID,
		ToolName:   toolName,
	}
}

// NewSystem creates a system message.
func NewSystem(content string) Message {
	return Message{Kind: KindSystem, Content: content}
}

// HasToolCalls reports whether the message is an assistant message with at
// least one tool call request. Any other shape, including a malformed
// assistant message, counts as "no tool calls".
func (m Message) HasToolCalls() bool {
	return m.Kind == KindAssistant && len(m.ToolCalls) > 0
}

// Validate checks the message against its kind's shape.
func (m Message) Validate() error {
	if !m.Kind.IsValid() {
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	switch m.Kind {
	case KindToolResult:
		if m.ToolCallID == "" {
			return fmt.Errorf("tool result message missing tool_call_id")
		}
	case KindHuman, KindSystem:
		if len(m.ToolCalls) > 0 {
			return fmt.Errorf("%s message cannot carry tool calls", m.Kind)
		}
	case KindAssistant:
		seen := make(map[string]struct{}, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			if tc.ID == "" {
				return fmt.Errorf("tool call request missing id")
			}
			if _, dup := seen[tc.ID]; dup {
				return fmt.Errorf("duplicate tool call id %q", tc.ID)
			}
			seen[tc.ID] = struct{}{}
		}
	}
	return nil
}
