//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

// Package state holds the mutable conversation state owned by the turn
// currently executing for a thread.
package state

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/chatloop/chatloop/message"
)

// Conversation is an ordered, append-only message sequence plus small
// auxiliary fields. It is constructed from a thread's latest checkpoint at
// turn start, mutated in place during the turn, and sealed into a new
// checkpoint at the end.
type Conversation struct {
	Messages []message.Message `json:"messages"`
	// Node is the tag of the execution node that last touched the state.
	Node string `json:"node,omitempty"`
	// LastIntent is the most recently detected intent for the thread.
	LastIntent string `json:"last_intent,omitempty"`
	// Entities holds entities extracted alongside the intent.
	Entities map[string]any `json:"entities,omitempty"`
}

// New returns an empty conversation.
func New() *Conversation {
	return &Conversation{}
}

// Append adds messages to the end of the sequence.
func (c *Conversation) Append(msgs ...message.Message) {
	c.Messages = append(c.Messages, msgs...)
}

// Last returns the final message and true, or the zero message and false
// when the conversation is empty.
func (c *Conversation) Last() (message.Message, bool) {
	if len(c.Messages) == 0 {
		return message.Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// LastHuman returns the most recent human message, scanning backwards.
func (c *Conversation) LastHuman() (message.Message, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Kind == message.KindHuman {
			return c.Messages[i], true
		}
	}
	return message.Message{}, false
}

// Clone returns a deep copy via a JSON round-trip so the copy can be
// serialized concurrently with further mutation of the original.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		// Conversation contains only JSON-safe types; fall back to a
		// shallow copy if that ever stops holding.
		clone := *c
		return &clone
	}
	var clone Conversation
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&clone); err != nil {
		shallow := *c
		return &shallow
	}
	return &clone
}

// Marshal serializes the conversation for checkpointing.
func (c *Conversation) Marshal() (json.RawMessage, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation: %w", err)
	}
	return data, nil
}

// Unmarshal restores a conversation from a checkpoint blob.
func Unmarshal(data json.RawMessage) (*Conversation, error) {
	var c Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	return &c, nil
}

// Validate checks the per-message shapes and the cross-message invariant:
// every tool result's tool_call_id must match a tool call request emitted by
// a preceding assistant message.
func (c *Conversation) Validate() error {
	requested := make(map[string]struct{})
	for i, m := range c.Messages {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		switch m.Kind {
		case message.KindAssistant:
			for _, tc := range m.ToolCalls {
				requested[tc.ID] = struct{}{}
			}
		case message.KindToolResult:
			if _, ok := requested[m.ToolCallID]; !ok {
				return fmt.Errorf("message %d: tool result %q has no preceding request", i, m.ToolCallID)
			}
		}
	}
	return nil
}
