//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

// Package model defines the reasoning collaborator contract. The turn
// executor treats the reasoning step as a black box behind this interface.
package model

import (
	"context"

	"github.com/chatloop/chatloop/message"
)

// Reasoner produces the next assistant message for a conversation. It must
// accept an empty or minimal message sequence and always return exactly one
// assistant-tagged message.
type Reasoner interface {
	Reason(ctx context.Context, messages []message.Message, systemInstruction string) (message.Message, error)
}

// ReasonerFunc adapts a function to the Reasoner interface.
type ReasonerFunc func(ctx context.Context, messages []message.Message, systemInstruction string) (message.Message, error)

// Reason implements Reasoner.
func (f ReasonerFunc) Reason(ctx context.Context, messages []message.Message, systemInstruction string) (message.Message, error) {
	return f(ctx, messages, systemInstruction)
}
