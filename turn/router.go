//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

package turn

import "github.com/chatloop/chatloop/state"

// Route is the pure routing decision: Dispatch when the last message is an
// assistant message carrying tool calls, Terminal otherwise. A missing or
// malformed tool-call list counts as "no tool calls", never as an error.
func Route(conv *state.Conversation) Node {
	last, ok := conv.Last()
	if !ok {
		return NodeTerminal
	}
	if last.HasToolCalls() {
		return NodeDispatch
	}
	return NodeTerminal
}
