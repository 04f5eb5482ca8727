//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

// Package turn drives one full conversation turn as an explicit finite-state
// machine: Start -> Reason -> (Dispatch -> Reason)* -> Terminal, persisting
// the result through the checkpoint store.
package turn

// Node tags one execution node of the turn state machine. The set is closed.
type Node string

// Turn execution nodes.
const (
	NodeStart    Node = "start"
	NodeReason   Node = "reason"
	NodeDispatch Node = "dispatch"
	NodeTerminal Node = "terminal"
)
