//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

package turn

import "errors"

// Errors.
var (
	// ErrLoopLimit is returned when a turn exceeds the configured number
	// of reason/dispatch cycles. The state accumulated so far is still
	// committed before the error is returned.
	ErrLoopLimit = errors.New("reason/dispatch loop limit exceeded")
)
