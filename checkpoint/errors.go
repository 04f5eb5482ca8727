//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

package checkpoint

import "errors"

// Errors.
var (
	// ErrInvalidThreadID rejects empty or blank thread identifiers at the
	// write boundary. Nothing is persisted for such a thread.
	ErrInvalidThreadID = errors.New("thread_id cannot be empty or blank")
	// ErrNotFound is returned when a requested checkpoint does not exist.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrThreadNotFound is returned when a thread has no checkpoints at all.
	ErrThreadNotFound = errors.New("thread not found")
)
