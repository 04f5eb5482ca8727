//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

// Package checkpoint provides durable, append-only, lineage-tracking storage
// of conversation-state snapshots per thread. Checkpoint identifiers are
// strictly increasing within a (thread_id, namespace) pair, every non-root
// checkpoint links to its parent, and a per-thread head pointer marks the
// latest snapshot.
package checkpoint

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

const (
	// DefaultNamespace is the namespace used when the caller does not
	// partition a thread into multiple state streams.
	DefaultNamespace = ""

	// RootParentID is the parent id of a thread's first checkpoint.
	RootParentID int64 = 0
)

// Checkpoint sources recorded in metadata.
const (
	// SourceLoop marks a checkpoint committed at the end of a completed turn.
	SourceLoop = "loop"
	// SourceInterrupt marks a checkpoint committed at a cancellation or
	// loop-limit boundary, with partial turn state.
	SourceInterrupt = "interrupt"
	// SourceFork marks a checkpoint created by branching from an ancestor.
	SourceFork = "fork"
	// SourceUpdate marks a checkpoint created by a manual state update.
	SourceUpdate = "update"
)

// Checkpoint is an immutable snapshot of conversation state at one point in
// a thread's history. Records are never mutated after creation.
type Checkpoint struct {
	ThreadID  string `json:"thread_id"`
	Namespace string `json:"namespace"`
	// ID is strictly increasing within (thread_id, namespace).
	ID int64 `json:"checkpoint_id"`
	// ParentID is RootParentID for a thread's first checkpoint and
	// otherwise resolves to an existing checkpoint in the same
	// (thread_id, namespace).
	ParentID  int64           `json:"parent_checkpoint_id"`
	State     json.RawMessage `json:"state"`
	Metadata  Metadata        `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
}

// IsRoot reports whether this is the first checkpoint of its lineage.
func (c *Checkpoint) IsRoot() bool {
	return c.ParentID == RootParentID
}

// Metadata describes how a checkpoint came to be.
type Metadata struct {
	// Source indicates how the checkpoint was created.
	Source string `json:"source"`
	// Step is the number of reason/dispatch cycles the committing turn ran.
	Step int `json:"step"`
	// Extra holds additional caller-defined fields.
	Extra map[string]any `json:"extra,omitempty"`
}

// PendingWrite is an intermediate write produced mid-step, before the step's
// results are consolidated into the next checkpoint. Resubmission with the
// same (task_id, index) is a no-op.
type PendingWrite struct {
	TaskID  string          `json:"task_id"`
	Index   int             `json:"index"`
	Channel string          `json:"channel"`
	Value   json.RawMessage `json:"value"`
}

// PutRequest carries everything needed to store a new checkpoint.
type PutRequest struct {
	ThreadID  string
	Namespace string
	State     json.RawMessage
	Metadata  Metadata
	// Parent overrides the parent link. When nil the new checkpoint is
	// chained to the current head; branching sets it to an ancestor id.
	Parent *int64
}

// ListFilter narrows List results.
type ListFilter struct {
	// Limit caps the number of returned checkpoints (0 = no cap).
	Limit int
	// Before restricts results to checkpoints with id strictly below it
	// (0 = no restriction). Used for pagination.
	Before int64
}

// ThreadInfo summarizes a thread for listings.
type ThreadInfo struct {
	ThreadID string
	// LastActive is the creation time of the thread's newest checkpoint
	// across all namespaces.
	LastActive time.Time
}

// Store is the durable checkpoint storage contract. Implementations must
// support concurrent readers and writers across threads while strictly
// serializing writes within one (thread_id, namespace), and must never let a
// reader observe a checkpoint whose parent link is not yet durable.
type Store interface {
	// Put allocates the next id for (thread_id, namespace), links the
	// parent, stores the snapshot and atomically advances the head.
	// A blank thread id is rejected with ErrInvalidThreadID.
	Put(ctx context.Context, req PutRequest) (*Checkpoint, error)
	// PutWrites records pending writes for a checkpoint, idempotent per
	// (task_id, index).
	PutWrites(ctx context.Context, threadID, namespace string, checkpointID int64, writes []PendingWrite) error
	// ListWrites returns the pending writes recorded for a checkpoint,
	// ordered by (task_id, index).
	ListWrites(ctx context.Context, threadID, namespace string, checkpointID int64) ([]PendingWrite, error)
	// Latest returns the head checkpoint, or ErrNotFound.
	Latest(ctx context.Context, threadID, namespace string) (*Checkpoint, error)
	// Get returns a checkpoint by id, or ErrNotFound. Orphaned
	// checkpoints (head moved past them by a rewind) remain retrievable.
	Get(ctx context.Context, threadID, namespace string, checkpointID int64) (*Checkpoint, error)
	// List returns checkpoints newest first, optionally filtered.
	List(ctx context.Context, threadID, namespace string, filter *ListFilter) ([]*Checkpoint, error)
	// SetHead moves the head pointer to an existing checkpoint, leaving
	// descendants orphaned but retrievable by id. ErrNotFound when the
	// target does not exist.
	SetHead(ctx context.Context, threadID, namespace string, checkpointID int64) error
	// ListThreads returns every thread that has at least one checkpoint,
	// most recently active first.
	ListThreads(ctx context.Context) ([]ThreadInfo, error)
	// DeleteThread removes all checkpoints and pending writes for the
	// thread in a single all-or-nothing transaction. ErrThreadNotFound
	// when the thread has no checkpoints.
	DeleteThread(ctx context.Context, threadID string) error
	// Close releases resources held by the store.
	Close() error
}

// ValidateThreadID enforces the write-boundary rule on thread identifiers.
func ValidateThreadID(threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return ErrInvalidThreadID
	}
	return nil
}

func validJSON(data json.RawMessage) bool {
	return json.Valid(data)
}
