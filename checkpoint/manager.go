//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Manager provides high-level lineage operations on top of a Store: explicit
// rewind and branch, tree inspection and integrity scanning.
type Manager struct {
	store Store
}

// NewManager creates a manager over the given store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Store exposes the underlying store.
func (m *Manager) Store() Store {
	return m.store
}

// Latest returns the head checkpoint for (threadID, namespace).
func (m *Manager) Latest(ctx context.Context, threadID, namespace string) (*Checkpoint, error) {
	return m.store.Latest(ctx, threadID, namespace)
}

// Get returns a checkpoint by id.
func (m *Manager) Get(ctx context.Context, threadID, namespace string, checkpointID int64) (*Checkpoint, error) {
	return m.store.Get(ctx, threadID, namespace, checkpointID)
}

// List returns checkpoints newest first.
func (m *Manager) List(ctx context.Context, threadID, namespace string, filter *ListFilter) ([]*Checkpoint, error) {
	return m.store.List(ctx, threadID, namespace, filter)
}

// DeleteThread removes the thread's checkpoints and pending writes.
func (m *Manager) DeleteThread(ctx context.Context, threadID string) error {
	return m.store.DeleteThread(ctx, threadID)
}

// Rewind moves the head pointer back to checkpointID. Checkpoints past the
// target stay retrievable by id but the next Put chains onto the target.
// Rewinding to a nonexistent checkpoint is ErrNotFound, never a silent no-op.
func (m *Manager) Rewind(ctx context.Context, threadID, namespace string, checkpointID int64) error {
	if err := m.store.SetHead(ctx, threadID, namespace, checkpointID); err != nil {
		return fmt.Errorf("rewind to checkpoint %d: %w", checkpointID, err)
	}
	return nil
}

// Branch creates a new checkpoint whose parent is checkpointID, carrying a
// copy of that checkpoint's state, and moves the head to it. The original
// descendants of checkpointID are untouched.
func (m *Manager) Branch(ctx context.Context, threadID, namespace string, checkpointID int64) (*Checkpoint, error) {
	src, err := m.store.Get(ctx, threadID, namespace, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("branch source %d: %w", checkpointID, err)
	}
	meta := Metadata{
		Source: SourceFork,
		Step:   src.Metadata.Step,
		Extra:  map[string]any{"branched_from": src.ID},
	}
	parent := src.ID
	ckpt, err := m.store.Put(ctx, PutRequest{
		ThreadID:  threadID,
		Namespace: namespace,
		State:     src.State,
		Metadata:  meta,
		Parent:    &parent,
	})
	if err != nil {
		return nil, fmt.Errorf("store branch checkpoint: %w", err)
	}
	return ckpt, nil
}

// TreeNode is one checkpoint in a lineage tree.
type TreeNode struct {
	Checkpoint *Checkpoint `json:"checkpoint"`
	Children   []*TreeNode `json:"children,omitempty"`
}

// Tree builds the parent/child tree for (threadID, namespace). Multiple
// roots cannot occur in a well-formed lineage; if corruption produced any,
// the oldest root wins and the rest surface through ScanIntegrity.
func (m *Manager) Tree(ctx context.Context, threadID, namespace string) (*TreeNode, error) {
	ckpts, err := m.store.List(ctx, threadID, namespace, nil)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(ckpts) == 0 {
		return nil, ErrThreadNotFound
	}

	nodes := make(map[int64]*TreeNode, len(ckpts))
	for _, c := range ckpts {
		nodes[c.ID] = &TreeNode{Checkpoint: c}
	}
	var roots []*TreeNode
	for _, c := range ckpts {
		node := nodes[c.ID]
		if parent, ok := nodes[c.ParentID]; ok && !c.IsRoot() {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	for _, n := range nodes {
		sort.Slice(n.Children, func(i, j int) bool {
			return n.Children[i].Checkpoint.ID < n.Children[j].Checkpoint.ID
		})
	}
	sort.Slice(roots, func(i, j int) bool {
		return roots[i].Checkpoint.ID < roots[j].Checkpoint.ID
	})
	return roots[0], nil
}

// IntegrityIssue describes one defect found by ScanIntegrity.
type IntegrityIssue struct {
	CheckpointID int64  `json:"checkpoint_id"`
	Problem      string `json:"problem"`
}

// IntegrityReport is the outcome of scanning one (thread, namespace) lineage.
type IntegrityReport struct {
	ThreadID  string           `json:"thread_id"`
	Namespace string           `json:"namespace"`
	Scanned   int              `json:"scanned"`
	Issues    []IntegrityIssue `json:"issues,omitempty"`
}

// OK reports whether the scan found no defects.
func (r *IntegrityReport) OK() bool {
	return len(r.Issues) == 0
}

// ScanIntegrity walks every checkpoint of the lineage and reports, without
// failing, entries whose parent link does not resolve, whose thread id is
// blank, or whose state blob no longer parses as JSON.
func (m *Manager) ScanIntegrity(ctx context.Context, threadID, namespace string) (*IntegrityReport, error) {
	ckpts, err := m.store.List(ctx, threadID, namespace, nil)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	report := &IntegrityReport{ThreadID: threadID, Namespace: namespace, Scanned: len(ckpts)}
	ids := make(map[int64]struct{}, len(ckpts))
	for _, c := range ckpts {
		ids[c.ID] = struct{}{}
	}
	for _, c := range ckpts {
		if err := ValidateThreadID(c.ThreadID); err != nil {
			report.Issues = append(report.Issues, IntegrityIssue{
				CheckpointID: c.ID,
				Problem:      "blank thread id",
			})
		}
		if !c.IsRoot() {
			if _, ok := ids[c.ParentID]; !ok {
				report.Issues = append(report.Issues, IntegrityIssue{
					CheckpointID: c.ID,
					Problem:      fmt.Sprintf("parent %d does not resolve", c.ParentID),
				})
			}
		}
		if len(c.State) == 0 || !validJSON(c.State) {
			report.Issues = append(report.Issues, IntegrityIssue{
				CheckpointID: c.ID,
				Problem:      "state blob is not valid JSON",
			})
		}
	}
	sort.Slice(report.Issues, func(i, j int) bool {
		return report.Issues[i].CheckpointID < report.Issues[j].CheckpointID
	})
	return report, nil
}

// IsNotFound reports whether err is either of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrThreadNotFound)
}
