//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory checkpoint store, suitable for
// tests and single-process tooling.
package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chatloop/chatloop/checkpoint"
)

type nsKey struct {
	threadID  string
	namespace string
}

type writeKey struct {
	taskID string
	index  int
}

type lineage struct {
	// byID holds every checkpoint ever written, including ones orphaned
	// by a rewind.
	byID   map[int64]*checkpoint.Checkpoint
	writes map[int64]map[writeKey]checkpoint.PendingWrite
	head   int64
	nextID int64
}

// Store is an in-memory implementation of checkpoint.Store. A single mutex
// guards the maps; since every operation is a short memory move this also
// satisfies the per-thread write serialization requirement.
type Store struct {
	mu       sync.RWMutex
	lineages map[nsKey]*lineage
	// now is swappable for tests.
	now func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		lineages: make(map[nsKey]*lineage),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Put implements checkpoint.Store.
func (s *Store) Put(ctx context.Context, req checkpoint.PutRequest) (*checkpoint.Checkpoint, error) {
	if err := checkpoint.ValidateThreadID(req.ThreadID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := nsKey{req.ThreadID, req.Namespace}
	ln := s.lineages[key]
	if ln == nil {
		ln = &lineage{
			byID:   make(map[int64]*checkpoint.Checkpoint),
			writes: make(map[int64]map[writeKey]checkpoint.PendingWrite),
			nextID: 1,
		}
		s.lineages[key] = ln
	}

	parent := ln.head
	if req.Parent != nil {
		if _, ok := ln.byID[*req.Parent]; !ok {
			return nil, checkpoint.ErrNotFound
		}
		parent = *req.Parent
	}

	ckpt := &checkpoint.Checkpoint{
		ThreadID:  req.ThreadID,
		Namespace: req.Namespace,
		ID:        ln.nextID,
		ParentID:  parent,
		State:     append([]byte(nil), req.State...),
		Metadata:  req.Metadata,
		CreatedAt: s.now(),
	}
	ln.byID[ckpt.ID] = ckpt
	ln.head = ckpt.ID
	ln.nextID++
	return cloneCheckpoint(ckpt), nil
}

// PutWrites implements checkpoint.Store.
func (s *Store) PutWrites(ctx context.Context, threadID, namespace string, checkpointID int64, writes []checkpoint.PendingWrite) error {
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ln := s.lineages[nsKey{threadID, namespace}]
	if ln == nil {
		return checkpoint.ErrNotFound
	}
	if _, ok := ln.byID[checkpointID]; !ok {
		return checkpoint.ErrNotFound
	}
	byKey := ln.writes[checkpointID]
	if byKey == nil {
		byKey = make(map[writeKey]checkpoint.PendingWrite)
		ln.writes[checkpointID] = byKey
	}
	for _, w := range writes {
		// Last write wins per (task_id, index); a resubmission of the
		// same payload is therefore a no-op.
		byKey[writeKey{w.TaskID, w.Index}] = checkpoint.PendingWrite{
			TaskID:  w.TaskID,
			Index:   w.Index,
			Channel: w.Channel,
			Value:   append([]byte(nil), w.Value...),
		}
	}
	return nil
}

// ListWrites implements checkpoint.Store.
func (s *Store) ListWrites(ctx context.Context, threadID, namespace string, checkpointID int64) ([]checkpoint.PendingWrite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ln := s.lineages[nsKey{threadID, namespace}]
	if ln == nil {
		return nil, checkpoint.ErrNotFound
	}
	if _, ok := ln.byID[checkpointID]; !ok {
		return nil, checkpoint.ErrNotFound
	}
	var out []checkpoint.PendingWrite
	for _, w := range ln.writes[checkpointID] {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

// Latest implements checkpoint.Store.
func (s *Store) Latest(ctx context.Context, threadID, namespace string) (*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ln := s.lineages[nsKey{threadID, namespace}]
	if ln == nil || ln.head == 0 {
		return nil, checkpoint.ErrNotFound
	}
	return cloneCheckpoint(ln.byID[ln.head]), nil
}

// Get implements checkpoint.Store.
func (s *Store) Get(ctx context.Context, threadID, namespace string, checkpointID int64) (*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ln := s.lineages[nsKey{threadID, namespace}]
	if ln == nil {
		return nil, checkpoint.ErrNotFound
	}
	ckpt, ok := ln.byID[checkpointID]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return cloneCheckpoint(ckpt), nil
}

// List implements checkpoint.Store.
func (s *Store) List(ctx context.Context, threadID, namespace string, filter *checkpoint.ListFilter) ([]*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ln := s.lineages[nsKey{threadID, namespace}]
	if ln == nil {
		return nil, nil
	}
	out := make([]*checkpoint.Checkpoint, 0, len(ln.byID))
	for _, ckpt := range ln.byID {
		if filter != nil && filter.Before > 0 && ckpt.ID >= filter.Before {
			continue
		}
		out = append(out, cloneCheckpoint(ckpt))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SetHead implements checkpoint.Store.
func (s *Store) SetHead(ctx context.Context, threadID, namespace string, checkpointID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ln := s.lineages[nsKey{threadID, namespace}]
	if ln == nil {
		return checkpoint.ErrNotFound
	}
	if _, ok := ln.byID[checkpointID]; !ok {
		return checkpoint.ErrNotFound
	}
	ln.head = checkpointID
	return nil
}

// ListThreads implements checkpoint.Store.
func (s *Store) ListThreads(ctx context.Context) ([]checkpoint.ThreadInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]time.Time)
	for key, ln := range s.lineages {
		for _, ckpt := range ln.byID {
			if ts, ok := latest[key.threadID]; !ok || ckpt.CreatedAt.After(ts) {
				latest[key.threadID] = ckpt.CreatedAt
			}
		}
	}
	out := make([]checkpoint.ThreadInfo, 0, len(latest))
	for threadID, ts := range latest {
		out = append(out, checkpoint.ThreadInfo{ThreadID: threadID, LastActive: ts})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActive.Equal(out[j].LastActive) {
			return out[i].LastActive.After(out[j].LastActive)
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out, nil
}

// DeleteThread implements checkpoint.Store.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for key := range s.lineages {
		if key.threadID == threadID {
			delete(s.lineages, key)
			found = true
		}
	}
	if !found {
		return checkpoint.ErrThreadNotFound
	}
	return nil
}

// Close implements checkpoint.Store.
func (s *Store) Close() error {
	return nil
}

func cloneCheckpoint(c *checkpoint.Checkpoint) *checkpoint.Checkpoint {
	clone := *c
	clone.State = append([]byte(nil), c.State...)
	if c.Metadata.Extra != nil {
		extra := make(map[string]any, len(c.Metadata.Extra))
		for k, v := range c.Metadata.Extra {
			extra[k] = v
		}
		clone.Metadata.Extra = extra
	}
	return &clone
}
