//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

package checkpoint_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatloop/chatloop/checkpoint"
	"github.com/chatloop/chatloop/checkpoint/inmemory"
)

func putN(t *testing.T, store checkpoint.Store, threadID string, n int) []*checkpoint.Checkpoint {
	t.Helper()
	ctx := context.Background()
	var out []*checkpoint.Checkpoint
	for i := 0; i < n; i++ {
		ckpt, err := store.Put(ctx, checkpoint.PutRequest{
			ThreadID: threadID,
			State:    json.RawMessage(fmt.Sprintf(`{"step":%d}`, i)),
			Metadata: checkpoint.Metadata{Source: checkpoint.SourceLoop, Step: i},
		})
		require.NoError(t, err)
		out = append(out, ckpt)
	}
	return out
}

func TestManagerRewind(t *testing.T) {
	store := inmemory.New()
	m := checkpoint.NewManager(store)
	ctx := context.Background()

	ckpts := putN(t, store, "t1", 3)
	require.NoError(t, m.Rewind(ctx, "t1", checkpoint.DefaultNamespace, ckpts[0].ID))

	head, err := m.Latest(ctx, "t1", checkpoint.DefaultNamespace)
	require.NoError(t, err)
	assert.Equal(t, ckpts[0].ID, head.ID)

	// Orphaned descendants stay retrievable by id.
	orphan, err := m.Get(ctx, "t1", checkpoint.DefaultNamespace, ckpts[2].ID)
	require.NoError(t, err)
	assert.Equal(t, ckpts[2].ID, orphan.ID)
}

func TestManagerRewindUnknownCheckpoint(t *testing.T) {
	store := inmemory.New()
	m := checkpoint.NewManager(store)

	putN(t, store, "t1", 1)
	err := m.Rewind(context.Background(), "t1", checkpoint.DefaultNamespace, 99)
	assert.True(t, checkpoint.IsNotFound(err))
}

func TestManagerBranch(t *testing.T) {
	store := inmemory.New()
	m := checkpoint.NewManager(store)
	ctx := context.Background()

	ckpts := putN(t, store, "t1", 3)

	branch, err := m.Branch(ctx, "t1", checkpoint.DefaultNamespace, ckpts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ckpts[0].ID, branch.ParentID)
	assert.Greater(t, branch.ID, ckpts[2].ID)
	assert.Equal(t, checkpoint.SourceFork, branch.Metadata.Source)

	// The branch becomes the new head; the original lineage is untouched.
	head, err := m.Latest(ctx, "t1", checkpoint.DefaultNamespace)
	require.NoError(t, err)
	assert.Equal(t, branch.ID, head.ID)

	original, err := m.Get(ctx, "t1", checkpoint.DefaultNamespace, ckpts[2].ID)
	require.NoError(t, err)
	assert.Equal(t, ckpts[1].ID, original.ParentID)
}

func TestManagerBranchUnknownSource(t *testing.T) {
	store := inmemory.New()
	m := checkpoint.NewManager(store)

	putN(t, store, "t1", 1)
	_, err := m.Branch(context.Background(), "t1", checkpoint.DefaultNamespace, 42)
	assert.True(t, checkpoint.IsNotFound(err))
}

func TestManagerTree(t *testing.T) {
	store := inmemory.New()
	m := checkpoint.NewManager(store)
	ctx := context.Background()

	ckpts := putN(t, store, "t1", 3)
	branch, err := m.Branch(ctx, "t1", checkpoint.DefaultNamespace, ckpts[0].ID)
	require.NoError(t, err)

	root, err := m.Tree(ctx, "t1", checkpoint.DefaultNamespace)
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.Equal(t, ckpts[0].ID, root.Checkpoint.ID)

	// Root now has two children: the original continuation and the branch.
	require.Len(t, root.Children, 2)
	childIDs := []int64{root.Children[0].Checkpoint.ID, root.Children[1].Checkpoint.ID}
	assert.ElementsMatch(t, []int64{ckpts[1].ID, branch.ID}, childIDs)
}

func TestScanIntegrityClean(t *testing.T) {
	store := inmemory.New()
	m := checkpoint.NewManager(store)

	putN(t, store, "t1", 3)
	report, err := m.ScanIntegrity(context.Background(), "t1", checkpoint.DefaultNamespace)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 3, report.Scanned)
}

func TestScanIntegrityEmptyLineage(t *testing.T) {
	store := inmemory.New()
	m := checkpoint.NewManager(store)

	report, err := m.ScanIntegrity(context.Background(), "ghost", checkpoint.DefaultNamespace)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Zero(t, report.Scanned)
}

func TestValidateThreadID(t *testing.T) {
	assert.NoError(t, checkpoint.ValidateThreadID("t1"))
	assert.ErrorIs(t, checkpoint.ValidateThreadID(""), checkpoint.ErrInvalidThreadID)
	assert.ErrorIs(t, checkpoint.ValidateThreadID("   "), checkpoint.ErrInvalidThreadID)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, checkpoint.IsNotFound(checkpoint.ErrNotFound))
	assert.True(t, checkpoint.IsNotFound(checkpoint.ErrThreadNotFound))
	assert.True(t, checkpoint.IsNotFound(fmt.Errorf("wrapped: %w", checkpoint.ErrNotFound)))
	assert.False(t, checkpoint.IsNotFound(checkpoint.ErrInvalidThreadID))
	assert.False(t, checkpoint.IsNotFound(nil))
}
