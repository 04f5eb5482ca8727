//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatloop/chatloop/checkpoint"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	tmpfile, err := os.CreateTemp(t.TempDir(), "test-*.db")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	db, err := sql.Open("sqlite3", tmpfile.Name())
	require.NoError(t, err)

	store, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func put(t *testing.T, s *Store, threadID string, step int) *checkpoint.Checkpoint {
	t.Helper()
	ckpt, err := s.Put(context.Background(), checkpoint.PutRequest{
		ThreadID: threadID,
		State:    json.RawMessage(fmt.Sprintf(`{"step":%d}`, step)),
		Metadata: checkpoint.Metadata{Source: checkpoint.SourceLoop, Step: step},
	})
	require.NoError(t, err)
	return ckpt
}

func TestPutAndLatest(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	first := put(t, s, "t1", 0)
	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, checkpoint.RootParentID, first.ParentID)

	second := put(t, s, "t1", 1)
	assert.Equal(t, int64(2), second.ID)
	assert.Equal(t, first.ID, second.ParentID)

	head, err := s.Latest(ctx, "t1", checkpoint.DefaultNamespace)
	require.NoError(t, err)
	assert.Equal(t, second.ID, head.ID)
	assert.JSONEq(t, `{"step":1}`, string(head.State))
	assert.Equal(t, checkpoint.SourceLoop, head.Metadata.Source)
	assert.Equal(t, 1, head.Metadata.Step)
}

func TestPutRejectsBlankThreadID(t *testing.T) {
	s := setupStore(t)
	_, err := s.Put(context.Background(), checkpoint.PutRequest{ThreadID: " "})
	assert.ErrorIs(t, err, checkpoint.ErrInvalidThreadID)

	threads, err := s.ListThreads(context.Background())
	require.NoError(t, err)
	assert.Empty(t, threads)
}

func TestPutExplicitParent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	first := put(t, s, "t1", 0)
	put(t, s, "t1", 1)

	branch, err := s.Put(ctx, checkpoint.PutRequest{
		ThreadID: "t1",
		State:    json.RawMessage(`{}`),
		Parent:   &first.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, branch.ParentID)

	unknown := int64(99)
	_, err = s.Put(ctx, checkpoint.PutRequest{
		ThreadID: "t1",
		State:    json.RawMessage(`{}`),
		Parent:   &unknown,
	})
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestLatestUnknownThread(t *testing.T) {
	s := setupStore(t)
	_, err := s.Latest(context.Background(), "ghost", checkpoint.DefaultNamespace)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestListNewestFirstWithFilter(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		put(t, s, "t1", i)
	}

	ckpts, err := s.List(ctx, "t1", checkpoint.DefaultNamespace, nil)
	require.NoError(t, err)
	require.Len(t, ckpts, 5)
	for i := 1; i < len(ckpts); i++ {
		assert.Greater(t, ckpts[i-1].ID, ckpts[i].ID)
	}

	ckpts, err = s.List(ctx, "t1", checkpoint.DefaultNamespace, &checkpoint.ListFilter{Before: 4, Limit: 2})
	require.NoError(t, err)
	require.Len(t, ckpts, 2)
	assert.Equal(t, int64(3), ckpts[0].ID)
	assert.Equal(t, int64(2), ckpts[1].ID)
}

func TestSetHeadAndContinue(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	first := put(t, s, "t1", 0)
	orphaned := put(t, s, "t1", 1)

	require.NoError(t, s.SetHead(ctx, "t1", checkpoint.DefaultNamespace, first.ID))

	head, err := s.Latest(ctx, "t1", checkpoint.DefaultNamespace)
	require.NoError(t, err)
	assert.Equal(t, first.ID, head.ID)

	// Orphaned checkpoint survives the rewind.
	got, err := s.Get(ctx, "t1", checkpoint.DefaultNamespace, orphaned.ID)
	require.NoError(t, err)
	assert.Equal(t, orphaned.ID, got.ID)

	// Ids keep increasing past the orphan; the parent is the rewound head.
	next := put(t, s, "t1", 2)
	assert.Equal(t, int64(3), next.ID)
	assert.Equal(t, first.ID, next.ParentID)

	assert.ErrorIs(t, s.SetHead(ctx, "t1", checkpoint.DefaultNamespace, 99), checkpoint.ErrNotFound)
}

func TestPutWritesIdempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	ckpt := put(t, s, "t1", 0)

	writes := []checkpoint.PendingWrite{
		{TaskID: "task-1", Index: 0, Channel: "messages", Value: json.RawMessage(`"a"`)},
		{TaskID: "task-1", Index: 1, Channel: "messages", Value: json.RawMessage(`"b"`)},
	}
	require.NoError(t, s.PutWrites(ctx, "t1", checkpoint.DefaultNamespace, ckpt.ID, writes))
	require.NoError(t, s.PutWrites(ctx, "t1", checkpoint.DefaultNamespace, ckpt.ID, writes))

	got, err := s.ListWrites(ctx, "t1", checkpoint.DefaultNamespace, ckpt.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "task-1", got[0].TaskID)
	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, json.RawMessage(`"b"`), got[1].Value)
}

func TestPutWritesUnknownCheckpoint(t *testing.T) {
	s := setupStore(t)
	put(t, s, "t1", 0)
	err := s.PutWrites(context.Background(), "t1", checkpoint.DefaultNamespace, 42, []checkpoint.PendingWrite{
		{TaskID: "task-1", Index: 0, Channel: "messages", Value: json.RawMessage(`"a"`)},
	})
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestNamespaceIsolation(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	put(t, s, "t1", 0)

	sub, err := s.Put(ctx, checkpoint.PutRequest{
		ThreadID:  "t1",
		Namespace: "sub",
		State:     json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	// Each namespace has its own id sequence.
	assert.Equal(t, int64(1), sub.ID)

	main, err := s.List(ctx, "t1", checkpoint.DefaultNamespace, nil)
	require.NoError(t, err)
	assert.Len(t, main, 1)
}

func TestDeleteThread(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	ckpt := put(t, s, "t1", 0)
	require.NoError(t, s.PutWrites(ctx, "t1", checkpoint.DefaultNamespace, ckpt.ID, []checkpoint.PendingWrite{
		{TaskID: "task-1", Index: 0, Channel: "messages", Value: json.RawMessage(`"a"`)},
	}))
	put(t, s, "t2", 0)

	require.NoError(t, s.DeleteThread(ctx, "t1"))
	_, err := s.Latest(ctx, "t1", checkpoint.DefaultNamespace)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	_, err = s.Get(ctx, "t1", checkpoint.DefaultNamespace, ckpt.ID)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	// Other threads are untouched.
	_, err = s.Latest(ctx, "t2", checkpoint.DefaultNamespace)
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteThread(ctx, "t1"), checkpoint.ErrThreadNotFound)
}

func TestMalformedMetadataDegrades(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	ckpt := put(t, s, "t1", 0)

	_, err := s.db.ExecContext(ctx,
		"UPDATE checkpoints SET metadata_json = ? WHERE thread_id = ? AND checkpoint_id = ?",
		[]byte("{broken"), "t1", ckpt.ID)
	require.NoError(t, err)

	got, err := s.Get(ctx, "t1", checkpoint.DefaultNamespace, ckpt.ID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Metadata{}, got.Metadata)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	tmpfile, err := os.CreateTemp(t.TempDir(), "test-*.db")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	db, err := sql.Open("sqlite3", tmpfile.Name())
	require.NoError(t, err)
	store, err := New(db)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := store.Put(ctx, checkpoint.PutRequest{
		ThreadID: "t1",
		State:    json.RawMessage(`{"step":0}`),
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	db, err = sql.Open("sqlite3", tmpfile.Name())
	require.NoError(t, err)
	reopened, err := New(db)
	require.NoError(t, err)
	defer reopened.Close()

	head, err := reopened.Latest(ctx, "t1", checkpoint.DefaultNamespace)
	require.NoError(t, err)
	assert.Equal(t, first.ID, head.ID)
	assert.JSONEq(t, `{"step":0}`, string(head.State))
}
