//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides a SQLite-backed checkpoint store. Checkpoints and
// metadata are stored as JSON blobs; a heads table tracks the latest
// checkpoint per (thread_id, namespace).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chatloop/chatloop/checkpoint"
	"github.com/chatloop/chatloop/log"
)

const (
	createCheckpoints = "CREATE TABLE IF NOT EXISTS checkpoints (" +
		"thread_id TEXT NOT NULL, " +
		"checkpoint_ns TEXT NOT NULL, " +
		"checkpoint_id INTEGER NOT NULL, " +
		"parent_checkpoint_id INTEGER NOT NULL DEFAULT 0, " +
		"created_at INTEGER NOT NULL, " +
		"state_json BLOB NOT NULL, " +
		"metadata_json BLOB NOT NULL, " +
		"PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)" +
		")"

	createWrites = "CREATE TABLE IF NOT EXISTS checkpoint_writes (" +
		"thread_id TEXT NOT NULL, " +
		"checkpoint_ns TEXT NOT NULL, " +
		"checkpoint_id INTEGER NOT NULL, " +
		"task_id TEXT NOT NULL, " +
		"idx INTEGER NOT NULL, " +
		"channel TEXT NOT NULL, " +
		"value_json BLOB NOT NULL, " +
		"PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)" +
		")"

	createHeads = "CREATE TABLE IF NOT EXISTS heads (" +
		"thread_id TEXT NOT NULL, " +
		"checkpoint_ns TEXT NOT NULL, " +
		"checkpoint_id INTEGER NOT NULL, " +
		"PRIMARY KEY (thread_id, checkpoint_ns)" +
		")"

	insertCheckpoint = "INSERT INTO checkpoints (" +
		"thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, created_at, " +
		"state_json, metadata_json) VALUES (?, ?, ?, ?, ?, ?, ?)"

	insertWrite = "INSERT OR REPLACE INTO checkpoint_writes (" +
		"thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, value_json) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?)"

	upsertHead = "INSERT INTO heads (thread_id, checkpoint_ns, checkpoint_id) VALUES (?, ?, ?) " +
		"ON CONFLICT (thread_id, checkpoint_ns) DO UPDATE SET checkpoint_id = excluded.checkpoint_id"

	selectNextID = "SELECT COALESCE(MAX(checkpoint_id), 0) + 1 FROM checkpoints " +
		"WHERE thread_id = ? AND checkpoint_ns = ?"

	selectHead = "SELECT checkpoint_id FROM heads WHERE thread_id = ? AND checkpoint_ns = ?"

	selectByID = "SELECT checkpoint_id, parent_checkpoint_id, created_at, state_json, metadata_json " +
		"FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? LIMIT 1"

	selectWrites = "SELECT task_id, idx, channel, value_json FROM checkpoint_writes " +
		"WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? ORDER BY task_id, idx"

	selectThreads = "SELECT thread_id, MAX(created_at) AS last_active FROM checkpoints " +
		"GROUP BY thread_id ORDER BY last_active DESC, thread_id ASC"

	deleteThreadCkpts  = "DELETE FROM checkpoints WHERE thread_id = ?"
	deleteThreadWrites = "DELETE FROM checkpoint_writes WHERE thread_id = ?"
	deleteThreadHeads  = "DELETE FROM heads WHERE thread_id = ?"
)

// Store is a SQLite-backed implementation of checkpoint.Store. It expects an
// initialized *sql.DB with a SQLite driver and creates its schema on
// construction. Writes within one (thread_id, namespace) are serialized by a
// keyed mutex so allocated checkpoint ids stay strictly increasing; the lock
// is held only around the storage transaction, never across external calls.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	now   func() time.Time
}

// New creates a store over db, creating tables if needed.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	for _, stmt := range []string{createCheckpoints, createWrites, createHeads} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{
		db:    db,
		locks: make(map[string]*sync.Mutex),
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// lineageLock returns the write mutex for one (thread_id, namespace).
func (s *Store) lineageLock(threadID, namespace string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := threadID + "\x00" + namespace
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Put implements checkpoint.Store.
func (s *Store) Put(ctx context.Context, req checkpoint.PutRequest) (*checkpoint.Checkpoint, error) {
	if err := checkpoint.ValidateThreadID(req.ThreadID); err != nil {
		return nil, err
	}
	metadataJSON, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	stateJSON := req.State
	if stateJSON == nil {
		stateJSON = json.RawMessage("null")
	}

	lock := s.lineageLock(req.ThreadID, req.Namespace)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var nextID int64
	if err := tx.QueryRowContext(ctx, selectNextID, req.ThreadID, req.Namespace).Scan(&nextID); err != nil {
		return nil, fmt.Errorf("allocate checkpoint id: %w", err)
	}

	parent := checkpoint.RootParentID
	if req.Parent != nil {
		var exists int64
		err := tx.QueryRowContext(ctx, selectByID, req.ThreadID, req.Namespace, *req.Parent).
			Scan(&exists, new(int64), new(int64), new([]byte), new([]byte))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, checkpoint.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("resolve parent: %w", err)
		}
		parent = *req.Parent
	} else {
		err := tx.QueryRowContext(ctx, selectHead, req.ThreadID, req.Namespace).Scan(&parent)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("read head: %w", err)
		}
	}

	createdAt := s.now()
	if _, err := tx.ExecContext(ctx, insertCheckpoint,
		req.ThreadID, req.Namespace, nextID, parent, createdAt.UnixNano(),
		[]byte(stateJSON), metadataJSON); err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsertHead, req.ThreadID, req.Namespace, nextID); err != nil {
		return nil, fmt.Errorf("advance head: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return &checkpoint.Checkpoint{
		ThreadID:  req.ThreadID,
		Namespace: req.Namespace,
		ID:        nextID,
		ParentID:  parent,
		State:     append([]byte(nil), stateJSON...),
		Metadata:  req.Metadata,
		CreatedAt: createdAt,
	}, nil
}

// PutWrites implements checkpoint.Store.
func (s *Store) PutWrites(ctx context.Context, threadID, namespace string, checkpointID int64, writes []checkpoint.PendingWrite) error {
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return err
	}

	lock := s.lineageLock(threadID, namespace)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int64
	err = tx.QueryRowContext(ctx, selectByID, threadID, namespace, checkpointID).
		Scan(&exists, new(int64), new(int64), new([]byte), new([]byte))
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("resolve checkpoint: %w", err)
	}

	for _, w := range writes {
		value := w.Value
		if value == nil {
			value = json.RawMessage("null")
		}
		if _, err := tx.ExecContext(ctx, insertWrite,
			threadID, namespace, checkpointID, w.TaskID, w.Index, w.Channel, []byte(value)); err != nil {
			return fmt.Errorf("insert write: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListWrites implements checkpoint.Store.
func (s *Store) ListWrites(ctx context.Context, threadID, namespace string, checkpointID int64) ([]checkpoint.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, selectWrites, threadID, namespace, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("select writes: %w", err)
	}
	defer rows.Close()

	var writes []checkpoint.PendingWrite
	for rows.Next() {
		var w checkpoint.PendingWrite
		var value []byte
		if err := rows.Scan(&w.TaskID, &w.Index, &w.Channel, &value); err != nil {
			return nil, fmt.Errorf("scan write: %w", err)
		}
		w.Value = value
		writes = append(writes, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter writes: %w", err)
	}
	return writes, nil
}

// Latest implements checkpoint.Store.
func (s *Store) Latest(ctx context.Context, threadID, namespace string) (*checkpoint.Checkpoint, error) {
	var head int64
	err := s.db.QueryRowContext(ctx, selectHead, threadID, namespace).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read head: %w", err)
	}
	return s.Get(ctx, threadID, namespace, head)
}

// Get implements checkpoint.Store.
func (s *Store) Get(ctx context.Context, threadID, namespace string, checkpointID int64) (*checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, selectByID, threadID, namespace, checkpointID)
	ckpt, err := scanCheckpoint(row.Scan, threadID, namespace)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	return ckpt, err
}

// List implements checkpoint.Store.
func (s *Store) List(ctx context.Context, threadID, namespace string, filter *checkpoint.ListFilter) ([]*checkpoint.Checkpoint, error) {
	q := "SELECT checkpoint_id, parent_checkpoint_id, created_at, state_json, metadata_json " +
		"FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ?"
	args := []any{threadID, namespace}
	if filter != nil && filter.Before > 0 {
		q += " AND checkpoint_id < ?"
		args = append(args, filter.Before)
	}
	q += " ORDER BY checkpoint_id DESC"
	if filter != nil && filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*checkpoint.Checkpoint
	for rows.Next() {
		ckpt, err := scanCheckpoint(rows.Scan, threadID, namespace)
		if err != nil {
			return nil, err
		}
		out = append(out, ckpt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter checkpoints: %w", err)
	}
	return out, nil
}

// SetHead implements checkpoint.Store.
func (s *Store) SetHead(ctx context.Context, threadID, namespace string, checkpointID int64) error {
	lock := s.lineageLock(threadID, namespace)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int64
	err = tx.QueryRowContext(ctx, selectByID, threadID, namespace, checkpointID).
		Scan(&exists, new(int64), new(int64), new([]byte), new([]byte))
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("resolve checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsertHead, threadID, namespace, checkpointID); err != nil {
		return fmt.Errorf("move head: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListThreads implements checkpoint.Store.
func (s *Store) ListThreads(ctx context.Context) ([]checkpoint.ThreadInfo, error) {
	rows, err := s.db.QueryContext(ctx, selectThreads)
	if err != nil {
		return nil, fmt.Errorf("select threads: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.ThreadInfo
	for rows.Next() {
		var info checkpoint.ThreadInfo
		var lastActive int64
		if err := rows.Scan(&info.ThreadID, &lastActive); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		info.LastActive = time.Unix(0, lastActive).UTC()
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter threads: %w", err)
	}
	return out, nil
}

// DeleteThread implements checkpoint.Store.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, deleteThreadCkpts, threadID)
	if err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	if affected == 0 {
		return checkpoint.ErrThreadNotFound
	}
	if _, err := tx.ExecContext(ctx, deleteThreadWrites, threadID); err != nil {
		return fmt.Errorf("delete writes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, deleteThreadHeads, threadID); err != nil {
		return fmt.Errorf("delete head: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close implements checkpoint.Store.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// scanCheckpoint builds a Checkpoint from one row. A metadata blob that no
// longer parses is degraded to empty metadata rather than failing the read;
// the integrity scan is the place that reports such rows.
func scanCheckpoint(scan func(...any) error, threadID, namespace string) (*checkpoint.Checkpoint, error) {
	var (
		id, parentID, createdAt int64
		stateJSON, metadataJSON []byte
	)
	if err := scan(&id, &parentID, &createdAt, &stateJSON, &metadataJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	ckpt := &checkpoint.Checkpoint{
		ThreadID:  threadID,
		Namespace: namespace,
		ID:        id,
		ParentID:  parentID,
		State:     stateJSON,
		CreatedAt: time.Unix(0, createdAt).UTC(),
	}
	if err := json.Unmarshal(metadataJSON, &ckpt.Metadata); err != nil {
		log.Warnf("checkpoint %s/%d: malformed metadata: %v", threadID, id, err)
		ckpt.Metadata = checkpoint.Metadata{}
	}
	return ckpt, nil
}
