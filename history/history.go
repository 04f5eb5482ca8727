//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

// Package history is the read and administrative surface over the checkpoint
// store: thread listings with previews, transcripts and deletion. It never
// mutates live turns.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chatloop/chatloop/checkpoint"
	"github.com/chatloop/chatloop/log"
	"github.com/chatloop/chatloop/message"
	"github.com/chatloop/chatloop/state"
)

// PreviewLength is the maximum rune count of a listing preview.
const PreviewLength = 75

// PreviewUnavailable is shown for a thread whose head checkpoint cannot be
// read or decoded.
const PreviewUnavailable = "preview unavailable"

// ThreadSummary is one row of a thread listing.
type ThreadSummary struct {
	ThreadID   string    `json:"thread_id"`
	Preview    string    `json:"preview"`
	LastActive time.Time `json:"last_active"`
}

// Service reads and administers conversation history through a checkpoint
// store.
type Service struct {
	store     checkpoint.Store
	namespace string
}

// Option configures a Service.
type Option func(*Service)

// WithNamespace sets the checkpoint namespace previews and transcripts are
// read from. Defaults to the root namespace.
func WithNamespace(ns string) Option {
	return func(s *Service) { s.namespace = ns }
}

// New creates a history service over the given store.
func New(store checkpoint.Store, opts ...Option) *Service {
	s := &Service{store: store, namespace: checkpoint.DefaultNamespace}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns every thread, most recently active first, each with a short
// preview of its latest human message. A thread whose head checkpoint is
// unreadable or corrupted still appears, with PreviewUnavailable substituted,
// so one bad entry cannot take down the whole listing.
func (s *Service) List(ctx context.Context) ([]ThreadSummary, error) {
	threads, err := s.store.ListThreads(ctx)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	summaries := make([]ThreadSummary, 0, len(threads))
	for _, t := range threads {
		summaries = append(summaries, ThreadSummary{
			ThreadID:   t.ThreadID,
			Preview:    s.preview(ctx, t.ThreadID),
			LastActive: t.LastActive,
		})
	}
	return summaries, nil
}

// Transcript returns the ordered message sequence restored from the thread's
// head checkpoint. ErrNotFound when the thread has no checkpoint in the
// service's namespace.
func (s *Service) Transcript(ctx context.Context, threadID string) ([]message.Message, error) {
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	ckpt, err := s.store.Latest(ctx, threadID, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("load transcript for thread %s: %w", threadID, err)
	}
	conv, err := state.Unmarshal(ckpt.State)
	if err != nil {
		return nil, fmt.Errorf("decode transcript for thread %s: %w", threadID, err)
	}
	return conv.Messages, nil
}

// Delete removes the thread and all its checkpoints across namespaces.
// ErrThreadNotFound when the thread does not exist, so the caller can tell
// an effective deletion from a no-op.
func (s *Service) Delete(ctx context.Context, threadID string) error {
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return err
	}
	if err := s.store.DeleteThread(ctx, threadID); err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	return nil
}

func (s *Service) preview(ctx context.Context, threadID string) string {
	ckpt, err := s.store.Latest(ctx, threadID, s.namespace)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			log.Warnf("thread %s: preview degraded: %v", threadID, err)
		}
		return PreviewUnavailable
	}
	conv, err := state.Unmarshal(ckpt.State)
	if err != nil {
		log.Warnf("thread %s: preview degraded: %v", threadID, err)
		return PreviewUnavailable
	}
	human, ok := conv.LastHuman()
	if !ok {
		return PreviewUnavailable
	}
	return Truncate(human.Content, PreviewLength)
}

// Truncate shortens s to at most n runes, appending an ellipsis when content
// was cut.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + "..."
}

// FormatTranscript renders messages as a plain-text transcript, one
// "role: content" line per message. Tool results include the tool name.
func FormatTranscript(msgs []message.Message) string {
	var b strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		switch msg.Kind {
		case message.KindToolResult:
			fmt.Fprintf(&b, "tool[%s]: %s", msg.ToolName, msg.Content)
		case message.KindAssistant:
			content := msg.Content
			if content == "" && msg.HasToolCalls() {
				names := make([]string, 0, len(msg.ToolCalls))
				for _, call := range msg.ToolCalls {
					names = append(names, call.Name)
				}
				content = "(calling " + strings.Join(names, ", ") + ")"
			}
			fmt.Fprintf(&b, "%s: %s", msg.Kind, content)
		default:
			fmt.Fprintf(&b, "%s: %s", msg.Kind, msg.Content)
		}
	}
	return b.String()
}
