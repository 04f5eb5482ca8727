//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

package history

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatloop/chatloop/checkpoint"
	"github.com/chatloop/chatloop/checkpoint/inmemory"
	"github.com/chatloop/chatloop/message"
	"github.com/chatloop/chatloop/state"
)

func putConversation(t *testing.T, store checkpoint.Store, threadID string, msgs ...message.Message) {
	t.Helper()
	conv := state.New()
	conv.Append(msgs...)
	data, err := conv.Marshal()
	require.NoError(t, err)
	_, err = store.Put(context.Background(), checkpoint.PutRequest{
		ThreadID: threadID,
		State:    data,
		Metadata: checkpoint.Metadata{Source: checkpoint.SourceLoop},
	})
	require.NoError(t, err)
}

func TestListWithPreviews(t *testing.T) {
	store := inmemory.New()
	svc := New(store)
	ctx := context.Background()

	putConversation(t, store, "t1",
		message.NewHuman("what's the weather in Rome?"),
		message.NewAssistant("Sunny."),
	)
	time.Sleep(time.Millisecond)
	putConversation(t, store, "t2",
		message.NewHuman("tell me a joke"),
		message.NewAssistant("..."),
	)

	threads, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 2)

	// Most recently active first.
	assert.Equal(t, "t2", threads[0].ThreadID)
	assert.Equal(t, "tell me a joke", threads[0].Preview)
	assert.Equal(t, "t1", threads[1].ThreadID)
	assert.Equal(t, "what's the weather in Rome?", threads[1].Preview)
	assert.False(t, threads[0].LastActive.IsZero())
}

func TestListTruncatesPreview(t *testing.T) {
	store := inmemory.New()
	svc := New(store)

	long := strings.Repeat("weather ", 20)
	putConversation(t, store, "t1", message.NewHuman(long), message.NewAssistant("ok"))

	threads, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.True(t, strings.HasSuffix(threads[0].Preview, "..."))
	assert.LessOrEqual(t, len([]rune(threads[0].Preview)), PreviewLength+3)
}

func TestListDegradesOnCorruptedThread(t *testing.T) {
	store := inmemory.New()
	svc := New(store)
	ctx := context.Background()

	putConversation(t, store, "good",
		message.NewHuman("hello"), message.NewAssistant("hi"))
	// Valid JSON, but not a conversation shape.
	_, err := store.Put(ctx, checkpoint.PutRequest{
		ThreadID: "bad",
		State:    json.RawMessage(`{"messages": 42}`),
	})
	require.NoError(t, err)

	threads, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 2)

	byID := map[string]ThreadSummary{}
	for _, th := range threads {
		byID[th.ThreadID] = th
	}
	assert.Equal(t, "hello", byID["good"].Preview)
	assert.Equal(t, PreviewUnavailable, byID["bad"].Preview)
}

func TestListNoHumanMessage(t *testing.T) {
	store := inmemory.New()
	svc := New(store)

	putConversation(t, store, "t1", message.NewSystem("setup only"))

	threads, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, PreviewUnavailable, threads[0].Preview)
}

func TestTranscript(t *testing.T) {
	store := inmemory.New()
	svc := New(store)

	putConversation(t, store, "t1",
		message.NewHuman("weather?"),
		message.NewAssistantWithToolCalls("", []message.ToolCallRequest{
			{ID: "c1", Name: "get_weather"},
		}),
		message.NewToolResult("c1", "get_weather", "sunny"),
		message.NewAssistant("Sunny today."),
	)

	msgs, err := svc.Transcript(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, message.KindHuman, msgs[0].Kind)
	assert.Equal(t, "Sunny today.", msgs[3].Content)
}

func TestTranscriptUnknownThread(t *testing.T) {
	svc := New(inmemory.New())
	_, err := svc.Transcript(context.Background(), "ghost")
	assert.True(t, checkpoint.IsNotFound(err))
}

func TestTranscriptBlankThreadID(t *testing.T) {
	svc := New(inmemory.New())
	_, err := svc.Transcript(context.Background(), "  ")
	assert.ErrorIs(t, err, checkpoint.ErrInvalidThreadID)
}

func TestDelete(t *testing.T) {
	store := inmemory.New()
	svc := New(store)
	ctx := context.Background()

	putConversation(t, store, "t1", message.NewHuman("hi"))
	require.NoError(t, svc.Delete(ctx, "t1"))

	threads, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, threads)

	// A second delete is distinguishable from success.
	err = svc.Delete(ctx, "t1")
	assert.True(t, checkpoint.IsNotFound(err))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "exact", Truncate("exact", 5))
	assert.Equal(t, "lon...", Truncate("lonnnng", 3))
	assert.Equal(t, "héllo...", Truncate("héllo wörld", 5))
	assert.Equal(t, "trimmed", Truncate("  trimmed  ", 10))
}

func TestFormatTranscript(t *testing.T) {
	msgs := []message.Message{
		message.NewHuman("weather?"),
		message.NewAssistantWithToolCalls("", []message.ToolCallRequest{
			{ID: "c1", Name: "get_weather"},
		}),
		message.NewToolResult("c1", "get_weather", "sunny"),
		message.NewAssistant("Sunny today."),
	}
	out := FormatTranscript(msgs)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "human: weather?", lines[0])
	assert.Equal(t, "assistant: (calling get_weather)", lines[1])
	assert.Equal(t, "tool[get_weather]: sunny", lines[2])
	assert.Equal(t, "assistant: Sunny today.", lines[3])
}
