//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/chatloop/chatloop/checkpoint"
	"github.com/chatloop/chatloop/intent"
	"github.com/chatloop/chatloop/log"
	"github.com/chatloop/chatloop/message"
	"github.com/chatloop/chatloop/model"
	"github.com/chatloop/chatloop/state"
	"github.com/chatloop/chatloop/telemetry/trace"
	"github.com/chatloop/chatloop/tool"
)

// Defaults.
const (
	// DefaultMaxCycles bounds the reason/dispatch loop of one turn.
	DefaultMaxCycles = 25
	// DefaultCallTimeout bounds a single tool invocation.
	DefaultCallTimeout = 30 * time.Second
	// DefaultStepTimeout bounds one whole dispatch step.
	DefaultStepTimeout = 2 * time.Minute
	// DefaultPoolSize is the tool worker pool size.
	DefaultPoolSize = 32
)

// PendingWriteChannel is the channel name under which dispatch results are
// recorded as pending writes before consolidation.
const PendingWriteChannel = "messages"

// Executor drives one full turn per RunTurn call. It owns its tool worker
// pool for the executor's lifetime; Close releases it.
type Executor struct {
	store      checkpoint.Store
	reasoner   model.Reasoner
	dispatcher *dispatcher
	pool       *ants.Pool

	maxCycles   int
	stepTimeout time.Duration
	instruction string
	extractor   *intent.Extractor
}

// Option configures an Executor.
type Option func(*execOptions)

type execOptions struct {
	maxCycles   int
	callTimeout time.Duration
	stepTimeout time.Duration
	poolSize    int
	instruction string
	extractor   *intent.Extractor
}

// WithMaxCycles sets the reason/dispatch cycle bound.
func WithMaxCycles(n int) Option {
	return func(o *execOptions) { o.maxCycles = n }
}

// WithCallTimeout sets the per-tool-call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(o *execOptions) { o.callTimeout = d }
}

// WithStepTimeout sets the timeout for one whole dispatch step.
func WithStepTimeout(d time.Duration) Option {
	return func(o *execOptions) { o.stepTimeout = d }
}

// WithPoolSize sets the tool worker pool size.
func WithPoolSize(n int) Option {
	return func(o *execOptions) { o.poolSize = n }
}

// WithSystemInstruction sets the instruction passed to the reasoner.
func WithSystemInstruction(instruction string) Option {
	return func(o *execOptions) { o.instruction = instruction }
}

// WithIntentExtractor enables intent extraction at turn start.
func WithIntentExtractor(e *intent.Extractor) Option {
	return func(o *execOptions) { o.extractor = e }
}

// New creates an executor over the given collaborators.
func New(store checkpoint.Store, reasoner model.Reasoner, registry *tool.Registry, opts ...Option) (*Executor, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if reasoner == nil {
		return nil, errors.New("reasoner is nil")
	}
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	o := &execOptions{
		maxCycles:   DefaultMaxCycles,
		callTimeout: DefaultCallTimeout,
		stepTimeout: DefaultStepTimeout,
		poolSize:    DefaultPoolSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	pool, err := ants.NewPool(o.poolSize)
	if err != nil {
		return nil, fmt.Errorf("create tool pool: %w", err)
	}
	return &Executor{
		store:    store,
		reasoner: reasoner,
		dispatcher: &dispatcher{
			registry:    registry,
			pool:        pool,
			callTimeout: o.callTimeout,
		},
		pool:        pool,
		maxCycles:   o.maxCycles,
		stepTimeout: o.stepTimeout,
		instruction: o.instruction,
		extractor:   o.extractor,
	}, nil
}

// Close releases the tool worker pool.
func (e *Executor) Close() error {
	e.pool.Release()
	return nil
}

// RunTurn executes one turn for humanInput on (threadID, namespace) and
// returns the resulting conversation state.
//
// The returned state is non-nil whenever a checkpoint was committed, even on
// error: cancellation at a node boundary, the loop limit and reasoner
// failures all commit the state accumulated so far before returning, so the
// thread stays resumable. Tool failures never surface here; they are
// recorded as tool result messages inside the state.
func (e *Executor) RunTurn(ctx context.Context, threadID, namespace, humanInput string) (*state.Conversation, error) {
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	ctx, span := trace.Tracer.Start(ctx, "run_turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("chatloop.thread_id", threadID),
		attribute.String("chatloop.namespace", namespace),
	)

	conv, headID, err := e.loadState(ctx, threadID, namespace)
	if err != nil {
		return nil, err
	}

	// Start node: append the inbound human message.
	conv.Append(message.NewHuman(humanInput))
	conv.Node = string(NodeStart)
	e.extractIntent(ctx, conv, humanInput)

	cycles := 0
	node := NodeReason
	for {
		// Cancellation is honored only at node boundaries, never
		// mid-tool-call.
		select {
		case <-ctx.Done():
			if _, cerr := e.commit(ctx, threadID, namespace, conv, checkpoint.SourceInterrupt, cycles); cerr != nil {
				return conv, errors.Join(ctx.Err(), cerr)
			}
			return conv, ctx.Err()
		default:
		}

		switch node {
		case NodeReason:
			reply, rerr := e.reason(ctx, conv)
			if rerr != nil {
				if _, cerr := e.commit(ctx, threadID, namespace, conv, checkpoint.SourceInterrupt, cycles); cerr != nil {
					return conv, errors.Join(rerr, cerr)
				}
				return conv, rerr
			}
			conv.Append(reply)
			conv.Node = string(NodeReason)
			node = Route(conv)

		case NodeDispatch:
			cycles++
			if cycles > e.maxCycles {
				if _, cerr := e.commit(ctx, threadID, namespace, conv, checkpoint.SourceInterrupt, cycles); cerr != nil {
					return conv, errors.Join(ErrLoopLimit, cerr)
				}
				return conv, fmt.Errorf("%w after %d cycles", ErrLoopLimit, e.maxCycles)
			}
			last, _ := conv.Last()
			results := e.dispatch(ctx, last.ToolCalls)
			if err := e.recordPendingWrites(ctx, threadID, namespace, headID, results); err != nil {
				return conv, err
			}
			conv.Append(results...)
			conv.Node = string(NodeDispatch)
			node = NodeReason

		case NodeTerminal:
			conv.Node = string(NodeTerminal)
			if _, err := e.commit(ctx, threadID, namespace, conv, checkpoint.SourceLoop, cycles); err != nil {
				return conv, err
			}
			return conv, nil
		}
	}
}

// loadState restores the conversation from the thread's head checkpoint, or
// starts empty for a new thread. The head id is returned for pending-write
// bookkeeping (0 for a new thread).
func (e *Executor) loadState(ctx context.Context, threadID, namespace string) (*state.Conversation, int64, error) {
	ckpt, err := e.store.Latest(ctx, threadID, namespace)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return state.New(), 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load latest checkpoint: %w", err)
	}
	conv, err := state.Unmarshal(ckpt.State)
	if err != nil {
		return nil, 0, fmt.Errorf("restore state from checkpoint %d: %w", ckpt.ID, err)
	}
	return conv, ckpt.ID, nil
}

// reason invokes the reasoning collaborator and checks its single-message
// contract.
func (e *Executor) reason(ctx context.Context, conv *state.Conversation) (message.Message, error) {
	ctx, span := trace.Tracer.Start(ctx, "reason")
	defer span.End()

	reply, err := e.reasoner.Reason(ctx, conv.Messages, e.instruction)
	if err != nil {
		return message.Message{}, fmt.Errorf("reason: %w", err)
	}
	if reply.Kind != message.KindAssistant {
		return message.Message{}, fmt.Errorf("reason: collaborator returned %q message, want assistant", reply.Kind)
	}
	span.SetAttributes(attribute.Int("chatloop.tool_calls", len(reply.ToolCalls)))
	return reply, nil
}

// dispatch runs one tool step under the step timeout.
func (e *Executor) dispatch(ctx context.Context, calls []message.ToolCallRequest) []message.Message {
	ctx, span := trace.Tracer.Start(ctx, "dispatch")
	defer span.End()
	span.SetAttributes(attribute.Int("chatloop.tool_calls", len(calls)))

	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}
	return e.dispatcher.Dispatch(ctx, calls)
}

// recordPendingWrites persists the step's results against the checkpoint
// the turn started from, so an interrupted step is resumable. A brand-new
// thread has no checkpoint to attach to yet and is skipped.
func (e *Executor) recordPendingWrites(ctx context.Context, threadID, namespace string, headID int64, results []message.Message) error {
	if headID == 0 || len(results) == 0 {
		return nil
	}
	taskID := uuid.New().String()
	writes := make([]checkpoint.PendingWrite, 0, len(results))
	for i, msg := range results {
		value, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal pending write %d: %w", i, err)
		}
		writes = append(writes, checkpoint.PendingWrite{
			TaskID:  taskID,
			Index:   i,
			Channel: PendingWriteChannel,
			Value:   value,
		})
	}
	if err := e.store.PutWrites(ctx, threadID, namespace, headID, writes); err != nil {
		return fmt.Errorf("record pending writes: %w", err)
	}
	return nil
}

// extractIntent updates the auxiliary intent fields. Extraction is best
// effort and never fails the turn.
func (e *Executor) extractIntent(ctx context.Context, conv *state.Conversation, text string) {
	if e.extractor == nil {
		return
	}
	result, err := e.extractor.Extract(ctx, text)
	if err != nil {
		log.Warnf("intent extraction failed: %v", err)
	}
	conv.LastIntent = result.Intent
	conv.Entities = result.Entities
}

// commit seals the conversation into a new checkpoint chained onto the
// current head. It uses a cancellation-free context so a canceled turn can
// still persist the state it completed.
func (e *Executor) commit(ctx context.Context, threadID, namespace string, conv *state.Conversation, source string, cycles int) (*checkpoint.Checkpoint, error) {
	data, err := conv.Marshal()
	if err != nil {
		return nil, err
	}
	ckpt, err := e.store.Put(context.WithoutCancel(ctx), checkpoint.PutRequest{
		ThreadID:  threadID,
		Namespace: namespace,
		State:     data,
		Metadata:  checkpoint.Metadata{Source: source, Step: cycles},
	})
	if err != nil {
		return nil, fmt.Errorf("commit checkpoint: %w", err)
	}
	log.Debugf("thread %s: committed checkpoint %d (source=%s, cycles=%d)", threadID, ckpt.ID, source, cycles)
	return ckpt, nil
}
