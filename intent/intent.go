//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

// Package intent classifies a human utterance into a closed intent set and
// extracts simple entities, using the reasoning model zero-/few-shot.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chatloop/chatloop/message"
	"github.com/chatloop/chatloop/model"
)

// IntentUnknown is the fallback when classification fails or the model
// answers outside the configured set.
const IntentUnknown = "unknown"

// DefaultIntents is the default closed intent set.
var DefaultIntents = []string{"weather", "agenda", "food", "joke", "general", IntentUnknown}

// Result is one classification outcome.
type Result struct {
	Intent   string         `json:"intent"`
	Entities map[string]any `json:"entities"`
}

// Extractor classifies text via a Reasoner.
type Extractor struct {
	reasoner model.Reasoner
	intents  []string
	fewShots []message.Message
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithIntents replaces the closed intent set.
func WithIntents(intents []string) Option {
	return func(e *Extractor) { e.intents = intents }
}

// WithFewShots prepends example exchanges to every request.
func WithFewShots(shots []message.Message) Option {
	return func(e *Extractor) { e.fewShots = shots }
}

// New creates an extractor over the given reasoner.
func New(reasoner model.Reasoner, opts ...Option) *Extractor {
	e := &Extractor{
		reasoner: reasoner,
		intents:  DefaultIntents,
		fewShots: defaultFewShots(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract classifies text. The returned intent is always a member of the
// configured set; unparseable model output degrades to IntentUnknown.
func (e *Extractor) Extract(ctx context.Context, text string) (Result, error) {
	instruction := fmt.Sprintf(
		"You are an intent-extraction function. "+
			"Classify the user request into exactly one of: [%s]. "+
			"Extract simple entities like city or date when relevant. "+
			"Return ONLY valid JSON with keys 'intent' and 'entities' - no extra text.",
		strings.Join(e.intents, ", "))

	msgs := make([]message.Message, 0, len(e.fewShots)+1)
	msgs = append(msgs, e.fewShots...)
	msgs = append(msgs, message.NewHuman(text))

	reply, err := e.reasoner.Reason(ctx, msgs, instruction)
	if err != nil {
		return Result{Intent: IntentUnknown, Entities: map[string]any{}}, fmt.Errorf("intent extraction: %w", err)
	}

	var result Result
	if err := json.Unmarshal([]byte(reply.Content), &result); err != nil {
		return Result{Intent: IntentUnknown, Entities: map[string]any{}}, nil
	}
	if !e.member(result.Intent) {
		result.Intent = IntentUnknown
	}
	if result.Entities == nil {
		result.Entities = map[string]any{}
	}
	return result, nil
}

func (e *Extractor) member(intent string) bool {
	for _, candidate := range e.intents {
		if candidate == intent {
			return true
		}
	}
	return false
}

func defaultFewShots() []message.Message {
	return []message.Message{
		message.NewHuman("What's the weather like in Rome tomorrow?"),
		message.NewAssistant(`{"intent": "weather", "entities": {"city": "Rome", "date": "tomorrow"}}`),
		message.NewHuman("What's for lunch today?"),
		message.NewAssistant(`{"intent": "food", "entities": {}}`),
	}
}
