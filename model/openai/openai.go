//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

// Package openai implements the model.Reasoner contract on top of the
// OpenAI chat completions API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/chatloop/chatloop/log"
	"github.com/chatloop/chatloop/message"
	"github.com/chatloop/chatloop/tool"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "gpt-4o-mini"

// Reasoner calls the chat completions API and converts the reply into a
// single assistant message, carrying over any tool call requests.
type Reasoner struct {
	client      openai.Client
	name        string
	temperature *float64
	tools       []*tool.Declaration
}

// Option configures a Reasoner.
type Option func(*options)

type options struct {
	apiKey        string
	baseURL       string
	temperature   *float64
	tools         []*tool.Declaration
	openaiOptions []openaiopt.RequestOption
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithBaseURL sets a custom API base URL.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *options) { o.temperature = &t }
}

// WithTools declares the tools offered to the model on every request.
func WithTools(decls []*tool.Declaration) Option {
	return func(o *options) { o.tools = decls }
}

// WithOpenAIOptions appends raw client options.
func WithOpenAIOptions(opts ...openaiopt.RequestOption) Option {
	return func(o *options) { o.openaiOptions = append(o.openaiOptions, opts...) }
}

// New creates a Reasoner for the named model.
func New(name string, opts ...Option) *Reasoner {
	if name == "" {
		name = DefaultModel
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	var clientOpts []openaiopt.RequestOption
	if o.apiKey != "" {
		clientOpts = append(clientOpts, openaiopt.WithAPIKey(o.apiKey))
	}
	if o.baseURL != "" {
		clientOpts = append(clientOpts, openaiopt.WithBaseURL(o.baseURL))
	}
	clientOpts = append(clientOpts, o.openaiOptions...)
	return &Reasoner{
		client:      openai.NewClient(clientOpts...),
		name:        name,
		temperature: o.temperature,
		tools:       o.tools,
	}
}

// Reason implements model.Reasoner.
func (r *Reasoner) Reason(ctx context.Context, messages []message.Message, systemInstruction string) (message.Message, error) {
	chatRequest := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(r.name),
		Messages: r.convertMessages(messages, systemInstruction),
		Tools:    r.convertTools(),
	}
	if r.temperature != nil {
		chatRequest.Temperature = openai.Float(*r.temperature)
	}

	completion, err := r.client.Chat.Completions.New(ctx, chatRequest)
	if err != nil {
		return message.Message{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return message.Message{}, errors.New("chat completion returned no choices")
	}

	choice := completion.Choices[0]
	calls := make([]message.ToolCallRequest, 0, len(choice.Message.ToolCalls))
	for i, tc := range choice.Message.ToolCalls {
		id := tc.ID
		if id == "" {
			// Some providers omit the id; synthesize one so result
			// correlation still works.
			id = fmt.Sprintf("auto_call_%d", i)
		}
		calls = append(calls, message.ToolCallRequest{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if len(calls) > 0 {
		return message.NewAssistantWithToolCalls(choice.Message.Content, calls), nil
	}
	return message.NewAssistant(choice.Message.Content), nil
}

func (r *Reasoner) convertMessages(messages []message.Message, systemInstruction string) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if systemInstruction != "" {
		result = append(result, openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(systemInstruction),
				},
			},
		})
	}
	for _, msg := range messages {
		switch msg.Kind {
		case message.KindSystem:
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		case message.KindHuman:
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		case message.KindAssistant:
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
					ToolCalls: convertToolCalls(msg.ToolCalls),
				},
			})
		case message.KindToolResult:
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfTool: &openai.ChatCompletionToolMessageParam{
					Content: openai.ChatCompletionToolMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
					ToolCallID: msg.ToolCallID,
				},
			})
		}
	}
	return result
}

func convertToolCalls(calls []message.ToolCallRequest) []openai.ChatCompletionMessageToolCallParam {
	var result []openai.ChatCompletionMessageToolCallParam
	for _, tc := range calls {
		result = append(result, openai.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: string(tc.Arguments),
			},
		})
	}
	return result
}

func (r *Reasoner) convertTools() []openai.ChatCompletionToolParam {
	var result []openai.ChatCompletionToolParam
	for _, decl := range r.tools {
		schemaBytes, err := json.Marshal(decl.InputSchema)
		if err != nil {
			log.Errorf("marshal tool schema for %s: %v", decl.Name, err)
			continue
		}
		var parameters shared.FunctionParameters
		if err := json.Unmarshal(schemaBytes, &parameters); err != nil {
			log.Errorf("unmarshal tool schema for %s: %v", decl.Name, err)
			continue
		}
		result = append(result, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        decl.Name,
				Description: openai.String(decl.Description),
				Parameters:  parameters,
			},
		})
	}
	return result
}
