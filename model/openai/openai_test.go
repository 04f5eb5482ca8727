//
// Tencent is pleased to support the open source community by making chatloop available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// chatloop is licensed under the Apache License Version 2.0.
//
//

package openai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatloop/chatloop/message"
	"github.com/chatloop/chatloop/tool"
)

func TestNewDefaults(t *testing.T) {
	r := New("")
	assert.Equal(t, DefaultModel, r.name)
	assert.Nil(t, r.temperature)

	r = New("gpt-4o", WithTemperature(0.2))
	assert.Equal(t, "gpt-4o", r.name)
	require.NotNil(t, r.temperature)
	assert.Equal(t, 0.2, *r.temperature)
}

func TestConvertMessages(t *testing.T) {
	r := New("gpt-4o-mini")
	msgs := []message.Message{
		message.NewSystem("context"),
		message.NewHuman("weather?"),
		message.NewAssistantWithToolCalls("", []message.ToolCallRequest{
			{ID: "c1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"Rome"}`)},
		}),
		message.NewToolResult("c1", "get_weather", "sunny"),
	}

	converted := r.convertMessages(msgs, "be brief")
	require.Len(t, converted, 5)

	// Instruction goes first as a system message.
	require.NotNil(t, converted[0].OfSystem)
	assert.Equal(t, "be brief", converted[0].OfSystem.Content.OfString.Value)

	require.NotNil(t, converted[1].OfSystem)
	require.NotNil(t, converted[2].OfUser)
	assert.Equal(t, "weather?", converted[2].OfUser.Content.OfString.Value)

	require.NotNil(t, converted[3].OfAssistant)
	require.Len(t, converted[3].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "c1", converted[3].OfAssistant.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", converted[3].OfAssistant.ToolCalls[0].Function.Name)

	require.NotNil(t, converted[4].OfTool)
	assert.Equal(t, "c1", converted[4].OfTool.ToolCallID)
}

func TestConvertMessagesNoInstruction(t *testing.T) {
	r := New("gpt-4o-mini")
	converted := r.convertMessages([]message.Message{message.NewHuman("hi")}, "")
	require.Len(t, converted, 1)
	require.NotNil(t, converted[0].OfUser)
}

func TestConvertTools(t *testing.T) {
	decl := &tool.Declaration{
		Name:        "get_weather",
		Description: "Weather lookup.",
		InputSchema: &tool.Schema{
			Type:       "object",
			Properties: map[string]*tool.Schema{"city": {Type: "string"}},
			Required:   []string{"city"},
		},
	}
	r := New("gpt-4o-mini", WithTools([]*tool.Declaration{decl}))

	converted := r.convertTools()
	require.Len(t, converted, 1)
	assert.Equal(t, "get_weather", converted[0].Function.Name)
	assert.Equal(t, "object", converted[0].Function.Parameters["type"])
}
