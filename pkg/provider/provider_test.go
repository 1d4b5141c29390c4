package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/shawn111/goose/pkg/conversation"
)

func TestRegistry_NewUnknownProvider(t *testing.T) {
	r := NewRegistry()
	_, err := r.New("nope", Config{})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestRegistry_RegisterAndNew(t *testing.T) {
	r := NewRegistry()
	r.Register("scripted", func(Config) (Provider, error) {
		return NewScriptedProvider(), nil
	})

	p, err := r.New("scripted", Config{})
	require.NoError(t, err)
	assert.Equal(t, "scripted", p.Name())
}

func TestDefaultRegistry_Names(t *testing.T) {
	names := DefaultRegistry().Names()
	assert.Equal(t, []string{"anthropic", "openai", "scripted"}, names)
}

func TestGenerationError_Retryable(t *testing.T) {
	tests := []struct {
		kind      string
		retryable bool
	}{
		{ErrKindStreamInterrupted, true},
		{ErrKindRateLimited, true},
		{ErrKindInvalidResponse, false},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			err := &GenerationError{Provider: "test", Kind: tt.kind}
			assert.Equal(t, tt.retryable, err.Retryable())
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestIsRetryable_WrappedAndForeignErrors(t *testing.T) {
	genErr := &GenerationError{Provider: "test", Kind: ErrKindRateLimited}
	wrapped := fmt.Errorf("turn failed: %w", genErr)
	assert.True(t, IsRetryable(wrapped))

	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(nil))
}

func TestClassify_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   string
	}{
		{"rate limit", 429, ErrKindRateLimited},
		{"server error", 500, ErrKindStreamInterrupted},
		{"bad gateway", 502, ErrKindStreamInterrupted},
		{"bad request", 400, ErrKindInvalidResponse},
		{"unauthorized", 401, ErrKindInvalidResponse},
		{"no status", 0, ErrKindStreamInterrupted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("test", tt.status, errors.New("boom"))
			var genErr *GenerationError
			require.ErrorAs(t, err, &genErr)
			assert.Equal(t, tt.kind, genErr.Kind)
			assert.Equal(t, "test", genErr.Provider)
		})
	}
}

func TestClassify_ContextErrorsPassThrough(t *testing.T) {
	for _, ctxErr := range []error{context.Canceled, context.DeadlineExceeded} {
		err := classify("test", 0, ctxErr)
		assert.ErrorIs(t, err, ctxErr)
		var genErr *GenerationError
		assert.False(t, errors.As(err, &genErr))
	}
}

func TestAnthropicMessages_RoleMapping(t *testing.T) {
	msgs := []conversation.Message{
		conversation.NewUserMessage("read this file"),
		conversation.NewAssistantMessage("on it", []conversation.ToolCall{
			{ID: "call-1", Name: "read_file", Arguments: map[string]interface{}{"path": "/tmp/x"}},
		}),
		conversation.NewToolMessage(conversation.ToolResult{
			ID:     "call-1",
			Name:   "read_file",
			Status: conversation.ResultError,
			Error:  "file server unavailable",
		}),
		conversation.NewSystemMessage("previous turn failed"),
		conversation.NewAssistantMessage("sorry, the file service is down", nil),
	}

	params := anthropicMessages(msgs)
	// System-role messages go through the System param, not the history.
	require.Len(t, params, 4)
	assert.Equal(t, anthropic.MessageParamRoleUser, params[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, params[1].Role)
	assert.Equal(t, anthropic.MessageParamRoleUser, params[2].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, params[3].Role)
}

func TestAnthropicMessages_SkipsEmptyAssistant(t *testing.T) {
	params := anthropicMessages([]conversation.Message{
		conversation.NewAssistantMessage("", nil),
	})
	assert.Empty(t, params)
}

func TestAnthropicTools_SchemaConversion(t *testing.T) {
	specs := []conversation.ToolSpec{{
		Name:        "read_file",
		Description: "Read a file from disk",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"path"},
		},
	}}

	tools := anthropicTools(specs)
	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "read_file", tools[0].OfTool.Name)
	assert.Equal(t, []string{"path"}, tools[0].OfTool.InputSchema.Required)
}

func TestSchemaRequired(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, schemaRequired(map[string]interface{}{
		"required": []interface{}{"a", "b"},
	}))
	assert.Equal(t, []string{"a"}, schemaRequired(map[string]interface{}{
		"required": []string{"a"},
	}))
	assert.Nil(t, schemaRequired(map[string]interface{}{}))
}

func TestOpenaiMessages_RoleMapping(t *testing.T) {
	req := Request{
		System: "be terse",
		Messages: []conversation.Message{
			conversation.NewUserMessage("hello"),
			conversation.NewAssistantMessage("checking", []conversation.ToolCall{
				{ID: "call-1", Name: "echo", Arguments: map[string]interface{}{"text": "hi"}},
			}),
			conversation.NewToolMessage(conversation.ToolResult{
				ID:      "call-1",
				Name:    "echo",
				Status:  conversation.ResultSuccess,
				Payload: map[string]interface{}{"text": "hi"},
			}),
			conversation.NewSystemMessage("note"),
		},
	}

	params := openaiMessages(req)
	require.Len(t, params, 5)
	assert.NotNil(t, params[0].OfSystem)
	assert.NotNil(t, params[1].OfUser)
	assert.NotNil(t, params[2].OfAssistant)
	assert.NotNil(t, params[3].OfTool)
	assert.NotNil(t, params[4].OfSystem)

	assistant := params[2].OfAssistant
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call-1", assistant.ToolCalls[0].ID)
	assert.Equal(t, "echo", assistant.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"text":"hi"}`, assistant.ToolCalls[0].Function.Arguments)
}

func TestOpenaiTools_SchemaPassthrough(t *testing.T) {
	specs := []conversation.ToolSpec{{
		Name:        "echo",
		Description: "Echo the input",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
		},
	}}

	tools := openaiTools(specs)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Function.Name)
	assert.Equal(t, "object", tools[0].Function.Parameters["type"])
}

func TestDecodeToolArguments(t *testing.T) {
	args, err := decodeToolArguments(`{"path":"/tmp/x"}`)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", args["path"])

	args, err = decodeToolArguments("")
	require.NoError(t, err)
	assert.Empty(t, args)

	_, err = decodeToolArguments(`{"path":`)
	assert.Error(t, err)
}

func TestEncodeToolArguments(t *testing.T) {
	assert.Equal(t, "{}", encodeToolArguments(nil))
	assert.JSONEq(t, `{"a":1}`, encodeToolArguments(map[string]interface{}{"a": 1}))
}
