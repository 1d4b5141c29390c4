package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog/log"

	"github.com/shawn111/goose/internal/tracing"
	"github.com/shawn111/goose/pkg/conversation"
)

// OpenAIProvider generates turns through the Chat Completions API. It also
// serves OpenAI-compatible endpoints when a base URL override is set.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider builds a provider from API credentials.
func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...)}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (Stream, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: openaiMessages(req),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(req.MaxTokens)
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = openaiTools(req.Tools)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	events := make(chan OutputEvent, 16)
	go p.consume(streamCtx, params, events)
	return &chanStream{events: events, cancel: cancel}, nil
}

// consume reads the SSE stream and emits unified events. Tool call deltas
// arrive indexed; id and name appear only in the first delta per index and
// the argument JSON must be concatenated across deltas.
func (p *OpenAIProvider) consume(ctx context.Context, params openai.ChatCompletionNewParams, events chan<- OutputEvent) {
	defer close(events)

	sdkStream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer sdkStream.Close()

	var usage conversation.Usage
	pending := make(map[int]*pendingToolUse)
	var callOrder []int

	flush := func() bool {
		for _, idx := range callOrder {
			call := pending[idx]
			args, err := decodeToolArguments(call.jsonBuf.String())
			if err != nil {
				emit(ctx, events, OutputEvent{Kind: KindError, Err: &GenerationError{
					Provider: p.Name(),
					Kind:     ErrKindInvalidResponse,
					Err:      fmt.Errorf("tool %s arguments: %w", call.name, err),
				}})
				return false
			}
			ev := OutputEvent{Kind: KindToolRequest, ToolCall: &conversation.ToolCall{
				ID:        call.id,
				Name:      call.name,
				Arguments: args,
			}}
			if !emit(ctx, events, ev) {
				return false
			}
		}
		callOrder = callOrder[:0]
		return true
	}

	for sdkStream.Next() {
		chunk := sdkStream.Current()
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		// A trailing chunk may carry usage only.
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			if !emit(ctx, events, OutputEvent{Kind: KindTextDelta, Text: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := int(tc.Index)
			call, ok := pending[idx]
			if !ok {
				call = &pendingToolUse{}
				pending[idx] = call
				callOrder = append(callOrder, idx)
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.jsonBuf.WriteString(tc.Function.Arguments)
			}
		}
		if string(choice.FinishReason) != "" {
			if !flush() {
				return
			}
		}
	}

	if err := sdkStream.Err(); err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Debug().
			Err(err).
			Msg("OpenAI stream ended with error")
		emit(ctx, events, OutputEvent{Kind: KindError, Err: p.classifyErr(err)})
		return
	}
	// Streams from some compatible endpoints end without a finish reason.
	if !flush() {
		return
	}
	emit(ctx, events, OutputEvent{Kind: KindDone, Usage: usage})
}

func (p *OpenAIProvider) classifyErr(err error) error {
	status := 0
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return classify(p.Name(), status, err)
}

func openaiMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		params = append(params, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case conversation.RoleSystem:
			params = append(params, openai.SystemMessage(msg.Content))
		case conversation.RoleUser:
			params = append(params, openai.UserMessage(msg.Content))
		case conversation.RoleTool:
			params = append(params, openai.ToolMessage(msg.Content, msg.ToolID))
		case conversation.RoleAssistant:
			params = append(params, openaiAssistantMessage(msg))
		}
	}
	return params
}

func openaiAssistantMessage(msg conversation.Message) openai.ChatCompletionMessageParamUnion {
	assistant := openai.ChatCompletionAssistantMessageParam{
		Content: openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openai.String(msg.Content),
		},
	}
	for _, call := range msg.ToolCalls {
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   call.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      call.Name,
				Arguments: encodeToolArguments(call.Arguments),
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

// encodeToolArguments renders recorded arguments back to the JSON string the
// API expects on assistant tool calls.
func encodeToolArguments(args map[string]interface{}) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func openaiTools(specs []conversation.ToolSpec) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: openai.String(spec.Description),
				Parameters:  shared.FunctionParameters(spec.InputSchema),
			},
		})
	}
	return tools
}
