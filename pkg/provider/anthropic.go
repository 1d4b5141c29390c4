package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"

	"github.com/shawn111/goose/internal/tracing"
	"github.com/shawn111/goose/pkg/conversation"
)

const defaultMaxTokens = 4096

// AnthropicProvider generates turns through the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider builds a provider from API credentials.
func NewAnthropicProvider(cfg Config) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Generate opens a streamed generation. The returned stream yields text
// deltas and tool requests in arrival order, then a single terminal event.
func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (Stream, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  anthropicMessages(req.Messages),
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = defaultMaxTokens
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	// The Messages API has no system role mid-conversation, so recorded
	// system notices ride along as additional system blocks.
	for _, msg := range req.Messages {
		if msg.Role == conversation.RoleSystem && msg.Content != "" {
			params.System = append(params.System, anthropic.TextBlockParam{Text: msg.Content})
		}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = anthropicTools(req.Tools)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	events := make(chan OutputEvent, 16)
	go p.consume(streamCtx, params, events)
	return &chanStream{events: events, cancel: cancel}, nil
}

// pendingToolUse accumulates the partial JSON of one in-flight tool_use block.
type pendingToolUse struct {
	id      string
	name    string
	jsonBuf strings.Builder
}

func (p *AnthropicProvider) consume(ctx context.Context, params anthropic.MessageNewParams, events chan<- OutputEvent) {
	defer close(events)

	sdkStream := p.client.Messages.NewStreaming(ctx, params)
	defer sdkStream.Close()

	var usage conversation.Usage
	pending := make(map[int64]*pendingToolUse)

	for sdkStream.Next() {
		event := sdkStream.Current()
		switch variant := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			usage.InputTokens = variant.Message.Usage.InputTokens
		case anthropic.ContentBlockStartEvent:
			block := variant.ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				pending[variant.Index] = &pendingToolUse{id: toolUse.ID, name: toolUse.Name}
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				if !emit(ctx, events, OutputEvent{Kind: KindTextDelta, Text: delta.Text}) {
					return
				}
			case anthropic.InputJSONDelta:
				if call, ok := pending[variant.Index]; ok {
					call.jsonBuf.WriteString(delta.PartialJSON)
				}
			}
		case anthropic.ContentBlockStopEvent:
			call, ok := pending[variant.Index]
			if !ok {
				continue
			}
			delete(pending, variant.Index)
			args, err := decodeToolArguments(call.jsonBuf.String())
			if err != nil {
				emit(ctx, events, OutputEvent{Kind: KindError, Err: &GenerationError{
					Provider: p.Name(),
					Kind:     ErrKindInvalidResponse,
					Err:      fmt.Errorf("tool %s arguments: %w", call.name, err),
				}})
				return
			}
			ev := OutputEvent{Kind: KindToolRequest, ToolCall: &conversation.ToolCall{
				ID:        call.id,
				Name:      call.name,
				Arguments: args,
			}}
			if !emit(ctx, events, ev) {
				return
			}
		case anthropic.MessageDeltaEvent:
			usage.OutputTokens = variant.Usage.OutputTokens
		}
	}

	if err := sdkStream.Err(); err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Debug().
			Err(err).
			Msg("Anthropic stream ended with error")
		emit(ctx, events, OutputEvent{Kind: KindError, Err: p.classifyErr(err)})
		return
	}
	emit(ctx, events, OutputEvent{Kind: KindDone, Usage: usage})
}

func (p *AnthropicProvider) classifyErr(err error) error {
	status := 0
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return classify(p.Name(), status, err)
}

// decodeToolArguments parses the accumulated argument JSON. Models emit an
// empty string for tools that take no input.
func decodeToolArguments(raw string) (map[string]interface{}, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// anthropicMessages converts window messages to API params. System-role
// messages are carried in the System param, so only user, assistant and
// tool roles are mapped here.
func anthropicMessages(msgs []conversation.Message) []anthropic.MessageParam {
	params := make([]anthropic.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case conversation.RoleUser:
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case conversation.RoleTool:
			params = append(params, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolID, msg.Content, msg.IsError)))
		case conversation.RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, call.Arguments, call.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			params = append(params, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		}
	}
	return params
}

func anthropicTools(specs []conversation.ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		props, _ := spec.InputSchema["properties"].(map[string]interface{})
		tool := &anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: props,
				Required:   schemaRequired(spec.InputSchema),
			},
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: tool})
	}
	return tools
}

// schemaRequired extracts the required-property list from a JSON schema,
// tolerating both decoded-JSON and hand-built forms.
func schemaRequired(schema map[string]interface{}) []string {
	switch raw := schema["required"].(type) {
	case []string:
		return raw
	case []interface{}:
		required := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				required = append(required, s)
			}
		}
		return required
	default:
		return nil
	}
}
