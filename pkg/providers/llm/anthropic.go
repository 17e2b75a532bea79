package llm

import (
	"context"
	"encoding/json"
	"fmt"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	anthropicOption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/voicepipe/sts-orchestrator/pkg/orchestrator"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicLLM streams chat completions from the Anthropic Messages API.
type AnthropicLLM struct {
	client anthropicSDK.Client
	model  string
}

// NewAnthropicLLM builds an AnthropicLLM for model, defaulting to
// claude-3-5-sonnet.
func NewAnthropicLLM(apiKey, model string) *AnthropicLLM {
	if model == "" {
		model = "claude-3-5-sonnet-20241022"
	}
	return &AnthropicLLM{
		client: anthropicSDK.NewClient(anthropicOption.WithAPIKey(apiKey)),
		model:  model,
	}
}

var _ orchestrator.LLMClient = (*AnthropicLLM)(nil)

func (l *AnthropicLLM) Name() string { return "anthropic-llm" }

func (l *AnthropicLLM) StreamChat(ctx context.Context, messages []orchestrator.LLMMessage, tools []orchestrator.ToolSpec, onDelta func(orchestrator.ProviderDelta) error) error {
	params := l.buildParams(messages, tools)

	stream := l.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	toolIndex := -1
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				toolIndex++
				if err := onDelta(orchestrator.ProviderDelta{
					ToolCallIndex: toolIndex,
					ToolCallID:    event.ContentBlock.ID,
					ToolCallName:  event.ContentBlock.Name,
				}); err != nil {
					return err
				}
			}
		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					if err := onDelta(orchestrator.ProviderDelta{Content: event.Delta.Text}); err != nil {
						return err
					}
				}
			case "input_json_delta":
				if event.Delta.PartialJSON != "" {
					if err := onDelta(orchestrator.ProviderDelta{
						ToolCallIndex:     toolIndex,
						ToolCallArgsDelta: event.Delta.PartialJSON,
					}); err != nil {
						return err
					}
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("%w: anthropic-llm: %v", orchestrator.ErrLLMStream, err)
	}
	return nil
}

func (l *AnthropicLLM) buildParams(messages []orchestrator.LLMMessage, tools []orchestrator.ToolSpec) anthropicSDK.MessageNewParams {
	var system string
	var out []anthropicSDK.MessageParam

	for _, m := range messages {
		switch {
		case m.Role == "system":
			system = m.Content
		case m.Role == "assistant" && m.ToolCallID != "":
			var input any
			_ = json.Unmarshal([]byte(m.Content), &input)
			out = append(out, anthropicSDK.NewAssistantMessage(anthropicSDK.NewToolUseBlock(m.ToolCallID, input, m.ToolName)))
		case m.Role == "assistant":
			out = append(out, anthropicSDK.NewAssistantMessage(anthropicSDK.NewTextBlock(m.Content)))
		case m.Role == "tool":
			out = append(out, anthropicSDK.NewUserMessage(anthropicSDK.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			out = append(out, anthropicSDK.NewUserMessage(anthropicSDK.NewTextBlock(m.Content)))
		}
	}

	params := anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(l.model),
		MaxTokens: anthropicDefaultMaxTokens,
		Messages:  out,
	}
	if system != "" {
		params.System = []anthropicSDK.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = convertAnthropicTools(tools)
	}
	return params
}

func convertAnthropicTools(tools []orchestrator.ToolSpec) []anthropicSDK.ToolUnionParam {
	out := make([]anthropicSDK.ToolUnionParam, len(tools))
	for i, t := range tools {
		var schema map[string]any
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &schema)
		}
		tp := anthropicSDK.ToolParam{
			Name:        t.Name,
			InputSchema: anthropicSDK.ToolInputSchemaParam{Properties: schema["properties"]},
		}
		if t.Description != "" {
			tp.Description = anthropicSDK.String(t.Description)
		}
		if req, ok := schema["required"].([]any); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					tp.InputSchema.Required = append(tp.InputSchema.Required, s)
				}
			}
		}
		out[i] = anthropicSDK.ToolUnionParam{OfTool: &tp}
	}
	return out
}
