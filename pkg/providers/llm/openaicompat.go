// Package llm provides LLMClient implementations for the external model
// providers the orchestrator can stream from.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
	"github.com/voicepipe/sts-orchestrator/pkg/orchestrator"
)

// compatClient streams chat completions against any OpenAI-compatible
// endpoint - OpenAI itself, Groq, and the rest of the providers that mirror
// the same wire format - converting stream deltas into
// orchestrator.ProviderDelta. This mirrors how a single conversion layer is
// shared across many OpenAI-compatible providers rather than duplicating
// the request/response shuffling per vendor.
type compatClient struct {
	client *openai.Client
	model  string
	name   string
}

func newCompatClient(apiKey, baseURL, model, name string) *compatClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &compatClient{client: openai.NewClientWithConfig(cfg), model: model, name: name}
}

func (c *compatClient) Name() string { return c.name }

func (c *compatClient) StreamChat(ctx context.Context, messages []orchestrator.LLMMessage, tools []orchestrator.ToolSpec, onDelta func(orchestrator.ProviderDelta) error) error {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: convertMessages(messages),
		Stream:   true,
	}
	if len(tools) > 0 {
		req.Tools = convertTools(tools)
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", orchestrator.ErrLLMStream, c.name, err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", orchestrator.ErrLLMStream, c.name, err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			if err := onDelta(orchestrator.ProviderDelta{Content: delta.Content}); err != nil {
				return err
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if tc.ID != "" || tc.Function.Name != "" {
				if err := onDelta(orchestrator.ProviderDelta{
					ToolCallIndex: idx,
					ToolCallID:    tc.ID,
					ToolCallName:  tc.Function.Name,
				}); err != nil {
					return err
				}
			}
			if tc.Function.Arguments != "" {
				if err := onDelta(orchestrator.ProviderDelta{
					ToolCallIndex:     idx,
					ToolCallArgsDelta: tc.Function.Arguments,
				}); err != nil {
					return err
				}
			}
		}
	}
}

func convertMessages(messages []orchestrator.LLMMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		cm := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		switch {
		case m.Role == "tool":
			cm.ToolCallID = m.ToolCallID
		case m.Role == "assistant" && m.ToolCallID != "":
			cm.Content = ""
			cm.ToolCalls = []openai.ToolCall{{
				ID:       m.ToolCallID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: m.ToolName, Arguments: m.Content},
			}}
		}
		out = append(out, cm)
	}
	return out
}

func convertTools(tools []orchestrator.ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var params map[string]any
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &params)
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return out
}
