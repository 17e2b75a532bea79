package llm

import (
	"encoding/json"
	"testing"

	"github.com/voicepipe/sts-orchestrator/pkg/orchestrator"
)

func TestAnthropicBuildParamsSplitsSystemMessage(t *testing.T) {
	l := NewAnthropicLLM("test-key", "claude-3-5-sonnet-20241022")

	params := l.buildParams([]orchestrator.LLMMessage{
		{Role: "system", Content: "be concise"},
		{Role: "user", Content: "hi"},
	}, nil)

	if len(params.System) != 1 || params.System[0].Text != "be concise" {
		t.Fatalf("expected system block to carry the system message, got %+v", params.System)
	}
	if len(params.Messages) != 1 {
		t.Fatalf("expected the user message to be the only Messages entry, got %d", len(params.Messages))
	}
}

func TestAnthropicBuildParamsToolRoundTrip(t *testing.T) {
	l := NewAnthropicLLM("test-key", "claude-3-5-sonnet-20241022")

	params := l.buildParams([]orchestrator.LLMMessage{
		{Role: "user", Content: "what is 1+1?"},
		{Role: "assistant", ToolCallID: "call_1", ToolName: "solve_math", Content: `{"problem":"1+1"}`},
		{Role: "tool", ToolCallID: "call_1", ToolName: "solve_math", Content: `{"answer":2}`},
	}, nil)

	if len(params.Messages) != 3 {
		t.Fatalf("expected 3 messages (user, assistant tool_use, tool result), got %d", len(params.Messages))
	}
}

func TestConvertAnthropicTools(t *testing.T) {
	schema, _ := json.Marshal(map[string]any{
		"properties": map[string]any{"problem": map[string]any{"type": "string"}},
		"required":   []any{"problem"},
	})
	out := convertAnthropicTools([]orchestrator.ToolSpec{
		{Name: "solve_math", Description: "solves arithmetic", Parameters: schema},
	})
	if len(out) != 1 || out[0].OfTool == nil {
		t.Fatalf("expected one tool param, got %+v", out)
	}
	if out[0].OfTool.Name != "solve_math" {
		t.Fatalf("name = %q", out[0].OfTool.Name)
	}
	if len(out[0].OfTool.InputSchema.Required) != 1 || out[0].OfTool.InputSchema.Required[0] != "problem" {
		t.Fatalf("required = %v", out[0].OfTool.InputSchema.Required)
	}
}
