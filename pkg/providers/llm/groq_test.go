package llm

import (
	"context"
	"testing"

	"github.com/voicepipe/sts-orchestrator/pkg/orchestrator"
)

func TestGroqLLMStreamsContent(t *testing.T) {
	server := sseCompatServer(t, "Bearer test-key")
	defer server.Close()

	l := &GroqLLM{compatClient: newCompatClient("test-key", server.URL, "llama-3.3-70b-versatile", "groq-llm")}

	var content string
	err := l.StreamChat(context.Background(), []orchestrator.LLMMessage{{Role: "user", Content: "hi"}}, nil, func(d orchestrator.ProviderDelta) error {
		content += d.Content
		return nil
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if content != "hello world" {
		t.Fatalf("content = %q, want %q", content, "hello world")
	}
	if l.Name() != "groq-llm" {
		t.Fatalf("Name() = %q", l.Name())
	}
}
