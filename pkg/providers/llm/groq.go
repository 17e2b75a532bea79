package llm

import "github.com/voicepipe/sts-orchestrator/pkg/orchestrator"

// GroqLLM streams chat completions from Groq's OpenAI-compatible endpoint.
type GroqLLM struct {
	*compatClient
}

// NewGroqLLM builds a GroqLLM for model, defaulting to llama-3.3-70b-versatile.
func NewGroqLLM(apiKey, model string) *GroqLLM {
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	return &GroqLLM{compatClient: newCompatClient(apiKey, "https://api.groq.com/openai/v1", model, "groq-llm")}
}

var _ orchestrator.LLMClient = (*GroqLLM)(nil)
