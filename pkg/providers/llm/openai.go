package llm

import "github.com/voicepipe/sts-orchestrator/pkg/orchestrator"

// OpenAILLM streams chat completions from the OpenAI API.
type OpenAILLM struct {
	*compatClient
}

// NewOpenAILLM builds an OpenAILLM for model, defaulting to gpt-4o.
func NewOpenAILLM(apiKey, model string) *OpenAILLM {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAILLM{compatClient: newCompatClient(apiKey, "", model, "openai-llm")}
}

var _ orchestrator.LLMClient = (*OpenAILLM)(nil)
