package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/voicepipe/sts-orchestrator/pkg/orchestrator"
)

// GoogleLLM streams chat completions from the Gemini generateContent API.
//
// No example in the dependency corpus carries a real call site for a Gemini
// Go SDK (google.golang.org/genai appears only as an indirect transitive
// dependency, never imported directly), so this provider talks to the
// streamGenerateContent SSE endpoint with net/http the way the teacher's
// other REST-based providers do.
type GoogleLLM struct {
	apiKey string
	url    string
	model  string
}

// NewGoogleLLM builds a GoogleLLM for model, defaulting to gemini-1.5-flash.
func NewGoogleLLM(apiKey, model string) *GoogleLLM {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GoogleLLM{
		apiKey: apiKey,
		url:    "https://generativelanguage.googleapis.com/v1beta/models/" + model + ":streamGenerateContent",
		model:  model,
	}
}

var _ orchestrator.LLMClient = (*GoogleLLM)(nil)

func (l *GoogleLLM) Name() string { return "google-llm" }

type googlePart struct {
	Text         string          `json:"text,omitempty"`
	FunctionCall *googleFuncCall `json:"functionCall,omitempty"`
}

type googleFuncCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type googleContent struct {
	Role  string       `json:"role"`
	Parts []googlePart `json:"parts"`
}

type googleTool struct {
	FunctionDeclarations []googleFuncDecl `json:"functionDeclarations"`
}

type googleFuncDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func (l *GoogleLLM) StreamChat(ctx context.Context, messages []orchestrator.LLMMessage, tools []orchestrator.ToolSpec, onDelta func(orchestrator.ProviderDelta) error) error {
	payload := map[string]any{"contents": convertGoogleMessages(messages)}
	if len(tools) > 0 {
		payload["tools"] = []googleTool{{FunctionDeclarations: convertGoogleTools(tools)}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: google-llm: %v", orchestrator.ErrLLMStream, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url+"?alt=sse&key="+l.apiKey, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: google-llm: %v", orchestrator.ErrLLMStream, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: google-llm: %v", orchestrator.ErrLLMStream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: google-llm error (status %d): %s", orchestrator.ErrLLMStream, resp.StatusCode, respBody)
	}

	toolIndex := -1
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "" {
			continue
		}

		var frame struct {
			Candidates []struct {
				Content googleContent `json:"content"`
			} `json:"candidates"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}
		if len(frame.Candidates) == 0 {
			continue
		}
		for _, part := range frame.Candidates[0].Content.Parts {
			if part.Text != "" {
				if err := onDelta(orchestrator.ProviderDelta{Content: part.Text}); err != nil {
					return err
				}
			}
			if part.FunctionCall != nil {
				toolIndex++
				if err := onDelta(orchestrator.ProviderDelta{
					ToolCallIndex: toolIndex,
					ToolCallName:  part.FunctionCall.Name,
				}); err != nil {
					return err
				}
				args, _ := json.Marshal(part.FunctionCall.Args)
				if err := onDelta(orchestrator.ProviderDelta{
					ToolCallIndex:     toolIndex,
					ToolCallArgsDelta: string(args),
				}); err != nil {
					return err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: google-llm: %v", orchestrator.ErrLLMStream, err)
	}
	return nil
}

func convertGoogleMessages(messages []orchestrator.LLMMessage) []googleContent {
	var out []googleContent
	for _, m := range messages {
		role := m.Role
		switch role {
		case "system":
			role = "user"
		case "assistant":
			role = "model"
		case "tool":
			role = "function"
		}
		out = append(out, googleContent{Role: role, Parts: []googlePart{{Text: m.Content}}})
	}
	return out
}

func convertGoogleTools(tools []orchestrator.ToolSpec) []googleFuncDecl {
	out := make([]googleFuncDecl, len(tools))
	for i, t := range tools {
		var params map[string]any
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &params)
		}
		out[i] = googleFuncDecl{Name: t.Name, Description: t.Description, Parameters: params}
	}
	return out
}
