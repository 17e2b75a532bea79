package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

var controlTagPattern = regexp.MustCompile(`\[(\w+):([^\]]+)\]`)

func removeControlTags(text string) string {
	return strings.TrimSpace(controlTagPattern.ReplaceAllString(text, ""))
}

// Segmenter turns one provider's raw streaming deltas into an ordered
// sequence of LLMResponse records: sentence-segmented display/spoken
// text, interleaved with transparent tool_call markers, recursing into
// the provider stream again after each round of tool execution.
type Segmenter struct {
	mu sync.RWMutex

	client  LLMClient
	context ContextManager

	splitChars           []string
	optionSplitChars     []string
	optionSplitThreshold int
	voiceTextTag         string
	schemaTag            string

	tools     []ToolSpec
	toolFuncs map[string]ToolFunc

	requestFilter     func(string) string
	onBeforeToolCalls func(ctx context.Context, calls []ToolCall) error

	logger Logger
}

// NewSegmenter builds a Segmenter over client, persisting turn history
// through cm. schemaTag names the wire dialect used when history is
// persisted (e.g. "openai", "anthropic"), mirroring how litests tags
// its context rows with the owning provider's name.
func NewSegmenter(client LLMClient, cm ContextManager, cfg Config, schemaTag string, logger Logger) *Segmenter {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Segmenter{
		client:               client,
		context:              cm,
		splitChars:           append([]string(nil), cfg.SplitChars...),
		optionSplitChars:     append([]string(nil), cfg.OptionSplitChars...),
		optionSplitThreshold: cfg.OptionSplitThreshold,
		voiceTextTag:         cfg.VoiceTextTag,
		schemaTag:            schemaTag,
		toolFuncs:            map[string]ToolFunc{},
		requestFilter:        func(s string) string { return s },
		onBeforeToolCalls:    func(ctx context.Context, calls []ToolCall) error { return nil },
		logger:               logger,
	}
}

// SetRequestFilter installs the request_filter hook, identity by
// default.
func (s *Segmenter) SetRequestFilter(fn func(string) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestFilter = fn
}

// SetOnBeforeToolCalls installs the hook awaited before any tool
// function in a round runs.
func (s *Segmenter) SetOnBeforeToolCalls(fn func(ctx context.Context, calls []ToolCall) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBeforeToolCalls = fn
}

// RegisterTool makes a tool callable by the model for this Segmenter's
// lifetime.
func (s *Segmenter) RegisterTool(spec ToolSpec, fn ToolFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, spec)
	s.toolFuncs[spec.Name] = fn
}

type segmentCursor struct {
	buffer  string
	inTag   bool
}

func (s *Segmenter) cutSegments(cur *segmentCursor, delta string) []string {
	cur.buffer += delta

	var cuts []int
	for _, spc := range s.splitChars {
		start := 0
		for {
			idx := strings.Index(cur.buffer[start:], spc)
			if idx < 0 {
				break
			}
			pos := start + idx + len(spc)
			cuts = append(cuts, pos)
			start = pos
		}
	}

	if len(cur.buffer) > s.optionSplitThreshold {
		lastCut := -1
		for _, oc := range s.optionSplitChars {
			idx := strings.LastIndex(cur.buffer, oc)
			if idx < 0 {
				continue
			}
			pos := idx + len(oc)
			for pos < len(cur.buffer) && cur.buffer[pos] == ' ' {
				pos++
			}
			if pos > lastCut {
				lastCut = pos
			}
		}
		if lastCut >= 0 {
			cuts = append(cuts, lastCut)
		}
	}

	sort.Ints(cuts)

	var segments []string
	prev := 0
	for _, c := range cuts {
		if c <= prev || c > len(cur.buffer) {
			continue
		}
		segments = append(segments, cur.buffer[prev:c])
		prev = c
	}
	cur.buffer = cur.buffer[prev:]
	return segments
}

// toVoiceText implements the §4.2 tagged/untagged voice-text state
// machine. The second return reports whether voice_text is present at
// all for this segment.
func (s *Segmenter) toVoiceText(cur *segmentCursor, segment string) (string, bool) {
	if s.voiceTextTag == "" {
		return removeControlTags(segment), true
	}

	startTag := "<" + s.voiceTextTag + ">"
	endTag := "</" + s.voiceTextTag + ">"
	hasStart := strings.Contains(segment, startTag)
	hasEnd := strings.Contains(segment, endTag)

	switch {
	case hasStart && hasEnd:
		cur.inTag = false
		si := strings.Index(segment, startTag)
		ei := strings.Index(segment, endTag)
		return removeControlTags(segment[si+len(startTag) : ei]), true
	case hasStart:
		cur.inTag = true
		si := strings.Index(segment, startTag)
		return removeControlTags(segment[si+len(startTag):]), true
	case hasEnd:
		if cur.inTag {
			cur.inTag = false
			ei := strings.Index(segment, endTag)
			return removeControlTags(segment[:ei]), true
		}
	default:
		if cur.inTag {
			return removeControlTags(segment), true
		}
	}
	return "", false
}

type pendingToolCall struct {
	id, name, args string
}

// ChatStream executes one chat_stream turn: resolves history, filters
// the request text, streams the provider, segments content into
// LLMResponse records via onResponse (in emission order), executes any
// tool calls and recurses, then persists the turn's history.
func (s *Segmenter) ChatStream(ctx context.Context, contextID, text string, files []FileRef, onResponse func(LLMResponse) error) error {
	s.mu.RLock()
	filter := s.requestFilter
	cm := s.context
	tools := append([]ToolSpec(nil), s.tools...)
	schemaTag := s.schemaTag
	s.mu.RUnlock()

	filtered := filter(text)

	var messages []LLMMessage
	if cm != nil {
		histories, err := cm.GetHistories(ctx, contextID, 100)
		if err != nil {
			return fmt.Errorf("fetch histories: %w", err)
		}
		for len(histories) > 0 && histories[0].Role != "user" {
			histories = histories[1:]
		}
		messages = append(messages, histories...)
	}
	userMessage := LLMMessage{Role: "user", Content: filtered}
	messages = append(messages, userMessage)
	turnStart := len(messages) - 1

	var responseText strings.Builder

	finalMessages, err := s.runRound(ctx, contextID, messages, tools, onResponse, &responseText)
	if err != nil {
		return err
	}

	if cm != nil {
		persisted := append(append([]LLMMessage(nil), finalMessages[turnStart:]...),
			LLMMessage{Role: "assistant", Content: responseText.String()})
		if err := cm.AddHistories(ctx, contextID, persisted, schemaTag); err != nil {
			return fmt.Errorf("persist histories: %w", err)
		}
	}
	return nil
}

// runRound drives one provider stream and, when it ends carrying tool
// calls, executes them and recurses with the extended message list,
// like litests's recursive get_llm_stream_response. It
// returns the full message list as extended by this and any nested
// round, so the caller can persist the entire tool round-trip history.
func (s *Segmenter) runRound(ctx context.Context, contextID string, messages []LLMMessage, tools []ToolSpec, onResponse func(LLMResponse) error, responseText *strings.Builder) ([]LLMMessage, error) {
	cursor := &segmentCursor{}
	var toolCalls []*pendingToolCall
	var streamErr error

	onDelta := func(d ProviderDelta) error {
		time.Sleep(time.Millisecond)

		if d.ToolCallID != "" || d.ToolCallName != "" {
			for len(toolCalls) <= d.ToolCallIndex {
				toolCalls = append(toolCalls, &pendingToolCall{})
			}
			tc := toolCalls[d.ToolCallIndex]
			if d.ToolCallID != "" {
				tc.id = d.ToolCallID
			}
			if d.ToolCallName != "" {
				tc.name = d.ToolCallName
			}
			return nil
		}
		if d.ToolCallArgsDelta != "" {
			if len(toolCalls) == 0 {
				toolCalls = append(toolCalls, &pendingToolCall{})
			}
			idx := d.ToolCallIndex
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, &pendingToolCall{})
			}
			toolCalls[idx].args += d.ToolCallArgsDelta
			return nil
		}
		if d.Content == "" {
			return nil
		}

		for _, segment := range s.cutSegments(cursor, d.Content) {
			voiceText, _ := s.toVoiceText(cursor, segment)
			responseText.WriteString(segment)
			if err := onResponse(LLMResponse{ContextID: contextID, Text: segment, VoiceText: voiceText}); err != nil {
				return err
			}
		}
		return nil
	}

	if err := s.client.StreamChat(ctx, messages, tools, func(d ProviderDelta) error {
		if streamErr != nil {
			return streamErr
		}
		if err := onDelta(d); err != nil {
			streamErr = err
			return err
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLLMStream, err)
	}
	if streamErr != nil {
		return nil, streamErr
	}

	if cursor.buffer != "" {
		voiceText, _ := s.toVoiceText(cursor, cursor.buffer)
		responseText.WriteString(cursor.buffer)
		if err := onResponse(LLMResponse{ContextID: contextID, Text: cursor.buffer, VoiceText: voiceText}); err != nil {
			return nil, err
		}
	}

	if len(toolCalls) == 0 {
		return messages, nil
	}

	calls := make([]ToolCall, len(toolCalls))
	for i, tc := range toolCalls {
		calls[i] = ToolCall{ID: tc.id, Name: tc.name, Arguments: tc.args}
	}

	s.mu.RLock()
	hook := s.onBeforeToolCalls
	s.mu.RUnlock()
	if hook != nil {
		if err := hook(ctx, calls); err != nil {
			return nil, fmt.Errorf("on_before_tool_calls: %w", err)
		}
	}

	extended := append([]LLMMessage(nil), messages...)
	for _, tc := range calls {
		if err := onResponse(LLMResponse{ContextID: contextID, ToolCall: &tc}); err != nil {
			return nil, err
		}

		s.mu.RLock()
		fn := s.toolFuncs[tc.Name]
		s.mu.RUnlock()

		var result string
		if fn == nil {
			result = fmt.Sprintf("error: unknown tool %q", tc.Name)
		} else {
			args, err := tc.ParsedArguments()
			if err != nil {
				result = fmt.Sprintf("error: %v", err)
			} else if res, err := fn(ctx, args); err != nil {
				s.logger.Warn("tool execution failed", "tool", tc.Name, "error", err)
				result = fmt.Sprintf("error: %v", fmt.Errorf("%w: %v", ErrToolExecution, err))
			} else {
				result = res
			}
		}

		extended = append(extended,
			LLMMessage{Role: "assistant", ToolCallID: tc.ID, ToolName: tc.Name, Content: tc.Arguments},
			LLMMessage{Role: "tool", ToolCallID: tc.ID, ToolName: tc.Name, Content: result},
		)
	}

	return s.runRound(ctx, contextID, extended, tools, onResponse, responseText)
}
