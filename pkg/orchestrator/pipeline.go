package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChunkMeta is returned by the process_llm_chunk hook. Language is
// sticky: once set by any chunk, it governs every subsequent TTS call
// in the turn until overridden by a later chunk.
type ChunkMeta struct {
	Language Language
}

// Hooks are the caller-installed extension points named in the
// specification's Design Notes. Every field has a documented no-op
// default, set by NewPipeline.
type Hooks struct {
	OnBeforeLLM     func(ctx context.Context, contextID, text string, files []FileRef) error
	OnBeforeTTS     func(ctx context.Context, contextID string) error
	OnFinish        func(ctx context.Context, req STSRequest, final STSResponse, rec PerformanceRecord)
	ProcessLLMChunk func(ctx context.Context, chunk LLMResponse) (ChunkMeta, error)
}

func defaultHooks() Hooks {
	return Hooks{
		OnBeforeLLM: func(ctx context.Context, contextID, text string, files []FileRef) error { return nil },
		OnBeforeTTS: func(ctx context.Context, contextID string) error { return nil },
		OnFinish:    func(ctx context.Context, req STSRequest, final STSResponse, rec PerformanceRecord) {},
		ProcessLLMChunk: func(ctx context.Context, chunk LLMResponse) (ChunkMeta, error) {
			return ChunkMeta{}, nil
		},
	}
}

// Pipeline executes one conversational turn end-to-end: STT, the
// streaming LLM/segmenter, per-sentence TTS, and metric recording,
// while preempting any response still in flight for the same context.
type Pipeline struct {
	mu sync.RWMutex

	stt             STTProvider
	segmenter       *Segmenter
	tts             TTSProvider
	metrics         MetricsSink
	responseHandler ResponseHandler

	cfg    Config
	hooks  Hooks
	logger Logger
}

// NewPipeline wires one turn's collaborators. responseHandler may be
// nil, in which case stop_response is skipped (useful for text-only or
// test harnesses with no transport yet attached).
func NewPipeline(stt STTProvider, llm LLMClient, tts TTSProvider, cm ContextManager, metrics MetricsSink, responseHandler ResponseHandler, cfg Config, schemaTag string, logger Logger) *Pipeline {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Pipeline{
		stt:             stt,
		segmenter:       NewSegmenter(llm, cm, cfg, schemaTag, logger),
		tts:             tts,
		metrics:         metrics,
		responseHandler: responseHandler,
		cfg:             cfg,
		hooks:           defaultHooks(),
		logger:          logger,
	}
}

func (p *Pipeline) SetHooks(h Hooks) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.OnBeforeLLM != nil {
		p.hooks.OnBeforeLLM = h.OnBeforeLLM
	}
	if h.OnBeforeTTS != nil {
		p.hooks.OnBeforeTTS = h.OnBeforeTTS
	}
	if h.OnFinish != nil {
		p.hooks.OnFinish = h.OnFinish
	}
	if h.ProcessLLMChunk != nil {
		p.hooks.ProcessLLMChunk = h.ProcessLLMChunk
	}
}

// RegisterTool exposes the segmenter's tool registration on the
// pipeline, so callers configure tools in one place.
func (p *Pipeline) RegisterTool(spec ToolSpec, fn ToolFunc) {
	p.segmenter.RegisterTool(spec, fn)
}

func (p *Pipeline) SetRequestFilter(fn func(string) string) {
	p.segmenter.SetRequestFilter(fn)
}

func (p *Pipeline) SetOnBeforeToolCalls(fn func(ctx context.Context, calls []ToolCall) error) {
	p.segmenter.SetOnBeforeToolCalls(fn)
}

// Invoke runs one turn, streaming STSResponse events on the returned
// channel in start, (chunk|tool_call)*, final order. The channel is
// always closed when the turn ends, including silent terminations
// (InputEmpty, STTEmpty) and aborts (LLMStreamError), neither of which
// emit a final. errFn returns the turn's terminal error, valid only
// after the channel is closed.
func (p *Pipeline) Invoke(ctx context.Context, req STSRequest) (responses <-chan STSResponse, errFn func() error) {
	out := make(chan STSResponse, 8)
	var finalErr error
	var once sync.Once
	setErr := func(err error) { once.Do(func() { finalErr = err }) }

	go func() {
		defer close(out)
		p.runTurn(ctx, req, out, setErr)
	}()

	return out, func() error { return finalErr }
}

func (p *Pipeline) runTurn(ctx context.Context, req STSRequest, out chan<- STSResponse, setErr func(error)) {
	p.mu.RLock()
	hooks := p.hooks
	p.mu.RUnlock()

	turnStart := time.Now()
	rec := PerformanceRecord{
		TransactionID: uuid.New().String(),
		ContextID:     req.ContextID,
		UserID:        req.UserID,
		STTName:       providerName(p.stt),
		LLMName:       p.segmenter.client.Name(),
		TTSName:       providerName(p.tts),
		RequestText:   req.Text,
		RequestFiles:  len(req.Files),
	}

	text, resolveErr := p.resolveText(ctx, req, &rec)
	if resolveErr != nil {
		setErr(resolveErr)
		return
	}

	if p.responseHandler != nil {
		if err := p.responseHandler.StopResponse(ctx, req.ContextID); err != nil {
			p.logger.Warn("stop_response failed", "context_id", req.ContextID, "error", err)
		}
		rec.StopResponseTime = time.Since(turnStart).Seconds()
	}

	if err := hooks.OnBeforeLLM(ctx, req.ContextID, text, req.Files); err != nil {
		p.logger.Warn("on_before_llm failed", "error", err)
	}

	if !send(ctx, out, STSResponse{Type: RespStart, ContextID: req.ContextID, UserID: req.UserID}) {
		return
	}

	var firstChunk, firstVoiceChunk, firstTTSChunk bool
	var ttsHookFired bool
	var language Language = p.cfg.Language
	var concatText, concatVoiceText string

	onResponse := func(chunk LLMResponse) error {
		if !firstChunk {
			firstChunk = true
			rec.LLMFirstChunkTime = time.Since(turnStart).Seconds()
		}

		if chunk.ToolCall != nil {
			if !send(ctx, out, STSResponse{Type: RespToolCall, ContextID: req.ContextID, ToolCall: chunk.ToolCall}) {
				return ctx.Err()
			}
			return nil
		}

		if chunk.VoiceText != "" {
			if !firstVoiceChunk {
				firstVoiceChunk = true
				rec.LLMFirstVoiceChunkTime = time.Since(turnStart).Seconds()
			}
			if !ttsHookFired {
				ttsHookFired = true
				if err := hooks.OnBeforeTTS(ctx, req.ContextID); err != nil {
					p.logger.Warn("on_before_tts failed", "error", err)
				}
			}
		}

		if meta, err := hooks.ProcessLLMChunk(ctx, chunk); err != nil {
			p.logger.Warn("process_llm_chunk failed", "error", err)
		} else if meta.Language != "" {
			language = meta.Language
		}

		var audio []byte
		if chunk.VoiceText != "" {
			a, err := p.tts.Synthesize(ctx, chunk.VoiceText, StyleInfo{StyledText: chunk.Text}, p.cfg.VoiceStyle, language)
			if err != nil {
				p.logger.Warn("tts chunk synthesis failed", "error", fmt.Errorf("%w: %v", ErrTTSChunk, err))
			} else {
				audio = a
				if !firstTTSChunk && len(audio) > 0 {
					firstTTSChunk = true
					rec.TTSFirstChunkTime = time.Since(turnStart).Seconds()
				}
			}
		}

		concatText += chunk.Text
		concatVoiceText += chunk.VoiceText

		if !send(ctx, out, STSResponse{
			Type:      RespChunk,
			ContextID: req.ContextID,
			Text:      chunk.Text,
			VoiceText: chunk.VoiceText,
			AudioData: audio,
		}) {
			return ctx.Err()
		}
		return nil
	}

	err := p.segmenter.ChatStream(ctx, req.ContextID, text, req.Files, onResponse)
	rec.LLMTime = time.Since(turnStart).Seconds()
	if firstTTSChunk {
		rec.TTSTime = time.Since(turnStart).Seconds()
	}

	if err != nil {
		setErr(err)
		p.logger.Error("turn aborted", "context_id", req.ContextID, "error", err)
		rec.TotalTime = time.Since(turnStart).Seconds()
		p.recordMetrics(rec)
		return
	}

	final := STSResponse{Type: RespFinal, ContextID: req.ContextID, Text: concatText, VoiceText: concatVoiceText}
	send(ctx, out, final)

	rec.TotalTime = time.Since(turnStart).Seconds()
	rec.ResponseText = concatText
	rec.ResponseVoiceText = concatVoiceText
	p.recordMetrics(rec)

	hooks.OnFinish(ctx, req, final, rec)
}

// resolveText implements step 2 of the turn protocol. A non-nil error
// means the turn must terminate silently; runTurn records it as the
// turn's terminal error.
func (p *Pipeline) resolveText(ctx context.Context, req STSRequest, rec *PerformanceRecord) (string, error) {
	switch {
	case req.Text != "":
		return req.Text, nil

	case len(req.AudioData) > 0:
		sttStart := time.Now()
		transcript, err := p.stt.Transcribe(ctx, req.AudioData, p.cfg.Language)
		rec.STTTime = time.Since(sttStart).Seconds()
		rec.VoiceLength = req.AudioDuration
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrSTTUnavailable, err)
			p.logger.Warn("stt transcription failed", "error", err)
			return "", err
		}
		if transcript == "" {
			p.logger.Debug("stt recognized no speech", "context_id", req.ContextID, "error", ErrSTTEmpty)
			return "", ErrSTTEmpty
		}
		return transcript, nil

	case len(req.Files) > 0:
		return "", nil

	default:
		p.logger.Debug("empty turn input", "context_id", req.ContextID, "error", ErrInputEmpty)
		return "", ErrInputEmpty
	}
}

func (p *Pipeline) recordMetrics(rec PerformanceRecord) {
	if p.metrics == nil {
		return
	}
	if err := p.metrics.Record(rec); err != nil {
		p.logger.Warn("metrics record failed", "error", err)
	}
}

func providerName(v interface{ Name() string }) string {
	if v == nil {
		return ""
	}
	return v.Name()
}

// send delivers resp on out, honoring ctx cancellation. Returns false
// when ctx ended before delivery.
func send(ctx context.Context, out chan<- STSResponse, resp STSResponse) bool {
	select {
	case out <- resp:
		return true
	case <-ctx.Done():
		return false
	}
}
