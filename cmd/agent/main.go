package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"
	"github.com/voicepipe/sts-orchestrator/pkg/orchestrator"
	"github.com/voicepipe/sts-orchestrator/pkg/providers/history"
	llmProvider "github.com/voicepipe/sts-orchestrator/pkg/providers/llm"
	"github.com/voicepipe/sts-orchestrator/pkg/providers/logging"
	"github.com/voicepipe/sts-orchestrator/pkg/providers/metrics"
	sttProvider "github.com/voicepipe/sts-orchestrator/pkg/providers/stt"
	ttsProvider "github.com/voicepipe/sts-orchestrator/pkg/providers/tts"
)

const (
	sampleRate = 44100
	channels   = 1
)

// speakerHandler plays synthesized audio to the duplex device's output
// buffer and feeds every played chunk back into the echo suppressor so
// the VAD's linear-16 transform can cancel self-ingestion.
type speakerHandler struct {
	mu     sync.Mutex
	buf    []byte
	echo   *orchestrator.EchoSuppressor
	tts    orchestrator.TTSProvider
	logger orchestrator.Logger
}

func (h *speakerHandler) HandleResponse(ctx context.Context, resp orchestrator.STSResponse) error {
	switch resp.Type {
	case orchestrator.RespChunk:
		if len(resp.AudioData) == 0 {
			return nil
		}
		h.echo.RecordPlayedAudio(resp.AudioData)
		h.mu.Lock()
		h.buf = append(h.buf, resp.AudioData...)
		h.mu.Unlock()
	case orchestrator.RespFinal:
		h.logger.Info("turn finished", "context_id", resp.ContextID, "text", resp.Text)
	}
	return nil
}

func (h *speakerHandler) StopResponse(ctx context.Context, contextID string) error {
	h.mu.Lock()
	h.buf = nil
	h.mu.Unlock()
	h.echo.ClearEchoBuffer()
	return h.tts.Abort()
}

func (h *speakerHandler) fillPlayback(out []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := copy(out, h.buf)
	h.buf = h.buf[n:]
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("note: no .env file found, using system environment variables")
	}

	logger := logging.New(slog.Default())

	groqKey := os.Getenv("GROQ_API_KEY")
	openaiKey := os.Getenv("OPENAI_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	googleKey := os.Getenv("GOOGLE_API_KEY")
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	assemblyKey := os.Getenv("ASSEMBLYAI_API_KEY")
	lokutorKey := os.Getenv("LOKUTOR_API_KEY")

	sttProviderName := envOr("STT_PROVIDER", "groq")
	llmProviderName := envOr("LLM_PROVIDER", "groq")
	lang := orchestrator.Language(envOr("AGENT_LANGUAGE", string(orchestrator.LanguageEs)))

	if lokutorKey == "" {
		log.Fatal("LOKUTOR_API_KEY must be set")
	}

	var stt orchestrator.STTProvider
	switch sttProviderName {
	case "openai":
		requireKey("OPENAI_API_KEY", openaiKey)
		stt = sttProvider.NewOpenAISTT(openaiKey, "whisper-1")
	case "deepgram":
		requireKey("DEEPGRAM_API_KEY", deepgramKey)
		stt = sttProvider.NewDeepgramSTT(deepgramKey)
	case "assemblyai":
		requireKey("ASSEMBLYAI_API_KEY", assemblyKey)
		stt = sttProvider.NewAssemblyAISTT(assemblyKey)
	case "groq":
		fallthrough
	default:
		requireKey("GROQ_API_KEY", groqKey)
		stt = sttProvider.NewGroqSTT(groqKey, envOr("GROQ_STT_MODEL", "whisper-large-v3-turbo"))
	}

	var llm orchestrator.LLMClient
	switch llmProviderName {
	case "openai":
		requireKey("OPENAI_API_KEY", openaiKey)
		llm = llmProvider.NewOpenAILLM(openaiKey, "gpt-4o")
	case "anthropic":
		requireKey("ANTHROPIC_API_KEY", anthropicKey)
		llm = llmProvider.NewAnthropicLLM(anthropicKey, "claude-3-5-sonnet-20241022")
	case "google":
		requireKey("GOOGLE_API_KEY", googleKey)
		llm = llmProvider.NewGoogleLLM(googleKey, "gemini-1.5-flash")
	case "groq":
		fallthrough
	default:
		requireKey("GROQ_API_KEY", groqKey)
		llm = llmProvider.NewGroqLLM(groqKey, "llama-3.3-70b-versatile")
	}

	tts := ttsProvider.NewLokutorTTS(lokutorKey)

	fmt.Printf("Configured: STT=%s | LLM=%s | TTS=lokutor | lang=%s\n", sttProviderName, llmProviderName, lang)
	fmt.Println("Voice agent started, listening to microphone. Press Ctrl+C to exit.")

	cfg := orchestrator.DefaultConfig()
	cfg.SampleRate = sampleRate
	cfg.Channels = channels
	cfg.Language = lang

	contextID := "agent-session"

	echo := orchestrator.NewEchoSuppressor()
	handler := &speakerHandler{echo: echo, tts: tts, logger: logger}

	cm := history.NewMemoryContextManager(time.Duration(cfg.ContextTimeout * float64(time.Second)))
	metricsSink := metrics.NewQueueSink(64, logger, func(rec orchestrator.PerformanceRecord) {
		logger.Info("turn metrics",
			"context_id", rec.ContextID, "stt_time", rec.STTTime, "llm_time", rec.LLMTime,
			"tts_first_chunk_time", rec.TTSFirstChunkTime, "total_time", rec.TotalTime)
	})
	defer metricsSink.Close()

	pipeline := orchestrator.NewPipeline(stt, llm, tts, cm, metricsSink, handler, cfg, "agent-v1", logger)

	systemPrompt := "You are a helpful and concise voice assistant. Use short sentences suitable for speech."
	if lang == orchestrator.LanguageEs {
		systemPrompt = "Eres un asistente de voz util y conciso. Usa frases cortas adecuadas para el habla."
	}
	if err := cm.AddHistories(context.Background(), contextID, []orchestrator.LLMMessage{{Role: "system", Content: systemPrompt}}, "agent-v1"); err != nil {
		logger.Warn("failed to seed system prompt", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vad := orchestrator.NewVAD(cfg, contextID, logger)
	vad.SetToLinear16(echo.RemoveEchoRealtime)
	session := &orchestrator.Session{ID: contextID, VAD: vad}
	vad.SetOnUtterance(func(u orchestrator.Utterance) {
		turnCtx := session.BeginTurn(ctx)
		ch, errFn := pipeline.Invoke(turnCtx, orchestrator.STSRequest{
			ContextID: contextID, AudioData: u.Bytes, AudioDuration: u.Duration,
		})
		for resp := range ch {
			if err := handler.HandleResponse(turnCtx, resp); err != nil {
				logger.Warn("transport delivery failed", "error", fmt.Errorf("%w: %v", orchestrator.ErrTransport, err))
			}
		}
		if err := errFn(); err != nil {
			logger.Warn("turn error", "error", err)
		}
	})

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mctx.Uninit()

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			if _, err := vad.Process(pInput); err != nil {
				logger.Warn("vad process failed", "error", err)
			}
		}
		if pOutput != nil {
			handler.fillPlayback(pOutput)
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = channels
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = channels
	deviceConfig.SampleRate = sampleRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		log.Fatal(err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatal(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nShutting down...")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func requireKey(name, value string) {
	if value == "" {
		log.Fatalf("%s must be set", name)
	}
}
