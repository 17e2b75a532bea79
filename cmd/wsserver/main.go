// Command wsserver exposes the pipeline over the websocket wire
// envelopes named in the specification's external-interfaces section:
// one session per connection, speech chunks and text turns in,
// start/chunk/tool_call/final/stop frames out.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/voicepipe/sts-orchestrator/pkg/orchestrator"
	"github.com/voicepipe/sts-orchestrator/pkg/providers/history"
	llmProvider "github.com/voicepipe/sts-orchestrator/pkg/providers/llm"
	"github.com/voicepipe/sts-orchestrator/pkg/providers/logging"
	"github.com/voicepipe/sts-orchestrator/pkg/providers/metrics"
	sttProvider "github.com/voicepipe/sts-orchestrator/pkg/providers/stt"
	ttsProvider "github.com/voicepipe/sts-orchestrator/pkg/providers/tts"
)

// inboundFrame is the client->server wire shape: {type, session_id,
// audio_data?:base64, text?}.
type inboundFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	AudioData string `json:"audio_data,omitempty"`
	Text      string `json:"text,omitempty"`
}

// outboundFrame is the server->client wire shape for every STSResponse
// variant named in the spec.
type outboundFrame struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id"`
	Text      string                 `json:"text,omitempty"`
	VoiceText string                 `json:"voice_text,omitempty"`
	AudioData []byte                 `json:"audio_data,omitempty"`
	ToolCall  *orchestrator.ToolCall `json:"tool_call,omitempty"`
}

// connHandler implements orchestrator.ResponseHandler for one
// websocket connection, serializing writes and translating the stop
// signal into a barge-in frame the client uses to cut audio playback.
type connHandler struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (h *connHandler) HandleResponse(ctx context.Context, resp orchestrator.STSResponse) error {
	return h.write(ctx, outboundFrame{
		Type:      string(resp.Type),
		SessionID: resp.ContextID,
		Text:      resp.Text,
		VoiceText: resp.VoiceText,
		AudioData: resp.AudioData,
		ToolCall:  resp.ToolCall,
	})
}

func (h *connHandler) StopResponse(ctx context.Context, contextID string) error {
	return h.write(ctx, outboundFrame{Type: string(orchestrator.RespStop), SessionID: contextID})
}

func (h *connHandler) write(ctx context.Context, frame outboundFrame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return wsjson.Write(ctx, h.conn, frame)
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("note: no .env file found, using system environment variables")
	}

	logger := logging.New(slog.Default())

	stt, llm, tts := buildProviders(logger)

	cfg := orchestrator.DefaultConfig()
	if v := os.Getenv("AGENT_LANGUAGE"); v != "" {
		cfg.Language = orchestrator.Language(v)
	}

	cm := buildContextManager(cfg, logger)

	metricsSink := metrics.NewQueueSink(256, logger, func(rec orchestrator.PerformanceRecord) {
		logger.Info("turn metrics", "context_id", rec.ContextID, "total_time", rec.TotalTime)
	})
	defer metricsSink.Close()

	vadTemplate := orchestrator.NewVAD(cfg, "template", logger)
	registry := orchestrator.NewSessionRegistry(vadTemplate)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleConn(w, r, registry, stt, llm, tts, cm, metricsSink, cfg, logger)
	})

	addr := ":" + envOr("WSSERVER_ADDR_PORT", "8090")
	logger.Info("wsserver listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}

func handleConn(
	w http.ResponseWriter, r *http.Request,
	registry *orchestrator.SessionRegistry,
	stt orchestrator.STTProvider, llm orchestrator.LLMClient, tts orchestrator.TTSProvider,
	cm orchestrator.ContextManager, metricsSink orchestrator.MetricsSink,
	cfg orchestrator.Config, logger orchestrator.Logger,
) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	handler := &connHandler{conn: conn}
	pipeline := orchestrator.NewPipeline(stt, llm, tts, cm, metricsSink, handler, cfg, "wsserver-v1", logger)

	ctx := r.Context()
	var session *orchestrator.Session

	for {
		var msg inboundFrame
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			logger.Debug("connection closed", "error", err)
			return
		}

		if msg.SessionID == "" {
			continue
		}
		if session == nil || session.ID != msg.SessionID {
			session = registry.GetSession(msg.SessionID)
			if vad, ok := session.VAD.(*orchestrator.VAD); ok {
				vad.SetOnUtterance(func(u orchestrator.Utterance) {
					runTurn(ctx, pipeline, handler, session, orchestrator.STSRequest{
						ContextID: u.SessionID, AudioData: u.Bytes, AudioDuration: u.Duration,
					}, logger)
				})
			}
		}

		switch msg.Type {
		case "start":
			if msg.Text != "" {
				go runTurn(ctx, pipeline, handler, session, orchestrator.STSRequest{ContextID: msg.SessionID, Text: msg.Text}, logger)
			}
		case "data":
			if msg.AudioData == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(msg.AudioData)
			if err != nil {
				logger.Warn("invalid base64 audio_data", "error", err)
				continue
			}
			if _, err := session.VAD.Process(pcm); err != nil {
				logger.Warn("vad process failed", "error", err)
			}
		case "stop":
			registry.DeleteSession(msg.SessionID)
			return
		}
	}
}

// runTurn preempts whatever turn is currently in flight for session via
// Session.BeginTurn, then drains Invoke's channel, forwarding every
// event to handler.HandleResponse so chunk/tool_call/final frames
// actually reach the client.
func runTurn(parent context.Context, pipeline *orchestrator.Pipeline, handler *connHandler, session *orchestrator.Session, req orchestrator.STSRequest, logger orchestrator.Logger) {
	ctx := session.BeginTurn(parent)

	ch, errFn := pipeline.Invoke(ctx, req)
	for resp := range ch {
		if err := handler.HandleResponse(ctx, resp); err != nil {
			logger.Warn("transport delivery failed", "error", fmt.Errorf("%w: %v", orchestrator.ErrTransport, err))
		}
	}
	if err := errFn(); err != nil {
		logger.Warn("turn error", "context_id", req.ContextID, "error", err)
	}
}

func buildProviders(logger orchestrator.Logger) (orchestrator.STTProvider, orchestrator.LLMClient, orchestrator.TTSProvider) {
	lokutorKey := mustEnv("LOKUTOR_API_KEY")

	var stt orchestrator.STTProvider
	switch envOr("STT_PROVIDER", "groq") {
	case "openai":
		stt = sttProvider.NewOpenAISTT(mustEnv("OPENAI_API_KEY"), "whisper-1")
	case "deepgram":
		stt = sttProvider.NewDeepgramSTT(mustEnv("DEEPGRAM_API_KEY"))
	case "assemblyai":
		stt = sttProvider.NewAssemblyAISTT(mustEnv("ASSEMBLYAI_API_KEY"))
	default:
		stt = sttProvider.NewGroqSTT(mustEnv("GROQ_API_KEY"), envOr("GROQ_STT_MODEL", "whisper-large-v3-turbo"))
	}

	var llm orchestrator.LLMClient
	switch envOr("LLM_PROVIDER", "groq") {
	case "openai":
		llm = llmProvider.NewOpenAILLM(mustEnv("OPENAI_API_KEY"), "gpt-4o")
	case "anthropic":
		llm = llmProvider.NewAnthropicLLM(mustEnv("ANTHROPIC_API_KEY"), "claude-3-5-sonnet-20241022")
	case "google":
		llm = llmProvider.NewGoogleLLM(mustEnv("GOOGLE_API_KEY"), "gemini-1.5-flash")
	default:
		llm = llmProvider.NewGroqLLM(mustEnv("GROQ_API_KEY"), "llama-3.3-70b-versatile")
	}

	tts := ttsProvider.NewLokutorTTS(lokutorKey)
	logger.Info("providers configured", "stt", stt.Name(), "llm", llm.Name(), "tts", tts.Name())
	return stt, llm, tts
}

// buildContextManager prefers a shared Redis-backed store (so multiple
// wsserver instances can share history behind a load balancer) and
// falls back to an in-process store when REDIS_ADDR is unset.
func buildContextManager(cfg orchestrator.Config, logger orchestrator.Logger) orchestrator.ContextManager {
	maxAge := time.Duration(cfg.ContextTimeout * float64(time.Second))

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		logger.Info("REDIS_ADDR unset, using in-process context manager")
		return history.NewMemoryContextManager(maxAge)
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	cm, err := history.NewRedisContextManager(history.RedisConfig{Client: client, ContextTimeout: maxAge})
	if err != nil {
		logger.Warn("redis context manager unavailable, falling back to in-process", "error", err)
		return history.NewMemoryContextManager(maxAge)
	}
	return cm
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("%s must be set", key)
	}
	return v
}
