package orchestrator

import "errors"

var (
	// ErrInputEmpty means a turn carried no text, no audio, and no files;
	// the turn terminates silently with no responses and no persistence.
	ErrInputEmpty = errors.New("turn has no text, audio, or files")

	// ErrSTTUnavailable is a transient upstream transcription failure; the
	// turn terminates silently, no history is written.
	ErrSTTUnavailable = errors.New("speech-to-text provider unavailable")

	// ErrSTTEmpty means transcription succeeded but recognized no speech.
	ErrSTTEmpty = errors.New("speech-to-text recognized no speech")

	// ErrLLMStream is a mid-stream provider failure; it aborts the turn
	// and no history is persisted.
	ErrLLMStream = errors.New("language model stream failed")

	// ErrToolExecution wraps a tool function's error; it is never fatal,
	// its message becomes the tool-result content.
	ErrToolExecution = errors.New("tool execution failed")

	// ErrTTSChunk is a per-chunk synthesis failure; it is localized, the
	// chunk carries empty audio but keeps its text.
	ErrTTSChunk = errors.New("text-to-speech chunk synthesis failed")

	// ErrTransport is a downstream adapter delivery failure; it is logged
	// and the turn continues, never retried.
	ErrTransport = errors.New("transport adapter delivery failed")

	// ErrVADInput flags a malformed (odd-length) PCM chunk; the chunk is
	// dropped, VAD state is untouched.
	ErrVADInput = errors.New("PCM chunk has odd byte length")
)
