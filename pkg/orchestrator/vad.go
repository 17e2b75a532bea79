package orchestrator

import (
	"math"
	"sync"
	"time"
)

// VAD is a per-session amplitude-gated Voice Activity Detector. It
// segments a continuous stream of 16-bit little-endian PCM chunks into
// utterances using a linear amplitude threshold, a pre-roll ring that
// avoids clipping the start of speech, and a silence hang-over that
// closes a segment once trailing quiet persists long enough.
type VAD struct {
	mu sync.Mutex

	sampleRate int
	channels   int

	volumeDBThreshold float64
	linearThreshold   float64

	silenceDurationThreshold float64
	minDuration              float64
	maxDuration              float64

	prerollBufferCount int
	preroll            [][]byte

	isRecording     bool
	buffer          []byte
	recordDuration  float64
	silenceDuration float64

	toLinear16  func([]byte) []byte
	shouldMute  func() bool
	onUtterance func(Utterance)

	sessionID string
	logger    Logger
}

// NewVAD builds a VAD for one session from cfg. logger may be nil, in
// which case a NoOpLogger is used.
func NewVAD(cfg Config, sessionID string, logger Logger) *VAD {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	v := &VAD{
		sampleRate:               cfg.SampleRate,
		channels:                 cfg.Channels,
		volumeDBThreshold:        cfg.VolumeDBThreshold,
		silenceDurationThreshold: cfg.SilenceDurationThreshold,
		minDuration:              cfg.MinDuration,
		maxDuration:              cfg.MaxDuration,
		prerollBufferCount:       cfg.PrerollBufferCount,
		sessionID:                sessionID,
		logger:                   logger,
	}
	v.linearThreshold = dbToLinear(cfg.VolumeDBThreshold)
	return v
}

func dbToLinear(db float64) float64 {
	return 32767.0 * math.Pow(10, db/20.0)
}

// SetVolumeDBThreshold recomputes the linear amplitude threshold
// atomically, per the setter invariant in the specification.
func (v *VAD) SetVolumeDBThreshold(db float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.volumeDBThreshold = db
	v.linearThreshold = dbToLinear(db)
}

func (v *VAD) VolumeDBThreshold() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.volumeDBThreshold
}

func (v *VAD) LinearThreshold() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.linearThreshold
}

// SetShouldMute installs the caller-supplied mute predicate, consulted
// at the top of every Process call. While it reports true, sessions are
// reset and the pre-roll ring is cleared, so no self-ingestion occurs
// while the assistant's own voice is playing back.
func (v *VAD) SetShouldMute(fn func() bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.shouldMute = fn
}

// SetOnUtterance installs the fire-and-forget emission handler. Process
// never awaits it; failures are the handler's own concern.
func (v *VAD) SetOnUtterance(fn func(Utterance)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onUtterance = fn
}

// SetToLinear16 installs an optional transform applied to each chunk
// before amplitude measurement.
func (v *VAD) SetToLinear16(fn func([]byte) []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.toLinear16 = fn
}

func (v *VAD) chunkDuration(n int) float64 {
	denom := float64(2 * v.sampleRate * v.channels)
	if denom == 0 {
		return 0
	}
	return float64(n) / denom
}

func maxAmplitude(chunk []byte) int32 {
	var max int32
	for i := 0; i+1 < len(chunk); i += 2 {
		s := int16(uint16(chunk[i]) | uint16(chunk[i+1])<<8)
		a := int32(s)
		if a < 0 {
			a = -a
		}
		if a > max {
			max = a
		}
	}
	return max
}

// Process consumes one chunk for this VAD's session, returning a
// VADEvent on a speech/silence boundary crossing, or nil when the chunk
// caused no transition. It never blocks on the emission handler.
func (v *VAD) Process(chunk []byte) (*VADEvent, error) {
	v.mu.Lock()

	if v.shouldMute != nil && v.shouldMute() {
		v.resetRecordingLocked()
		v.preroll = nil
		v.mu.Unlock()
		return nil, nil
	}

	if len(chunk)%2 != 0 {
		v.mu.Unlock()
		return nil, ErrVADInput
	}

	measured := chunk
	if v.toLinear16 != nil {
		measured = v.toLinear16(chunk)
	}

	amp := maxAmplitude(measured)
	dur := v.chunkDuration(len(chunk))
	now := time.Now()

	var event *VADEvent

	switch {
	case !v.isRecording && float64(amp) > v.linearThreshold:
		v.isRecording = true
		v.buffer = make([]byte, 0, len(chunk)*(v.prerollBufferCount+1))
		var prerollDur float64
		for _, c := range v.preroll {
			v.buffer = append(v.buffer, c...)
			prerollDur += v.chunkDuration(len(c))
		}
		v.buffer = append(v.buffer, chunk...)
		v.recordDuration = prerollDur + dur
		v.silenceDuration = 0
		event = &VADEvent{Type: VADSpeechStart, Timestamp: now.UnixMilli()}

	case v.isRecording:
		v.buffer = append(v.buffer, chunk...)
		v.recordDuration += dur
		if float64(amp) > v.linearThreshold {
			v.silenceDuration = 0
		} else {
			v.silenceDuration += dur
		}

		switch {
		case v.silenceDuration >= v.silenceDurationThreshold:
			emitDuration := v.recordDuration - v.silenceDuration
			bytesOut := v.buffer
			sessionID := v.sessionID
			handler := v.onUtterance
			v.resetRecordingLocked()
			event = &VADEvent{Type: VADSpeechEnd, Timestamp: now.UnixMilli()}
			if emitDuration >= v.minDuration {
				utterance := Utterance{Bytes: bytesOut, Duration: emitDuration, SessionID: sessionID}
				event.Utterance = &utterance
				if handler != nil {
					go handler(utterance)
				}
			}
		case v.recordDuration >= v.maxDuration:
			v.resetRecordingLocked()
			event = &VADEvent{Type: VADSpeechEnd, Timestamp: now.UnixMilli()}
		}
	}

	v.preroll = append(v.preroll, append([]byte(nil), chunk...))
	if len(v.preroll) > v.prerollBufferCount {
		v.preroll = v.preroll[len(v.preroll)-v.prerollBufferCount:]
	}

	v.mu.Unlock()
	return event, nil
}

func (v *VAD) resetRecordingLocked() {
	v.isRecording = false
	v.buffer = nil
	v.recordDuration = 0
	v.silenceDuration = 0
}

// Reset clears recording state and flags but retains the session's
// configuration and pre-roll ring.
func (v *VAD) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.resetRecordingLocked()
}

// Clone produces an independent per-session VAD sharing this one's
// static configuration and to_linear16 transform, but not its recording
// state, pre-roll ring, mute predicate or utterance handler.
func (v *VAD) Clone() VADProvider {
	v.mu.Lock()
	defer v.mu.Unlock()
	return &VAD{
		sampleRate:               v.sampleRate,
		channels:                 v.channels,
		volumeDBThreshold:        v.volumeDBThreshold,
		linearThreshold:          v.linearThreshold,
		silenceDurationThreshold: v.silenceDurationThreshold,
		minDuration:              v.minDuration,
		maxDuration:              v.maxDuration,
		prerollBufferCount:       v.prerollBufferCount,
		toLinear16:               v.toLinear16,
		sessionID:                v.sessionID,
		logger:                   v.logger,
	}
}

func (v *VAD) Name() string {
	return "amplitude_vad"
}

// IsRecording reports whether this session is currently mid-utterance.
func (v *VAD) IsRecording() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.isRecording
}

// PrerollLen reports the current pre-roll ring length, for invariant
// checks in tests.
func (v *VAD) PrerollLen() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.preroll)
}
