package orchestrator

import (
	"math"
	"testing"
)

func pcmChunk(samples int, amplitude int16) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		out[2*i] = byte(amplitude)
		out[2*i+1] = byte(amplitude >> 8)
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SampleRate = 16000
	cfg.Channels = 1
	cfg.VolumeDBThreshold = -40.0
	cfg.SilenceDurationThreshold = 0.5
	cfg.MinDuration = 0.5
	cfg.MaxDuration = 10.0
	cfg.PrerollBufferCount = 5
	return cfg
}

func TestVADShortBurstDiscarded(t *testing.T) {
	// S1: 7999 loud samples then 8000 silent samples; segment length
	// 0.4999s < 0.5s min duration, so no utterance is emitted.
	v := NewVAD(testConfig(), "s1", nil)
	var captured *Utterance
	v.SetOnUtterance(func(u Utterance) { captured = &u })

	if _, err := v.Process(pcmChunk(7999, 1000)); err != nil {
		t.Fatalf("process loud chunk: %v", err)
	}
	ev, err := v.Process(pcmChunk(8000, 0))
	if err != nil {
		t.Fatalf("process silent chunk: %v", err)
	}
	if ev == nil || ev.Type != VADSpeechEnd {
		t.Fatalf("expected speech end event, got %+v", ev)
	}
	if ev.Utterance != nil {
		t.Fatalf("expected no utterance emitted, got %+v", ev.Utterance)
	}
	if captured != nil {
		t.Fatalf("handler should not have fired for a short burst")
	}
}

func TestVADNormalSegment(t *testing.T) {
	// S2: 8000 samples at amplitude 1200 then 16000 silent samples;
	// expect one utterance with duration ~= 0.5s.
	v := NewVAD(testConfig(), "s2", nil)

	if _, err := v.Process(pcmChunk(8000, 1200)); err != nil {
		t.Fatalf("process loud chunk: %v", err)
	}
	ev, err := v.Process(pcmChunk(16000, 0))
	if err != nil {
		t.Fatalf("process silent chunk: %v", err)
	}
	if ev == nil || ev.Type != VADSpeechEnd || ev.Utterance == nil {
		t.Fatalf("expected an emitted utterance, got %+v", ev)
	}
	if math.Abs(ev.Utterance.Duration-0.5) > 0.01 {
		t.Fatalf("expected duration ~0.5s, got %v", ev.Utterance.Duration)
	}
}

func TestVADOverlongAborted(t *testing.T) {
	// S3: a burst that outgrows max_duration is discarded without
	// emission, and the pre-roll ring survives the abort.
	cfg := testConfig()
	cfg.MaxDuration = 3.0
	v := NewVAD(cfg, "s3", nil)

	var fired bool
	v.SetOnUtterance(func(u Utterance) { fired = true })

	// 3 chunks of 1s each of loud audio: the third chunk reaches max_duration.
	for i := 0; i < 3; i++ {
		if _, err := v.Process(pcmChunk(16000, 2000)); err != nil {
			t.Fatalf("process chunk %d: %v", i, err)
		}
	}
	if v.IsRecording() {
		t.Fatalf("expected recording to have been aborted at max duration")
	}
	if fired {
		t.Fatalf("no utterance should be emitted on an overlong abort")
	}
	if v.PrerollLen() == 0 {
		t.Fatalf("pre-roll ring should be retained after an abort")
	}
}

func TestVADPrerollBounded(t *testing.T) {
	cfg := testConfig()
	cfg.PrerollBufferCount = 3
	v := NewVAD(cfg, "preroll", nil)

	for i := 0; i < 10; i++ {
		if _, err := v.Process(pcmChunk(10, 0)); err != nil {
			t.Fatalf("process: %v", err)
		}
		if v.PrerollLen() > cfg.PrerollBufferCount {
			t.Fatalf("preroll length %d exceeds bound %d", v.PrerollLen(), cfg.PrerollBufferCount)
		}
	}
}

func TestVADIdleInvariant(t *testing.T) {
	v := NewVAD(testConfig(), "idle", nil)
	if v.IsRecording() {
		t.Fatalf("new VAD must start idle")
	}
	if _, err := v.Process(pcmChunk(10, 0)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if v.IsRecording() {
		t.Fatalf("silence must not start a recording")
	}
}

func TestVADMuteClearsStateAndPreroll(t *testing.T) {
	v := NewVAD(testConfig(), "muted", nil)
	v.SetShouldMute(func() bool { return true })

	if _, err := v.Process(pcmChunk(8000, 5000)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if v.IsRecording() {
		t.Fatalf("a muted VAD must never start recording")
	}
	if v.PrerollLen() != 0 {
		t.Fatalf("mute must clear the pre-roll ring")
	}
}

func TestVADOddLengthChunkRejected(t *testing.T) {
	v := NewVAD(testConfig(), "odd", nil)
	if _, err := v.Process([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatalf("expected an error for an odd-length chunk")
	}
}

func TestVADSetVolumeDBThresholdRecomputesLinear(t *testing.T) {
	v := NewVAD(testConfig(), "thresh", nil)
	v.SetVolumeDBThreshold(-20.0)
	want := 32767.0 * math.Pow(10, -20.0/20.0)
	if math.Abs(v.LinearThreshold()-want) > 1e-6 {
		t.Fatalf("linear threshold = %v, want %v", v.LinearThreshold(), want)
	}
}

func TestVADCloneIsIndependent(t *testing.T) {
	v := NewVAD(testConfig(), "orig", nil)
	clone := v.Clone().(*VAD)
	if clone == v {
		t.Fatalf("clone must be a distinct instance")
	}
	if _, err := clone.Process(pcmChunk(8000, 5000)); err != nil {
		t.Fatalf("process on clone: %v", err)
	}
	if v.IsRecording() {
		t.Fatalf("the original VAD must not observe the clone's state")
	}
}
