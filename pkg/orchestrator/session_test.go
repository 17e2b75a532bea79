package orchestrator

import (
	"context"
	"testing"
)

func TestSessionRegistryCreatesOnMiss(t *testing.T) {
	reg := NewSessionRegistry(NewVAD(testConfig(), "template", nil))
	s1 := reg.GetSession("a")
	s2 := reg.GetSession("a")
	if s1 != s2 {
		t.Fatalf("expected the same session instance on repeated GetSession")
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", reg.Len())
	}
}

func TestSessionRegistryCrossKeyIndependence(t *testing.T) {
	reg := NewSessionRegistry(NewVAD(testConfig(), "template", nil))
	a := reg.GetSession("a")
	b := reg.GetSession("b")
	if a.VAD == b.VAD {
		t.Fatalf("sessions must not share VAD state")
	}

	a.Set("k", "v")
	if _, ok := b.Get("k"); ok {
		t.Fatalf("session data must not leak across keys")
	}
}

func TestSessionRegistryResetRetainsEntry(t *testing.T) {
	reg := NewSessionRegistry(NewVAD(testConfig(), "template", nil))
	s := reg.GetSession("a")
	if _, err := s.VAD.Process(pcmChunk(8000, 5000)); err != nil {
		t.Fatalf("process: %v", err)
	}

	reg.ResetSession("a")
	if reg.Len() != 1 {
		t.Fatalf("reset must retain the entry")
	}
	if s.VAD.(*VAD).IsRecording() {
		t.Fatalf("reset must clear recording state")
	}
}

func TestSessionBeginTurnCancelsPriorTurn(t *testing.T) {
	s := &Session{ID: "a"}
	parent := context.Background()

	first := s.BeginTurn(parent)
	second := s.BeginTurn(parent)

	select {
	case <-first.Done():
	default:
		t.Fatalf("expected the first turn's context to be cancelled once a second turn begins")
	}
	select {
	case <-second.Done():
		t.Fatalf("second turn's context must still be live")
	default:
	}
}

func TestSessionBeginTurnHonorsParentCancellation(t *testing.T) {
	s := &Session{ID: "a"}
	parent, cancel := context.WithCancel(context.Background())

	ctx := s.BeginTurn(parent)
	cancel()

	select {
	case <-ctx.Done():
	default:
		t.Fatalf("expected turn context to be cancelled when its parent is cancelled")
	}
}

func TestSessionRegistryDeleteRemovesEntry(t *testing.T) {
	reg := NewSessionRegistry(NewVAD(testConfig(), "template", nil))
	reg.GetSession("a")
	reg.DeleteSession("a")
	if reg.Len() != 0 {
		t.Fatalf("expected 0 sessions after delete, got %d", reg.Len())
	}
}
