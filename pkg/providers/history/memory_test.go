package history

import (
	"context"
	"testing"
	"time"

	"github.com/voicepipe/sts-orchestrator/pkg/orchestrator"
)

func TestMemoryContextManagerAppendsAndReturnsInOrder(t *testing.T) {
	m := NewMemoryContextManager(0)
	ctx := context.Background()

	if err := m.AddHistories(ctx, "ctx1", []orchestrator.LLMMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}, "schema1"); err != nil {
		t.Fatalf("AddHistories: %v", err)
	}

	got, err := m.GetHistories(ctx, "ctx1", 0)
	if err != nil {
		t.Fatalf("GetHistories: %v", err)
	}
	if len(got) != 2 || got[0].Content != "hi" || got[1].Content != "hello" {
		t.Fatalf("unexpected history: %+v", got)
	}
}

func TestMemoryContextManagerLimitReturnsMostRecent(t *testing.T) {
	m := NewMemoryContextManager(0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = m.AddHistories(ctx, "ctx1", []orchestrator.LLMMessage{{Role: "user", Content: string(rune('a' + i))}}, "schema1")
	}

	got, err := m.GetHistories(ctx, "ctx1", 2)
	if err != nil {
		t.Fatalf("GetHistories: %v", err)
	}
	if len(got) != 2 || got[0].Content != "d" || got[1].Content != "e" {
		t.Fatalf("unexpected limited history: %+v", got)
	}
}

func TestMemoryContextManagerIsolatesContexts(t *testing.T) {
	m := NewMemoryContextManager(0)
	ctx := context.Background()

	_ = m.AddHistories(ctx, "ctx1", []orchestrator.LLMMessage{{Role: "user", Content: "one"}}, "s")
	_ = m.AddHistories(ctx, "ctx2", []orchestrator.LLMMessage{{Role: "user", Content: "two"}}, "s")

	got1, _ := m.GetHistories(ctx, "ctx1", 0)
	got2, _ := m.GetHistories(ctx, "ctx2", 0)
	if len(got1) != 1 || got1[0].Content != "one" {
		t.Fatalf("ctx1 leaked: %+v", got1)
	}
	if len(got2) != 1 || got2[0].Content != "two" {
		t.Fatalf("ctx2 leaked: %+v", got2)
	}

	m.Clear("ctx1")
	got1, _ = m.GetHistories(ctx, "ctx1", 0)
	if len(got1) != 0 {
		t.Fatalf("expected ctx1 cleared, got %+v", got1)
	}
}

func TestMemoryContextManagerExcludesStaleEntries(t *testing.T) {
	m := NewMemoryContextManager(20 * time.Millisecond)
	ctx := context.Background()

	_ = m.AddHistories(ctx, "ctx1", []orchestrator.LLMMessage{{Role: "user", Content: "stale"}}, "s")
	time.Sleep(30 * time.Millisecond)
	_ = m.AddHistories(ctx, "ctx1", []orchestrator.LLMMessage{{Role: "user", Content: "fresh"}}, "s")

	got, err := m.GetHistories(ctx, "ctx1", 0)
	if err != nil {
		t.Fatalf("GetHistories: %v", err)
	}
	if len(got) != 1 || got[0].Content != "fresh" {
		t.Fatalf("expected only the fresh entry, got %+v", got)
	}
}
