package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/voicepipe/sts-orchestrator/pkg/orchestrator"
)

func TestQueueSinkDrainsRecords(t *testing.T) {
	var mu sync.Mutex
	var got []orchestrator.PerformanceRecord

	q := NewQueueSink(4, nil, func(rec orchestrator.PerformanceRecord) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, rec)
	})

	for i := 0; i < 3; i++ {
		if err := q.Record(orchestrator.PerformanceRecord{TransactionID: string(rune('a' + i))}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected 3 drained records, got %d", len(got))
	}
}

func TestQueueSinkDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})

	q := NewQueueSink(1, nil, func(rec orchestrator.PerformanceRecord) {
		close(started)
		<-block
	})

	// First record is picked up by the worker and blocks on <-block.
	if err := q.Record(orchestrator.PerformanceRecord{TransactionID: "1"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	<-started

	// Fill the buffer, then overflow it; overflow must not block the caller.
	if err := q.Record(orchestrator.PerformanceRecord{TransactionID: "2"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = q.Record(orchestrator.PerformanceRecord{TransactionID: "3"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}

	close(block)
	_ = q.Close()
}
