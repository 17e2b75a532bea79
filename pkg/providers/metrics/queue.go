// Package metrics provides MetricsSink implementations: an in-process
// buffered queue for tests and lightweight deployments, and a Postgres
// sink for durable per-turn latency records.
package metrics

import (
	"sync"

	"github.com/voicepipe/sts-orchestrator/pkg/orchestrator"
)

// QueueSink buffers PerformanceRecords in a channel drained by a single
// background worker, so Record never blocks the turn on slow downstream
// persistence. Records are dropped, not blocked on, once the queue is full.
type QueueSink struct {
	records chan orchestrator.PerformanceRecord
	drain   func(orchestrator.PerformanceRecord)
	logger  orchestrator.Logger

	wg       sync.WaitGroup
	closeOnc sync.Once
}

// NewQueueSink starts a QueueSink with the given buffer depth, calling
// drain for every record pulled off the queue. drain runs on a single
// goroutine, so it does not need its own synchronization.
func NewQueueSink(bufferSize int, logger orchestrator.Logger, drain func(orchestrator.PerformanceRecord)) *QueueSink {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	q := &QueueSink{
		records: make(chan orchestrator.PerformanceRecord, bufferSize),
		drain:   drain,
		logger:  logger,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

var _ orchestrator.MetricsSink = (*QueueSink)(nil)

func (q *QueueSink) run() {
	defer q.wg.Done()
	for rec := range q.records {
		q.drain(rec)
	}
}

func (q *QueueSink) Record(rec orchestrator.PerformanceRecord) error {
	select {
	case q.records <- rec:
		return nil
	default:
		q.logger.Warn("metrics queue full, dropping record", "context_id", rec.ContextID)
		return nil
	}
}

func (q *QueueSink) Close() error {
	q.closeOnc.Do(func() {
		close(q.records)
	})
	q.wg.Wait()
	return nil
}
