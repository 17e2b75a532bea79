package metrics

import (
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/voicepipe/sts-orchestrator/pkg/orchestrator"
)

func TestPostgresSinkInsertsRecord(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	rec := orchestrator.PerformanceRecord{
		TransactionID: "tx1",
		ContextID:     "ctx1",
		UserID:        "user1",
		STTName:       "openai-stt",
		LLMName:       "openai-llm",
		TTSName:       "lokutor",
	}

	mock.ExpectExec("INSERT INTO performance_records").
		WithArgs(
			rec.TransactionID, rec.ContextID, rec.UserID, rec.VoiceLength,
			rec.STTTime, rec.StopResponseTime, rec.LLMFirstChunkTime, rec.LLMFirstVoiceChunkTime,
			rec.LLMTime, rec.TTSFirstChunkTime, rec.TTSTime, rec.TotalTime,
			rec.STTName, rec.LLMName, rec.TTSName,
			rec.RequestText, rec.ResponseText, rec.ResponseVoiceText, rec.RequestFiles,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	sink := &PostgresSink{pool: mock}
	sink.queue = NewQueueSink(4, nil, sink.insert)

	if err := sink.Record(rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := sink.queue.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}
