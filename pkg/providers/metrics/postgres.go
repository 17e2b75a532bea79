package metrics

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voicepipe/sts-orchestrator/pkg/orchestrator"
)

// pgxExecutor is the subset of pgxpool.Pool PostgresSink needs, narrow
// enough that a pgxmock pool satisfies it in tests.
type pgxExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresSink persists PerformanceRecords to a performance_records table
// through a QueueSink, so a slow or unavailable database never stalls a
// turn's response path.
type PostgresSink struct {
	pool  pgxExecutor
	queue *QueueSink
}

// ConnectPostgresSink parses url, pings the resulting pool, and returns a
// PostgresSink backed by a queue of the given depth.
func ConnectPostgresSink(ctx context.Context, url string, bufferSize int, logger orchestrator.Logger) (*PostgresSink, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("metrics: parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("metrics: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("metrics: ping: %w", err)
	}

	s := &PostgresSink{pool: pool}
	s.queue = NewQueueSink(bufferSize, logger, s.insert)
	return s, nil
}

var _ orchestrator.MetricsSink = (*PostgresSink)(nil)

func (s *PostgresSink) insert(rec orchestrator.PerformanceRecord) {
	_, err := s.pool.Exec(context.Background(), `
		INSERT INTO performance_records (
			transaction_id, context_id, user_id, voice_length,
			stt_time, stop_response_time, llm_first_chunk_time, llm_first_voice_chunk_time,
			llm_time, tts_first_chunk_time, tts_time, total_time,
			stt_name, llm_name, tts_name,
			request_text, response_text, response_voice_text, request_files
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		rec.TransactionID, rec.ContextID, rec.UserID, rec.VoiceLength,
		rec.STTTime, rec.StopResponseTime, rec.LLMFirstChunkTime, rec.LLMFirstVoiceChunkTime,
		rec.LLMTime, rec.TTSFirstChunkTime, rec.TTSTime, rec.TotalTime,
		rec.STTName, rec.LLMName, rec.TTSName,
		rec.RequestText, rec.ResponseText, rec.ResponseVoiceText, rec.RequestFiles,
	)
	if err != nil {
		s.queue.logger.Error("metrics: insert failed", "error", err, "transaction_id", rec.TransactionID)
	}
}

func (s *PostgresSink) Record(rec orchestrator.PerformanceRecord) error {
	return s.queue.Record(rec)
}

func (s *PostgresSink) Close() error {
	err := s.queue.Close()
	s.pool.Close()
	return err
}

// Schema is the DDL expected to exist before ConnectPostgresSink is used.
// Callers are responsible for running migrations; this sink does not
// create its own table.
const Schema = `
CREATE TABLE IF NOT EXISTS performance_records (
	transaction_id          TEXT PRIMARY KEY,
	context_id              TEXT NOT NULL,
	user_id                 TEXT NOT NULL,
	voice_length            DOUBLE PRECISION NOT NULL DEFAULT 0,
	stt_time                DOUBLE PRECISION NOT NULL DEFAULT 0,
	stop_response_time      DOUBLE PRECISION NOT NULL DEFAULT 0,
	llm_first_chunk_time    DOUBLE PRECISION NOT NULL DEFAULT 0,
	llm_first_voice_chunk_time DOUBLE PRECISION NOT NULL DEFAULT 0,
	llm_time                DOUBLE PRECISION NOT NULL DEFAULT 0,
	tts_first_chunk_time    DOUBLE PRECISION NOT NULL DEFAULT 0,
	tts_time                DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_time              DOUBLE PRECISION NOT NULL DEFAULT 0,
	stt_name                TEXT NOT NULL DEFAULT '',
	llm_name                TEXT NOT NULL DEFAULT '',
	tts_name                TEXT NOT NULL DEFAULT '',
	request_text            TEXT NOT NULL DEFAULT '',
	response_text           TEXT NOT NULL DEFAULT '',
	response_voice_text     TEXT NOT NULL DEFAULT '',
	request_files           INTEGER NOT NULL DEFAULT 0,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now()
)`
