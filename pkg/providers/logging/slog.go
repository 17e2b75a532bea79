// Package logging adapts log/slog to orchestrator.Logger, the way the
// rest of the pack wires structured logging through a thin interface
// around slog rather than a bespoke logging package.
package logging

import (
	"log/slog"
	"os"

	"github.com/voicepipe/sts-orchestrator/pkg/orchestrator"
)

// SlogLogger adapts a *slog.Logger to orchestrator.Logger.
type SlogLogger struct {
	logger *slog.Logger
}

// New wraps logger. A nil logger falls back to a text handler on stderr.
func New(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &SlogLogger{logger: logger}
}

// NewJSON builds a SlogLogger with a JSON handler on stderr at level.
func NewJSON(level slog.Level) *SlogLogger {
	return &SlogLogger{logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))}
}

var _ orchestrator.Logger = (*SlogLogger)(nil)

func (l *SlogLogger) Debug(msg string, args ...interface{}) { l.logger.Debug(msg, args...) }
func (l *SlogLogger) Info(msg string, args ...interface{})  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...interface{})  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...interface{}) { l.logger.Error(msg, args...) }

// With returns a SlogLogger carrying args on every subsequent call, used
// to scope a logger to one session or context ID.
func (l *SlogLogger) With(args ...interface{}) *SlogLogger {
	return &SlogLogger{logger: l.logger.With(args...)}
}
