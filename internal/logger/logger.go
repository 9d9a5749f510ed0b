// Package logger wraps zap with the handful of helpers the rest of the
// codebase expects: leveled sugared logging plus an http.Server-compatible
// *log.Logger adapter.
package logger

import (
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a sugared zap logger.
type Logger struct {
	*zap.SugaredLogger
}

// New creates a Logger at the given level, writing structured output to
// stderr in production-ish console form.
func New(level zapcore.Level) *Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "timestamp"

	log, err := cfg.Build()
	if err != nil {
		// Config above is static and known-good; a build failure here
		// means the zap API changed underneath us.
		panic(err)
	}

	return &Logger{log.Sugar()}
}

// NewHTTPErrorLog adapts Logger to the stdlib *log.Logger interface required
// by http.Server.ErrorLog.
func NewHTTPErrorLog(l *Logger) *log.Logger {
	return log.New(&errorWriter{l}, "", 0)
}

type errorWriter struct {
	log *Logger
}

func (w *errorWriter) Write(p []byte) (int, error) {
	w.log.Errorf("%s", string(p))
	return len(p), nil
}
