// Package logging provides an orchestrator.Logger implementation backed by
// zap for production deployments. The teacher's orchestrator.NoOpLogger
// remains the default for tests and library embedding.
package logging

import (
	"go.uber.org/zap"

	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/orchestrator"
)

// ZapLogger adapts a zap.SugaredLogger to orchestrator.Logger.
type ZapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger builds a ZapLogger at the given level ("debug", "info",
// "warn", "error"; unrecognized values fall back to "info").
func NewZapLogger(level string) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return &ZapLogger{s: l.Sugar()}, nil
}

// NewDevelopmentZapLogger builds a human-readable, colorized ZapLogger
// suitable for the local CLI demo.
func NewDevelopmentZapLogger(level string) (*ZapLogger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return &ZapLogger{s: l.Sugar()}, nil
}

func parseLevel(level string) zap.AtomicLevel {
	var z zap.AtomicLevel
	if err := z.UnmarshalText([]byte(level)); err != nil {
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return z
}

func (z *ZapLogger) Debug(msg string, args ...interface{}) { z.s.Debugw(msg, args...) }
func (z *ZapLogger) Info(msg string, args ...interface{})  { z.s.Infow(msg, args...) }
func (z *ZapLogger) Warn(msg string, args ...interface{})  { z.s.Warnw(msg, args...) }
func (z *ZapLogger) Error(msg string, args ...interface{}) { z.s.Errorw(msg, args...) }

// Sync flushes any buffered log entries. Callers should defer Sync at
// process shutdown.
func (z *ZapLogger) Sync() error { return z.s.Sync() }

var _ orchestrator.Logger = (*ZapLogger)(nil)
