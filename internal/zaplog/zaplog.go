// Package zaplog adapts zap to the batchoutbox Logger interface.
package zaplog

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/velmie/batchoutbox"
)

const callerSkipFrames = 1

var _ batchoutbox.Logger = (*Logger)(nil)

// Config selects the level and encoding of a new logger.
type Config struct {
	Level    string
	Encoding string // json | console
}

// Logger forwards batchoutbox key/value logging to a zap SugaredLogger.
type Logger struct {
	sugar *zap.SugaredLogger
}

// New builds a production zap logger and returns it with its level handle.
func New(cfg Config) (*Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if strings.TrimSpace(cfg.Level) != "" {
		var parsed zapcore.Level
		if err := parsed.Set(cfg.Level); err != nil {
			return nil, zap.AtomicLevel{}, fmt.Errorf("batchoutbox zaplog: invalid level %q: %w", cfg.Level, err)
		}
		level.SetLevel(parsed)
	}

	base := zap.NewProductionConfig()
	if cfg.Encoding == "console" {
		base = zap.NewDevelopmentConfig()
	}
	base.Level = level
	base.DisableStacktrace = true
	base.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	built, err := base.Build(zap.AddCallerSkip(callerSkipFrames))
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("batchoutbox zaplog: build logger: %w", err)
	}

	return Wrap(built), level, nil
}

// Wrap adapts an existing zap logger. A nil logger yields a no-op.
func Wrap(l *zap.Logger) *Logger {
	if l == nil {
		l = zap.NewNop()
	}

	return &Logger{sugar: l.Sugar()}
}

// Named returns a child logger with the given name segment.
func (l *Logger) Named(name string) *Logger {
	return &Logger{sugar: l.sugar.Named(name)}
}

// Debug implements batchoutbox.Logger.
func (l *Logger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }

// Info implements batchoutbox.Logger.
func (l *Logger) Info(msg string, args ...any) { l.sugar.Infow(msg, args...) }

// Warn implements batchoutbox.Logger.
func (l *Logger) Warn(msg string, args ...any) { l.sugar.Warnw(msg, args...) }

// Error implements batchoutbox.Logger.
func (l *Logger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
