// Package log provides the proxy's structured logger. The call shape (Debug/Info/
// Warn/Error with variadic key-value fields) mirrors the gosdk logger package; the
// encoding underneath is zap rather than hand-rolled JSON.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors zapcore.Level but keeps the gosdk-style name.
type Level = zapcore.Level

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
)

// ParseLevel parses a string into a Level, defaulting to InfoLevel on failure.
func ParseLevel(s string) Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return InfoLevel
	}
	return lvl
}

// Logger is a structured logger over variadic key-value field pairs.
type Logger struct {
	z     *zap.Logger
	level Level
}

// New creates a new logger. format is "json" or "text" ("console" in zap terms).
func New(level Level, format string, writer zapcore.WriteSyncer) *Logger {
	if writer == nil {
		writer = zapcore.AddSync(os.Stderr)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder

	var enc zapcore.Encoder
	if format == "text" {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, writer, level)
	return &Logger{z: zap.New(core), level: level}
}

// Default returns a default logger (info level, JSON format, stderr).
func Default() *Logger {
	return New(InfoLevel, "json", zapcore.AddSync(os.Stderr))
}

// IsDebug reports whether debug logging is enabled.
func (l *Logger) IsDebug() bool {
	return l.level.Enabled(DebugLevel)
}

func (l *Logger) Debug(msg string, fields ...interface{}) { l.log(DebugLevel, msg, fields...) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.log(InfoLevel, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.log(WarnLevel, msg, fields...) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.log(ErrorLevel, msg, fields...) }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.z.Sync() }

func (l *Logger) log(level Level, msg string, fields ...interface{}) {
	if !l.level.Enabled(level) {
		return
	}

	zfields := make([]zap.Field, 0, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		zfields = append(zfields, zap.Any(key, fields[i+1]))
	}

	switch level {
	case DebugLevel:
		l.z.Debug(msg, zfields...)
	case WarnLevel:
		l.z.Warn(msg, zfields...)
	case ErrorLevel:
		l.z.Error(msg, zfields...)
	default:
		l.z.Info(msg, zfields...)
	}
}
