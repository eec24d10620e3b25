package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevelFallsBackToInfo(t *testing.T) {
	if got := ParseLevel("bogus"); got != InfoLevel {
		t.Fatalf("expected fallback to InfoLevel, got %v", got)
	}
	if got := ParseLevel("debug"); got != DebugLevel {
		t.Fatalf("expected DebugLevel, got %v", got)
	}
}

func TestLoggerWritesJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(InfoLevel, "json", zapcore.AddSync(&buf))

	logger.Info("admitted request", "route", "channels/!", "identity", "42")
	_ = logger.Sync()

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log line: %v, line=%q", err, buf.String())
	}
	if entry["route"] != "channels/!" || entry["identity"] != "42" {
		t.Fatalf("expected fields to round-trip, got %+v", entry)
	}
}

func TestLoggerSuppressesBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(WarnLevel, "json", zapcore.AddSync(&buf))

	logger.Debug("should not appear")
	logger.Info("should not appear either")

	if strings.TrimSpace(buf.String()) != "" {
		t.Fatalf("expected no output below configured level, got %q", buf.String())
	}
}

func TestIsDebug(t *testing.T) {
	debugLogger := New(DebugLevel, "json", nil)
	if !debugLogger.IsDebug() {
		t.Fatal("expected IsDebug to be true at DebugLevel")
	}

	infoLogger := New(InfoLevel, "json", nil)
	if infoLogger.IsDebug() {
		t.Fatal("expected IsDebug to be false at InfoLevel")
	}
}
