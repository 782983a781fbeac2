package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// TestNewLogger verifies JSON output with merged context fields.
func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "debug")

	l.Info("sync cycle started", map[string]interface{}{"pending": 3})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "sync cycle started" {
		t.Errorf("Expected message field, got %v", entry["msg"])
	}
	if entry["pending"] != float64(3) {
		t.Errorf("Expected context field pending=3, got %v", entry["pending"])
	}
	if entry["level"] != "info" {
		t.Errorf("Expected info level, got %v", entry["level"])
	}
}

// TestLoggerLevel verifies messages below the configured level are dropped.
func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "warn")

	l.Debug("hidden")
	l.Info("also hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected no output below warn level, got %q", buf.String())
	}

	l.Warn("visible")
	if buf.Len() == 0 {
		t.Error("Expected warn output")
	}
}

// TestLoggerInvalidLevel verifies unknown levels fall back to info.
func TestLoggerInvalidLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "chatty")

	l.Debug("hidden at info")
	if buf.Len() != 0 {
		t.Errorf("Expected debug suppressed at fallback level, got %q", buf.String())
	}
	l.Info("visible")
	if buf.Len() == 0 {
		t.Error("Expected info output at fallback level")
	}
}

// TestErrorWithCode verifies the error and code annotations.
func TestErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "debug")

	l.ErrorWithCode("delivery failed", "SYNC_TRANSIENT", errors.New("connection refused"))

	out := buf.String()
	if !strings.Contains(out, "SYNC_TRANSIENT") {
		t.Errorf("Expected error_code in output, got %q", out)
	}
	if !strings.Contains(out, "connection refused") {
		t.Errorf("Expected cause in output, got %q", out)
	}
}

// TestContextMerge verifies multiple context maps merge with later values
// winning.
func TestContextMerge(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "debug")

	l.Info("merged",
		map[string]interface{}{"a": 1, "b": 1},
		map[string]interface{}{"b": 2})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON output: %v", err)
	}
	if entry["a"] != float64(1) || entry["b"] != float64(2) {
		t.Errorf("Expected a=1 b=2, got a=%v b=%v", entry["a"], entry["b"])
	}
}
