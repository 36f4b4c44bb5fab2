package slogutil

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)

	logger.Info("Session started", "sessionId", "s-1", "files", 3)

	output := buf.String()
	for _, want := range []string{"[info]", "Session started", " | ", "sessionId=s-1", "files=3"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestHandler_GroupsAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelDebug).With("workspace", "w1").WithGroup("batch")

	logger.Debug("applied", "changes", 5)

	output := buf.String()
	if !strings.Contains(output, "workspace=w1") {
		t.Errorf("expected pre-set attr, got: %s", output)
	}
	if !strings.Contains(output, "batch.changes=5") {
		t.Errorf("expected grouped attr, got: %s", output)
	}
}

func TestHandler_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	output := buf.String()
	if strings.Contains(output, "debug message") || strings.Contains(output, "info message") {
		t.Errorf("debug/info should be filtered, got: %s", output)
	}
	if !strings.Contains(output, "[warn] warn message") {
		t.Error("warn message should be included")
	}
	if !strings.Contains(output, "[error] error message") {
		t.Error("error message should be included")
	}
}

func TestNewFormatLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewFormatLogger(&buf, "JSON", slog.LevelInfo)
	logger.Info("cache miss", "reason", "version")

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if record["reason"] != "version" {
		t.Errorf("reason = %v, want version", record["reason"])
	}
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"Error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := LevelFromString(tt.input); got != tt.expected {
				t.Errorf("LevelFromString(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLevelFromVerbosity(t *testing.T) {
	tests := []struct {
		verbosity int
		quiet     bool
		expected  slog.Level
	}{
		{0, false, slog.LevelWarn},
		{1, false, slog.LevelInfo},
		{4, false, slog.LevelDebug},
		{2, true, silent},
	}

	for _, tt := range tests {
		if got := LevelFromVerbosity(tt.verbosity, tt.quiet); got != tt.expected {
			t.Errorf("LevelFromVerbosity(%d, %v) = %v, want %v", tt.verbosity, tt.quiet, got, tt.expected)
		}
	}
}

func TestTeeHandler(t *testing.T) {
	var infoBuf, warnBuf bytes.Buffer
	logger := slog.New(NewTeeHandler(
		NewHandler(&infoBuf, &slog.HandlerOptions{Level: slog.LevelInfo}),
		NewHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn}),
	))

	logger.Info("info message")
	logger.Warn("warn message")

	if !strings.Contains(infoBuf.String(), "info message") || !strings.Contains(infoBuf.String(), "warn message") {
		t.Errorf("info handler should receive both records, got: %s", infoBuf.String())
	}
	if strings.Contains(warnBuf.String(), "info message") {
		t.Error("warn handler should not receive info records")
	}
}

func TestNewFileHandler(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graphsync.log")
	h, f, err := NewFileHandler(path, "json", slog.LevelInfo)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(h)
	logger.Debug("hidden")
	logger.Info("Batch applied", "changes", 3)
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %q", data)
	}
	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["msg"] != "Batch applied" || rec["changes"] != float64(3) {
		t.Errorf("record = %v", rec)
	}
}

func TestNewDiscardLogger(t *testing.T) {
	logger := NewDiscardLogger()
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("discard logger should not enable any level")
	}
}
