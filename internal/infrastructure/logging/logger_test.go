package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/nerrad567/benchrig/internal/infrastructure/config"
)

func TestNew_Formats(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LoggingConfig
	}{
		{name: "json stdout", cfg: config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}},
		{name: "text stderr", cfg: config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"}},
		{name: "discard", cfg: config.LoggingConfig{Level: "warn", Format: "json", Output: "discard"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if logger := New(tt.cfg, "1.0.0", RoleSupervisor); logger == nil {
				t.Fatal("expected non-nil logger")
			}
		})
	}
}

func TestWriterFor(t *testing.T) {
	tests := []struct {
		output string
		want   io.Writer
	}{
		{output: "stdout", want: os.Stdout},
		{output: "STDERR", want: os.Stderr},
		{output: "discard", want: io.Discard},
		{output: "", want: os.Stdout},
	}

	for _, tt := range tests {
		if got := writerFor(tt.output); got != tt.want {
			t.Errorf("writerFor(%q) returned unexpected writer", tt.output)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected slog.Level
	}{
		{name: "debug level", input: "debug", expected: slog.LevelDebug},
		{name: "info level", input: "info", expected: slog.LevelInfo},
		{name: "warn level", input: "warn", expected: slog.LevelWarn},
		{name: "warning level", input: "warning", expected: slog.LevelWarn},
		{name: "error level", input: "error", expected: slog.LevelError},
		{name: "unknown defaults to info", input: "unknown", expected: slog.LevelInfo},
		{name: "empty defaults to info", input: "", expected: slog.LevelInfo},
		{name: "case insensitive", input: "DEBUG", expected: slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLogger_Component(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	child := logger.Component("device-cache")
	if child == logger {
		t.Fatal("expected child logger to be different from parent")
	}
	child.Warn("close failed", "device", "camera")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON output: %v", err)
	}
	if entry["component"] != "device-cache" {
		t.Errorf("component = %v, want device-cache", entry["component"])
	}
	if entry["device"] != "camera" {
		t.Errorf("device = %v, want camera", entry["device"])
	}
}

func TestLogger_OutputContainsDefaultFields(t *testing.T) {
	var buf bytes.Buffer

	handler := newHandler(&buf, config.LoggingConfig{Level: "info", Format: "json"}).
		WithAttrs([]slog.Attr{
			slog.String("service", "benchrig"),
			slog.String("role", RoleWorker),
		})

	logger := &Logger{Logger: slog.New(handler)}
	logger.Debug("filtered out")
	logger.Info("test message", "key", "value")

	output := buf.String()
	if strings.Contains(output, "filtered out") {
		t.Error("debug entry written at info level")
	}

	var logEntry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("failed to parse JSON output: %v", err)
	}
	if logEntry["service"] != "benchrig" {
		t.Errorf("service = %v, want benchrig", logEntry["service"])
	}
	if logEntry["role"] != RoleWorker {
		t.Errorf("role = %v, want %s", logEntry["role"], RoleWorker)
	}
	if logEntry["msg"] != "test message" {
		t.Errorf("expected msg='test message', got %v", logEntry["msg"])
	}
}

func TestDefaultAndDiscard(t *testing.T) {
	if Default() == nil {
		t.Fatal("expected non-nil default logger")
	}
	// Must not panic or write anywhere.
	Discard().Error("ignored", "k", "v")
}
