package utils

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOptions(LoggerOptions{Writer: &buf, JSON: true, Level: slog.LevelInfo}).With("component", "test")

	l.Debug("hidden %d", 1)
	l.Info("listed %d items", 3)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected exactly one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "listed 3 items" {
		t.Errorf("msg: got %v, want %q", rec["msg"], "listed 3 items")
	}
	if rec["component"] != "test" {
		t.Errorf("component: got %v, want %q", rec["component"], "test")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}
