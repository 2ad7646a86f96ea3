package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info("round started", "bot_id", "b1")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["msg"] != "round started" || record["bot_id"] != "b1" {
		t.Errorf("record = %v", record)
	}
}

func TestNewLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Info("hidden")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record emitted below warn level")
	}
	if !strings.Contains(out, "visible") {
		t.Error("warn record missing")
	}
}
