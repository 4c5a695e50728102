package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewLoggerAttributesAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(Config{ServiceName: "sessiond", Environment: "test", Level: "warn", Output: &buf})

	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %s", buf.String())
	}
	log.Warn("kept", "conversation_id", "c1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["service"] != "sessiond" || line["env"] != "test" || line["conversation_id"] != "c1" {
		t.Fatalf("unexpected attributes: %v", line)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != slog.LevelDebug || ParseLevel(" WARNING") != slog.LevelWarn || ParseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("unexpected level mapping")
	}
}
