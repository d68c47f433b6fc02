package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	l.Info("rollout started", map[string]interface{}{"rollout_id": "r-1"})
	l.Error("model request failed", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var evt LogEvent
	if err := json.Unmarshal([]byte(lines[0]), &evt); err != nil {
		t.Fatalf("parse line 1: %v", err)
	}
	if evt.Level != "info" || evt.Message != "rollout started" {
		t.Errorf("unexpected event: %+v", evt)
	}
	if evt.Fields["rollout_id"] != "r-1" {
		t.Errorf("fields not preserved: %+v", evt.Fields)
	}
	if evt.Timestamp == "" {
		t.Error("expected timestamp")
	}

	if err := json.Unmarshal([]byte(lines[1]), &evt); err != nil {
		t.Fatalf("parse line 2: %v", err)
	}
	if evt.Level != "error" {
		t.Errorf("level = %q, want error", evt.Level)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Info("ignored", nil)
	New(nil).Warn("ignored", nil)
}
