package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAppend(t *testing.T) {
	t.Run("creates file lazily", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "events.jsonl")

		if err := Append(path, "s-001", SampleStarted, map[string]any{"target_file": "a.py"}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}

		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read file: %v", err)
		}
		if !strings.HasSuffix(string(content), "\n") {
			t.Error("expected line to end with newline")
		}

		var parsed Event
		if err := json.Unmarshal(content, &parsed); err != nil {
			t.Fatalf("failed to parse JSON: %v", err)
		}
		if parsed.SchemaVersion != SchemaVersion {
			t.Errorf("SchemaVersion = %q, want %q", parsed.SchemaVersion, SchemaVersion)
		}
		if parsed.SampleID != "s-001" {
			t.Errorf("SampleID = %q, want %q", parsed.SampleID, "s-001")
		}
		if parsed.Event != SampleStarted {
			t.Errorf("Event = %q, want %q", parsed.Event, SampleStarted)
		}
		if parsed.Timestamp == "" {
			t.Error("expected timestamp to be set")
		}
	})

	t.Run("appends multiple events", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "events.jsonl")

		if err := Append(path, "s-001", RolloutStarted, map[string]any{"ordinal": 1}); err != nil {
			t.Fatalf("Append(1) error = %v", err)
		}
		if err := Append(path, "s-001", RolloutFinished, RolloutFinishedData(1, "completed", 4, 900)); err != nil {
			t.Fatalf("Append(2) error = %v", err)
		}

		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read file: %v", err)
		}
		lines := strings.Split(strings.TrimSpace(string(content)), "\n")
		if len(lines) != 2 {
			t.Fatalf("expected 2 lines, got %d", len(lines))
		}

		var e2 Event
		if err := json.Unmarshal([]byte(lines[1]), &e2); err != nil {
			t.Fatalf("failed to parse line 2: %v", err)
		}
		if e2.Event != RolloutFinished {
			t.Errorf("Event = %q, want %q", e2.Event, RolloutFinished)
		}
		if e2.Data["reason"] != "completed" {
			t.Errorf("reason = %v, want %q", e2.Data["reason"], "completed")
		}
	})

	t.Run("creates parent directories", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "dir", "events.jsonl")

		if err := Append(path, "s-002", SampleStarted, nil); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Fatal("expected events.jsonl to be created with parent dirs")
		}
	})
}

func TestVerifiedData(t *testing.T) {
	t.Run("accepted omits reject reason", func(t *testing.T) {
		data := VerifiedData(0.6, true, "")
		if data["recall"] != 0.6 || data["accepted"] != true {
			t.Errorf("unexpected data: %v", data)
		}
		if _, ok := data["reject_reason"]; ok {
			t.Error("reject_reason should not be present on acceptance")
		}
	})

	t.Run("rejected carries reason", func(t *testing.T) {
		data := VerifiedData(0.1, false, "soft_verify_low")
		if data["reject_reason"] != "soft_verify_low" {
			t.Errorf("reject_reason = %v, want %q", data["reject_reason"], "soft_verify_low")
		}
	})
}

func TestFailedDataTruncates(t *testing.T) {
	long := strings.Repeat("x", 2048)
	data := FailedData("rollout", long)
	if got := data["reason"].(string); len(got) != 512 {
		t.Errorf("reason length = %d, want 512", len(got))
	}
	if data["stage"] != "rollout" {
		t.Errorf("stage = %v, want %q", data["stage"], "rollout")
	}
}
