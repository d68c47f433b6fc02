// Package events provides per-sample pipeline event logging.
// Events are stored in append-only JSONL files.
package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Event is a single line in events.jsonl. This is the public contract for
// the events file format.
type Event struct {
	SchemaVersion string         `json:"schema_version"`
	Timestamp     string         `json:"timestamp"` // RFC3339
	SampleID      string         `json:"sample_id"`
	Event         string         `json:"event"`
	Data          map[string]any `json:"data,omitempty"`
}

// SchemaVersion of the events file format.
const SchemaVersion = "1"

// Event names emitted by the pipeline.
const (
	SampleStarted   = "sample_started"
	RolloutStarted  = "rollout_started"
	RolloutFinished = "rollout_finished"
	TestStarted     = "test_started"
	TestFinished    = "test_finished"
	SampleVerified  = "sample_verified"
	SampleFailed    = "sample_failed"
)

// Append writes a single event to path, creating the file and its parent
// directory lazily. Each event is one compact JSON line.
//
// Best-effort: callers typically log and ignore the returned error.
func Append(path, sampleID, name string, data map[string]any) (err error) {
	e := Event{
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		SampleID:      sampleID,
		Event:         name,
		Data:          data,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = f.Write(line)
	return err
}

// RolloutFinishedData returns the data map for a rollout_finished event.
func RolloutFinishedData(ordinal int, reason string, steps int, durationMs int64) map[string]any {
	return map[string]any{
		"ordinal":     ordinal,
		"reason":      reason,
		"steps":       steps,
		"duration_ms": durationMs,
	}
}

// TestFinishedData returns the data map for a test_finished event.
func TestFinishedData(exitCode int, durationMs int64) map[string]any {
	return map[string]any{
		"exit_code":   exitCode,
		"duration_ms": durationMs,
	}
}

// VerifiedData returns the data map for a sample_verified event.
func VerifiedData(recall float64, accepted bool, rejectReason string) map[string]any {
	data := map[string]any{
		"recall":   recall,
		"accepted": accepted,
	}
	if rejectReason != "" {
		data["reject_reason"] = rejectReason
	}
	return data
}

// FailedData returns the data map for a sample_failed event. Reason strings
// are bounded to 512 bytes.
func FailedData(stage, reason string) map[string]any {
	const maxReasonLen = 512
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}
	return map[string]any{
		"stage":  stage,
		"reason": reason,
	}
}
