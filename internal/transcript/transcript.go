// Package transcript accumulates the ordered message log for one rollout
// and seals it with a termination record.
package transcript

import (
	"errors"
	"fmt"
	"time"

	"patchpilot/internal/tools"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Reason is the fixed-vocabulary outcome code ending a rollout.
type Reason string

const (
	ReasonCompleted       Reason = "completed"
	ReasonMaxSteps        Reason = "max_steps"
	ReasonInvalidToolCall Reason = "invalid_tool_call"
	ReasonSandboxError    Reason = "sandbox_error"
	ReasonModelError      Reason = "model_error"
)

// Termination closes a transcript. Set at most once.
type Termination struct {
	Reason  Reason `json:"reason"`
	Details string `json:"details,omitempty"`
}

// Message is one entry in the chronological, append-only log.
type Message struct {
	Role       Role          `json:"role"`
	Content    string        `json:"content,omitempty"`
	ToolCall   *tools.Call   `json:"tool_call,omitempty"`
	ToolResult *tools.Result `json:"tool_result,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Transcript is the sealed document for one rollout.
type Transcript struct {
	RolloutID   string       `json:"rollout_id"`
	Model       string       `json:"model"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     time.Time    `json:"ended_at"`
	Messages    []Message    `json:"messages"`
	Termination *Termination `json:"termination"`
	Truncated   bool         `json:"truncated,omitempty"`
}

// ErrSealed is returned by Append after the transcript has been finalized.
var ErrSealed = errors.New("transcript already finalized")

// Recorder builds a Transcript. It applies two truncation policies: a
// per-tool-output byte cap (tail kept, result marked truncated) and a
// cumulative cap under which the oldest non-system messages are dropped.
type Recorder struct {
	t             Transcript
	maxToolOutput int
	maxTotal      int
	totalBytes    int
	sealed        bool
}

func NewRecorder(rolloutID, model string, maxToolOutputBytes, maxTotalBytes int) *Recorder {
	return &Recorder{
		t: Transcript{
			RolloutID: rolloutID,
			Model:     model,
			StartedAt: time.Now().UTC(),
		},
		maxToolOutput: maxToolOutputBytes,
		maxTotal:      maxTotalBytes,
	}
}

// Append adds one message, applying the per-output cap to tool results.
func (r *Recorder) Append(msg Message) error {
	if r.sealed {
		return ErrSealed
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.ToolResult != nil && r.maxToolOutput > 0 && len(msg.ToolResult.Output) > r.maxToolOutput {
		trimmed := *msg.ToolResult
		trimmed.Output = trimmed.Output[len(trimmed.Output)-r.maxToolOutput:]
		trimmed.Truncated = true
		msg.ToolResult = &trimmed
	}
	r.t.Messages = append(r.t.Messages, msg)
	r.totalBytes += messageBytes(msg)
	r.enforceTotalCap()
	return nil
}

// enforceTotalCap drops the oldest non-system messages until under the
// cumulative cap.
func (r *Recorder) enforceTotalCap() {
	if r.maxTotal <= 0 {
		return
	}
	for r.totalBytes > r.maxTotal {
		idx := -1
		for i, m := range r.t.Messages {
			if m.Role != RoleSystem {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		r.totalBytes -= messageBytes(r.t.Messages[idx])
		r.t.Messages = append(r.t.Messages[:idx], r.t.Messages[idx+1:]...)
		r.t.Truncated = true
	}
}

// Finalize seals the transcript. A second call with identical input is a
// no-op; a second call with different input is a programming error and
// panics.
func (r *Recorder) Finalize(term Termination) *Transcript {
	if r.sealed {
		if *r.t.Termination != term && !equivalentTermination(*r.t.Termination, term, r.t.Truncated) {
			panic(fmt.Sprintf("transcript re-finalized with conflicting termination: %+v vs %+v", *r.t.Termination, term))
		}
		return &r.t
	}
	if r.t.Truncated {
		if term.Details != "" {
			term.Details += "; "
		}
		term.Details += "transcript truncated to byte cap"
	}
	r.t.Termination = &term
	r.t.EndedAt = time.Now().UTC()
	r.sealed = true
	return &r.t
}

// equivalentTermination accepts a repeat Finalize whose only difference is
// the truncation note added by the first call.
func equivalentTermination(sealed, repeat Termination, truncated bool) bool {
	if !truncated || sealed.Reason != repeat.Reason {
		return false
	}
	withNote := repeat
	if withNote.Details != "" {
		withNote.Details += "; "
	}
	withNote.Details += "transcript truncated to byte cap"
	return sealed == withNote
}

// Sealed reports whether Finalize has been called.
func (r *Recorder) Sealed() bool { return r.sealed }

// Messages returns the log recorded so far, for building model prompts.
func (r *Recorder) Messages() []Message { return r.t.Messages }

func messageBytes(m Message) int {
	n := len(m.Content)
	if m.ToolResult != nil {
		n += len(m.ToolResult.Output)
	}
	if m.ToolCall != nil {
		n += len(m.ToolCall.Arguments)
	}
	return n
}
