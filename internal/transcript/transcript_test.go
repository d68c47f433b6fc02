package transcript

import (
	"errors"
	"strings"
	"testing"

	"patchpilot/internal/tools"
)

func TestRecorder_AppendAndFinalize(t *testing.T) {
	r := NewRecorder("r1", "local-model", 0, 0)
	if err := r.Append(Message{Role: RoleSystem, Content: "sys"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Append(Message{Role: RoleUser, Content: "fix the bug"}); err != nil {
		t.Fatal(err)
	}
	tr := r.Finalize(Termination{Reason: ReasonCompleted})
	if tr.Termination == nil || tr.Termination.Reason != ReasonCompleted {
		t.Fatalf("termination not set: %+v", tr.Termination)
	}
	if len(tr.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(tr.Messages))
	}
	if tr.EndedAt.IsZero() {
		t.Fatal("EndedAt not set")
	}
}

func TestRecorder_AppendAfterFinalizeForbidden(t *testing.T) {
	r := NewRecorder("r1", "m", 0, 0)
	r.Finalize(Termination{Reason: ReasonModelError})
	if err := r.Append(Message{Role: RoleUser, Content: "late"}); !errors.Is(err, ErrSealed) {
		t.Fatalf("expected ErrSealed, got %v", err)
	}
}

func TestRecorder_FinalizeIdempotentWithIdenticalInput(t *testing.T) {
	r := NewRecorder("r1", "m", 0, 0)
	term := Termination{Reason: ReasonMaxSteps, Details: "12 steps"}
	first := r.Finalize(term)
	second := r.Finalize(term)
	if first.Termination.Reason != second.Termination.Reason {
		t.Fatal("idempotent finalize changed the termination")
	}
}

func TestRecorder_RefinalizeWithDifferentInputPanics(t *testing.T) {
	r := NewRecorder("r1", "m", 0, 0)
	r.Finalize(Termination{Reason: ReasonCompleted})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on conflicting re-finalize")
		}
	}()
	r.Finalize(Termination{Reason: ReasonSandboxError})
}

func TestRecorder_ToolOutputTailTrimmed(t *testing.T) {
	r := NewRecorder("r1", "m", 10, 0)
	out := "0123456789abcdef"
	err := r.Append(Message{
		Role:       RoleTool,
		ToolResult: &tools.Result{Name: tools.NameRun, Output: out},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := r.Messages()[0].ToolResult
	if got.Output != "6789abcdef" {
		t.Fatalf("Output = %q, want tail kept", got.Output)
	}
	if !got.Truncated {
		t.Fatal("Truncated not set")
	}
}

func TestRecorder_TotalCapDropsOldestNonSystem(t *testing.T) {
	r := NewRecorder("r1", "m", 0, 30)
	_ = r.Append(Message{Role: RoleSystem, Content: strings.Repeat("s", 10)})
	_ = r.Append(Message{Role: RoleUser, Content: strings.Repeat("u", 10)})
	_ = r.Append(Message{Role: RoleAssistant, Content: strings.Repeat("a", 10)})
	_ = r.Append(Message{Role: RoleAssistant, Content: strings.Repeat("b", 10)})

	msgs := r.Messages()
	if msgs[0].Role != RoleSystem {
		t.Fatal("system message must survive trimming")
	}
	for _, m := range msgs {
		if strings.HasPrefix(m.Content, "u") {
			t.Fatal("oldest non-system message should have been dropped")
		}
	}
	tr := r.Finalize(Termination{Reason: ReasonCompleted})
	if !tr.Truncated {
		t.Fatal("transcript not marked truncated")
	}
	if !strings.Contains(tr.Termination.Details, "truncated") {
		t.Fatalf("termination details missing truncation note: %q", tr.Termination.Details)
	}
}

func TestRecorder_FinalizeIdempotentAfterTruncationNote(t *testing.T) {
	r := NewRecorder("r1", "m", 0, 5)
	_ = r.Append(Message{Role: RoleUser, Content: "0123456789"})
	term := Termination{Reason: ReasonCompleted}
	r.Finalize(term)
	// Same caller input again must not panic even though details gained
	// the truncation note on the first call.
	tr := r.Finalize(term)
	if tr.Termination.Reason != ReasonCompleted {
		t.Fatalf("unexpected termination: %+v", tr.Termination)
	}
}
