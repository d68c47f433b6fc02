package sample

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"patchpilot/internal/agent"
	"patchpilot/internal/config"
	"patchpilot/internal/logging"
	"patchpilot/internal/model"
	"patchpilot/internal/store"
	"patchpilot/internal/tools"
	"patchpilot/internal/transcript"
)

func applyPatchCall(diff string) tools.Call {
	args, _ := json.Marshal(tools.ApplyPatchArgs{UnifiedDiff: diff})
	return tools.Call{Name: tools.NameApplyPatch, Arguments: args}
}

const sharedDiff = `--- a/util.py
+++ b/util.py
@@ -1,2 +1,3 @@
 def add(a, b):
-    return a+b
+    result = a + b
+    return result
`

func newTestRunner(t *testing.T, client model.Client) (*Runner, string) {
	t.Helper()

	repo := t.TempDir()
	if err := os.WriteFile(filepath.Join(repo, "util.py"), []byte("def add(a, b):\n    return a+b\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Verify.RequirePytest = false
	cfg.Rollout.MaxSteps = 5
	cfg.Workers = 2

	return &Runner{
		Cfg:          cfg,
		Model:        client,
		Store:        st,
		Logger:       logging.New(os.Stderr),
		ArtifactsDir: t.TempDir(),
	}, repo
}

func TestRunAcceptsIdenticalPatches(t *testing.T) {
	client := &model.ScriptedClient{
		Actions: []tools.Call{applyPatchCall(sharedDiff), applyPatchCall(sharedDiff)},
	}
	r, repo := newTestRunner(t, client)

	res, err := r.Run(context.Background(), Sample{
		ID: "s-accept", TargetFile: "util.py", Seed: 1, RepoDir: repo,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("expected acceptance, got %+v", res)
	}
	if res.Recall != 1.0 {
		t.Errorf("recall = %v, want 1.0", res.Recall)
	}

	samples, err := r.Store.ListSamples(0)
	if err != nil {
		t.Fatalf("ListSamples: %v", err)
	}
	if len(samples) != 1 || samples[0].Status != store.StatusAccepted {
		t.Errorf("unexpected store state: %+v", samples)
	}

	rollouts, err := r.Store.GetRollouts("s-accept")
	if err != nil {
		t.Fatalf("GetRollouts: %v", err)
	}
	if len(rollouts) != 2 {
		t.Fatalf("got %d rollouts, want 2", len(rollouts))
	}
	for _, ro := range rollouts {
		if ro.Reason != transcript.ReasonCompleted {
			t.Errorf("rollout %d reason = %s", ro.Ordinal, ro.Reason)
		}
	}
}

func TestRunWritesArtifacts(t *testing.T) {
	client := &model.ScriptedClient{
		Actions: []tools.Call{applyPatchCall(sharedDiff), applyPatchCall(sharedDiff)},
	}
	r, repo := newTestRunner(t, client)

	if _, err := r.Run(context.Background(), Sample{ID: "s-art", TargetFile: "util.py", RepoDir: repo}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	dir := filepath.Join(r.ArtifactsDir, "s-art")
	for _, name := range []string{"transcript1.json", "transcript2.json", "patch1.diff", "patch2.diff", "verification.json", "events.jsonl"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing artifact %s: %v", name, err)
		}
	}

	var tr transcript.Transcript
	data, err := os.ReadFile(filepath.Join(dir, "transcript1.json"))
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("parse transcript: %v", err)
	}
	if tr.Termination == nil || tr.Termination.Reason != transcript.ReasonCompleted {
		t.Errorf("unexpected termination: %+v", tr.Termination)
	}

	evts, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if !strings.Contains(string(evts), "sample_verified") {
		t.Errorf("missing sample_verified event:\n%s", evts)
	}
}

func TestRunRejectsOnModelFailure(t *testing.T) {
	// Rollout 1 completes; rollout 2 fails on its first model request. The
	// sample is verified and rejected, not marked failed.
	client := &model.ScriptedClient{
		Actions: []tools.Call{applyPatchCall(sharedDiff)},
		Errs:    []error{nil, errors.New("connection refused")},
	}
	r, repo := newTestRunner(t, client)

	res, err := r.Run(context.Background(), Sample{ID: "s-modelerr", TargetFile: "util.py", RepoDir: repo})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Accepted {
		t.Fatal("expected rejection")
	}
	if res.RejectReason != "timeout" {
		t.Errorf("reject reason = %q, want %q", res.RejectReason, "timeout")
	}

	samples, _ := r.Store.ListSamples(0)
	if len(samples) != 1 || samples[0].Status != store.StatusRejected {
		t.Errorf("unexpected store state: %+v", samples)
	}
}

func TestRunSameSampleTwice(t *testing.T) {
	actions := make([]tools.Call, 4)
	for i := range actions {
		actions[i] = applyPatchCall(sharedDiff)
	}
	r, repo := newTestRunner(t, &model.ScriptedClient{Actions: actions})
	sp := Sample{ID: "s-rerun", TargetFile: "util.py", RepoDir: repo}

	for i := 0; i < 2; i++ {
		if _, err := r.Run(context.Background(), sp); err != nil {
			t.Fatalf("Run %d: %v", i+1, err)
		}
	}

	samples, err := r.Store.ListSamples(0)
	if err != nil {
		t.Fatalf("ListSamples: %v", err)
	}
	if len(samples) != 1 || samples[0].Status != store.StatusAccepted {
		t.Errorf("unexpected store state: %+v", samples)
	}
	rollouts, err := r.Store.GetRollouts("s-rerun")
	if err != nil {
		t.Fatalf("GetRollouts: %v", err)
	}
	// The rerun replaces the rollouts at ordinals 1 and 2.
	if len(rollouts) != 2 {
		t.Errorf("got %d rollouts, want 2", len(rollouts))
	}
}

func TestRunRejectsMalformedCandidatePatch(t *testing.T) {
	// Rollout 2 finalizes with garbage diff text. The sample is rejected
	// through the gates, not marked failed.
	client := &model.ScriptedClient{
		Actions: []tools.Call{
			applyPatchCall(sharedDiff),
			applyPatchCall("--- a/x\n+++ b/x\n@@ not a hunk header @@\n"),
		},
	}
	r, repo := newTestRunner(t, client)

	res, err := r.Run(context.Background(), Sample{ID: "s-badpatch", TargetFile: "util.py", RepoDir: repo})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Accepted {
		t.Fatal("expected rejection")
	}
	if res.RejectReason != "soft_verify_low" {
		t.Errorf("reject reason = %q, want %q", res.RejectReason, "soft_verify_low")
	}

	samples, _ := r.Store.ListSamples(0)
	if len(samples) != 1 || samples[0].Status != store.StatusRejected {
		t.Errorf("unexpected store state: %+v", samples)
	}
}

type staticDescriber struct {
	prompt string
	calls  int
}

func (d *staticDescriber) Describe(ctx context.Context, sp Sample, reference agent.Rollout) (string, error) {
	d.calls++
	if reference.Patch == "" {
		return "", errors.New("no reference patch")
	}
	return d.prompt, nil
}

func TestDescriberDrivesSecondRollout(t *testing.T) {
	client := &model.ScriptedClient{
		Actions: []tools.Call{applyPatchCall(sharedDiff), applyPatchCall(sharedDiff)},
	}
	r, repo := newTestRunner(t, client)
	desc := &staticDescriber{prompt: "Refactor add to use an intermediate variable."}
	r.Describer = desc

	if _, err := r.Run(context.Background(), Sample{ID: "s-desc", TargetFile: "util.py", RepoDir: repo}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if desc.calls != 1 {
		t.Errorf("describer called %d times, want 1", desc.calls)
	}

	// The derived description is the candidate transcript's user message.
	data, err := os.ReadFile(filepath.Join(r.ArtifactsDir, "s-desc", "transcript2.json"))
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if !strings.Contains(string(data), desc.prompt) {
		t.Error("derived prompt not found in candidate transcript")
	}
}

func TestRunRejectsInvalidSampleID(t *testing.T) {
	r, repo := newTestRunner(t, &model.ScriptedClient{})
	if _, err := r.Run(context.Background(), Sample{ID: "../escape", RepoDir: repo}); err == nil {
		t.Fatal("expected error for invalid sample id")
	}
}

func TestWorkspacesAreIsolatedCopies(t *testing.T) {
	client := &model.ScriptedClient{
		Actions: []tools.Call{applyPatchCall(sharedDiff), applyPatchCall(sharedDiff)},
	}
	r, repo := newTestRunner(t, client)

	if _, err := r.Run(context.Background(), Sample{ID: "s-iso", TargetFile: "util.py", RepoDir: repo}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, work := range []string{"work1", "work2"} {
		p := filepath.Join(r.ArtifactsDir, "s-iso", work, "util.py")
		if _, err := os.Stat(p); err != nil {
			t.Errorf("missing workspace copy %s: %v", work, err)
		}
	}
	// The pristine checkout is untouched.
	data, err := os.ReadFile(filepath.Join(repo, "util.py"))
	if err != nil || !strings.Contains(string(data), "return a+b") {
		t.Errorf("pristine checkout modified: %q err=%v", data, err)
	}
}

func TestRunAllProcessesEverySample(t *testing.T) {
	// 3 samples x 2 rollouts = 6 apply_patch actions.
	actions := make([]tools.Call, 6)
	for i := range actions {
		actions[i] = applyPatchCall(sharedDiff)
	}
	r, repo := newTestRunner(t, &model.ScriptedClient{Actions: actions})
	r.Cfg.Workers = 1 // scripted client is not safe for concurrent use

	var samples []Sample
	for i := 0; i < 3; i++ {
		samples = append(samples, Sample{
			ID: fmt.Sprintf("s-pool-%d", i), TargetFile: "util.py", RepoDir: repo,
		})
	}

	outcomes := r.RunAll(context.Background(), samples)
	if len(outcomes) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Err != nil {
			t.Errorf("sample %s: %v", o.SampleID, o.Err)
		}
		if !o.Accepted {
			t.Errorf("sample %s not accepted", o.SampleID)
		}
	}
}

func TestThrottledClientRespectsCancellation(t *testing.T) {
	blocked := NewThrottledClient(&model.ScriptedClient{}, 1)
	// Occupy the only slot.
	blocked.sem <- struct{}{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := blocked.RequestAction(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
