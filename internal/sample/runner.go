// Package sample orchestrates the full pipeline for one sample: two
// sequential rollouts in separate workspace copies, patch scoring, gate
// evaluation, and persistence of transcripts and results.
package sample

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"patchpilot/internal/agent"
	"patchpilot/internal/config"
	"patchpilot/internal/events"
	"patchpilot/internal/logging"
	"patchpilot/internal/model"
	"patchpilot/internal/patch"
	"patchpilot/internal/paths"
	"patchpilot/internal/sandbox"
	"patchpilot/internal/store"
	"patchpilot/internal/verify"
)

// Sample is one unit of pipeline work.
type Sample struct {
	ID         string
	TargetFile string
	Seed       int64
	// RepoDir is the pristine repository checkout. Each rollout works on
	// its own copy; RepoDir itself is never written.
	RepoDir string
	// Prompt overrides the default task description when set.
	Prompt string
}

// Describer synthesizes the second rollout's task description from the
// first rollout's outcome. Implementations live outside this package; when
// none is set, both rollouts receive the sample's own prompt.
type Describer interface {
	Describe(ctx context.Context, sp Sample, reference agent.Rollout) (string, error)
}

// Runner executes samples end to end.
type Runner struct {
	Cfg          config.Config
	Model        model.Client
	Store        *store.Store
	Logger       *logging.Logger
	Describer    Describer
	ArtifactsDir string
}

// Run executes both rollouts for sp, verifies, and persists everything.
// The returned result is also saved to the store; the error covers pipeline
// failures (workspace setup, persistence), not rejected samples.
func (r *Runner) Run(ctx context.Context, sp Sample) (verify.Result, error) {
	tracer := otel.Tracer("patchpilot/sample")
	ctx, span := tracer.Start(ctx, "sample.run")
	defer span.End()

	if err := paths.ValidateSampleID(sp.ID); err != nil {
		return verify.Result{}, err
	}
	span.SetAttributes(attribute.String("sample.id", sp.ID))

	if err := r.Store.CreateSample(sp.ID, sp.TargetFile, sp.Seed); err != nil {
		return verify.Result{}, fmt.Errorf("create sample %s: %w", sp.ID, err)
	}
	if err := r.Store.SetSampleStatus(sp.ID, store.StatusRunning); err != nil {
		return verify.Result{}, err
	}
	r.appendEvent(sp.ID, events.SampleStarted, map[string]any{
		"target_file": sp.TargetFile,
		"seed":        sp.Seed,
	})

	dir := filepath.Join(r.ArtifactsDir, sp.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return r.fail(sp.ID, "setup", err)
	}

	// The two rollouts run strictly in sequence: the candidate's task
	// description is derived from the reference rollout's outcome.
	var rollouts [2]agent.Rollout
	prompt := r.prompt(sp)
	for ordinal := 1; ordinal <= 2; ordinal++ {
		if ordinal == 2 && r.Describer != nil {
			derived, err := r.Describer.Describe(ctx, sp, rollouts[0])
			if err != nil {
				return r.fail(sp.ID, "describe", err)
			}
			prompt = derived
		}
		ro, err := r.runRollout(ctx, sp, dir, ordinal, prompt)
		if err != nil {
			return r.fail(sp.ID, "rollout", err)
		}
		rollouts[ordinal-1] = ro
	}

	// Malformed diffs degrade to empty change-sets so the verdict comes
	// from the gates, not from a pipeline fault.
	reference := r.parsePatch(sp.ID, 1, rollouts[0].Patch)
	candidate := r.parsePatch(sp.ID, 2, rollouts[1].Patch)

	test := r.runTests(ctx, sp, filepath.Join(dir, "work2"))

	res := verify.Evaluate(verify.Input{
		Candidate: candidate,
		Reference: reference,
		Recall:    patch.Score(reference, candidate),
		Test:      test,
		Term1:     rollouts[0].Transcript.Termination.Reason,
		Term2:     rollouts[1].Transcript.Termination.Reason,
	}, r.Cfg.Verify)

	if err := r.Store.SaveVerification(sp.ID, res); err != nil {
		return res, err
	}
	if err := writeJSON(filepath.Join(dir, "verification.json"), res); err != nil {
		return res, err
	}

	status := store.StatusRejected
	if res.Accepted {
		status = store.StatusAccepted
	}
	if err := r.Store.SetSampleStatus(sp.ID, status); err != nil {
		return res, err
	}
	r.appendEvent(sp.ID, events.SampleVerified, events.VerifiedData(res.Recall, res.Accepted, res.RejectReason))
	span.SetAttributes(
		attribute.Float64("sample.recall", res.Recall),
		attribute.Bool("sample.accepted", res.Accepted),
	)
	return res, nil
}

// runRollout copies the checkout, drives one rollout, and persists its
// transcript and patch. Any termination reason yields a sealed transcript
// and a nil error; the error covers only setup and persistence failures.
func (r *Runner) runRollout(ctx context.Context, sp Sample, dir string, ordinal int, prompt string) (agent.Rollout, error) {
	work := filepath.Join(dir, fmt.Sprintf("work%d", ordinal))
	if err := copyTree(sp.RepoDir, work); err != nil {
		return agent.Rollout{}, fmt.Errorf("prepare workspace: %w", err)
	}

	rolloutID := uuid.NewString()
	r.appendEvent(sp.ID, events.RolloutStarted, map[string]any{
		"ordinal":    ordinal,
		"rollout_id": rolloutID,
	})

	ctl := &agent.Controller{
		Model:   r.Model,
		Sandbox: &sandbox.Executor{Dir: work, Wrapper: r.Cfg.Sandbox.Wrapper, Logger: r.Logger},
		Logger:  r.Logger,
	}
	start := time.Now()
	ro, runErr := ctl.RunRollout(ctx, rolloutID, &agent.Workspace{Root: work}, prompt, agent.Config{
		MaxSteps:           r.Cfg.Rollout.MaxSteps,
		WallClock:          r.Cfg.WallClock(),
		Allowlist:          r.Cfg.Allowlist,
		Limits:             r.limits(),
		ToolOutputCapBytes: r.Cfg.Rollout.ToolOutputCapBytes,
		TranscriptCapBytes: r.Cfg.Rollout.TranscriptCapBytes,
		ModelName:          r.Cfg.Model.Name,
	})
	if ro.Transcript == nil {
		return ro, runErr
	}
	if runErr != nil {
		// Non-completed termination; already recorded on the transcript.
		r.Logger.Warn("rollout did not complete", map[string]interface{}{
			"sample_id":  sp.ID,
			"ordinal":    ordinal,
			"rollout_id": rolloutID,
			"error":      runErr.Error(),
		})
	}

	reason := ro.Transcript.Termination.Reason
	r.appendEvent(sp.ID, events.RolloutFinished,
		events.RolloutFinishedData(ordinal, string(reason), ro.Steps, time.Since(start).Milliseconds()))

	if err := writeJSON(filepath.Join(dir, fmt.Sprintf("transcript%d.json", ordinal)), ro.Transcript); err != nil {
		return ro, err
	}
	if ro.Patch != "" {
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("patch%d.diff", ordinal)), []byte(ro.Patch), 0o644); err != nil {
			return ro, err
		}
	}
	if err := r.Store.SaveRollout(store.RolloutRecord{
		ID:       rolloutID,
		SampleID: sp.ID,
		Ordinal:  ordinal,
		Reason:   reason,
		Steps:    ro.Steps,
		Patch:    ro.Patch,
	}); err != nil {
		return ro, err
	}
	return ro, nil
}

// runTests executes the configured test command in the candidate workspace.
// A sandbox failure counts as a failed test run, not a pipeline failure.
func (r *Runner) runTests(ctx context.Context, sp Sample, work string) verify.TestResult {
	if !r.Cfg.Verify.RequirePytest || len(r.Cfg.TestCommand) == 0 {
		return verify.TestResult{}
	}
	r.appendEvent(sp.ID, events.TestStarted, map[string]any{"cmd": r.Cfg.TestCommand})

	ex := &sandbox.Executor{Dir: work, Wrapper: r.Cfg.Sandbox.Wrapper, Logger: r.Logger}
	start := time.Now()
	res, err := ex.Execute(ctx, r.Cfg.TestCommand, r.limits())
	if err != nil {
		r.Logger.Warn("test command failed to run", map[string]interface{}{
			"sample_id": sp.ID,
			"error":     err.Error(),
		})
		r.appendEvent(sp.ID, events.TestFinished, events.TestFinishedData(-1, time.Since(start).Milliseconds()))
		return verify.TestResult{Ran: true, ExitCode: -1}
	}
	r.appendEvent(sp.ID, events.TestFinished, events.TestFinishedData(res.ExitCode, time.Since(start).Milliseconds()))
	return verify.TestResult{Ran: true, ExitCode: res.ExitCode}
}

func (r *Runner) fail(sampleID, stage string, err error) (verify.Result, error) {
	r.Logger.Error("sample failed", map[string]interface{}{
		"sample_id": sampleID,
		"stage":     stage,
		"error":     err.Error(),
	})
	r.appendEvent(sampleID, events.SampleFailed, events.FailedData(stage, err.Error()))
	if serr := r.Store.SetSampleStatus(sampleID, store.StatusFailed); serr != nil {
		r.Logger.Error("status update failed", map[string]interface{}{
			"sample_id": sampleID,
			"error":     serr.Error(),
		})
	}
	return verify.Result{}, fmt.Errorf("sample %s: %s: %w", sampleID, stage, err)
}

func (r *Runner) parsePatch(sampleID string, ordinal int, text string) patch.ChangeSet {
	cs, err := patch.Parse(text)
	if err != nil {
		r.Logger.Warn("patch did not parse", map[string]interface{}{
			"sample_id": sampleID,
			"ordinal":   ordinal,
			"error":     err.Error(),
		})
		return patch.ChangeSet{}
	}
	return cs
}

func (r *Runner) prompt(sp Sample) string {
	if sp.Prompt != "" {
		return sp.Prompt
	}
	return fmt.Sprintf("Improve %s. Investigate the file and its callers, then produce a unified diff with your change. Seed: %d.",
		sp.TargetFile, sp.Seed)
}

func (r *Runner) limits() sandbox.Limits {
	return sandbox.Limits{
		Timeout:        r.Cfg.SandboxTimeout(),
		MaxOutputBytes: r.Cfg.Sandbox.MaxOutputBytes,
		CPUSeconds:     r.Cfg.Sandbox.CPUSeconds,
		MemoryMB:       r.Cfg.Sandbox.MemoryMB,
	}
}

func (r *Runner) appendEvent(sampleID, name string, data map[string]any) {
	if r.ArtifactsDir == "" {
		return
	}
	path := filepath.Join(r.ArtifactsDir, sampleID, "events.jsonl")
	if err := events.Append(path, sampleID, name, data); err != nil {
		r.Logger.Warn("event append failed", map[string]interface{}{
			"sample_id": sampleID,
			"event":     name,
			"error":     err.Error(),
		})
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// copyTree copies src into dst, preserving file modes. Symlinks and .git
// are skipped so workspaces cannot reference files outside themselves.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(p, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, mode os.FileMode) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	_, err = io.Copy(out, in)
	return err
}
