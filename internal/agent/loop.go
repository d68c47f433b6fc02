// Package agent runs one bounded rollout: it requests actions from the
// model, validates them, dispatches accepted calls, and records everything
// on a transcript.
//
// The per-rollout state machine is
//
//	Init -> AwaitingModel <-> (ValidatingCall -> ExecutingTool -> AwaitingModel)* -> Terminated(reason)
//
// expressed as the loop below: each cycle blocks on the model, then on the
// dispatched tool. Terminal states are exactly the five termination reasons.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"patchpilot/internal/logging"
	"patchpilot/internal/model"
	"patchpilot/internal/sandbox"
	"patchpilot/internal/tools"
	"patchpilot/internal/transcript"
)

// Sandbox is the execution boundary for accepted run calls.
type Sandbox interface {
	Execute(ctx context.Context, argv []string, limits sandbox.Limits) (sandbox.Result, error)
}

// Config is the immutable per-rollout configuration, threaded explicitly
// into the controller rather than held as global state.
type Config struct {
	MaxSteps           int
	WallClock          time.Duration
	Allowlist          [][]string
	Limits             sandbox.Limits
	ToolOutputCapBytes int
	TranscriptCapBytes int
	SystemPrompt       string
	ModelName          string
}

// Rollout is the outcome of one loop execution: the sealed transcript and,
// when the loop finalized, the produced patch text.
type Rollout struct {
	Transcript *transcript.Transcript
	Patch      string
	Steps      int
}

// Controller drives rollouts. It is stateless across calls; all per-rollout
// state lives on the recorder.
type Controller struct {
	Model   model.Client
	Sandbox Sandbox
	Logger  *logging.Logger
}

const defaultSystemPrompt = "You are a software engineer working in a sandboxed repository checkout. " +
	"Inspect the code with read_file and search, run allowlisted commands with run, " +
	"and finish by calling apply_patch exactly once with a unified diff of your change."

// RunRollout executes one rollout against ws. It always returns a sealed
// transcript; the error mirrors the termination reason for non-completed
// rollouts. No retry happens here on rejected tool calls: a semantically
// invalid call ends the rollout. Format-correction retries are the model
// client's concern, before actions reach this layer.
func (c *Controller) RunRollout(ctx context.Context, rolloutID string, ws *Workspace, prompt string, cfg Config) (Rollout, error) {
	tracer := otel.Tracer("patchpilot/agent")
	ctx, span := tracer.Start(ctx, "rollout", trace.WithAttributes(
		attribute.String("rollout.id", rolloutID),
	))
	defer span.End()

	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 20
	}
	if cfg.WallClock > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.WallClock)
		defer cancel()
	}
	sysPrompt := cfg.SystemPrompt
	if sysPrompt == "" {
		sysPrompt = defaultSystemPrompt
	}

	rec := transcript.NewRecorder(rolloutID, cfg.ModelName, cfg.ToolOutputCapBytes, cfg.TranscriptCapBytes)
	_ = rec.Append(transcript.Message{Role: transcript.RoleSystem, Content: sysPrompt})
	_ = rec.Append(transcript.Message{Role: transcript.RoleUser, Content: prompt})

	out := Rollout{}
	terminate := func(reason transcript.Reason, details string) (Rollout, error) {
		span.SetAttributes(attribute.String("rollout.termination", string(reason)))
		out.Transcript = rec.Finalize(transcript.Termination{Reason: reason, Details: details})
		if reason == transcript.ReasonCompleted {
			return out, nil
		}
		return out, fmt.Errorf("rollout terminated: %s: %s", reason, details)
	}

	for step := 0; step < cfg.MaxSteps; step++ {
		out.Steps = step + 1

		call, err := c.Model.RequestAction(ctx, rec.Messages())
		if err != nil {
			c.Logger.Error("model action request failed", map[string]interface{}{
				"rollout_id": rolloutID,
				"step":       step,
				"error":      err.Error(),
			})
			return terminate(transcript.ReasonModelError, err.Error())
		}
		_ = rec.Append(transcript.Message{Role: transcript.RoleAssistant, ToolCall: &call})

		normalized, err := tools.Validate(call, cfg.Allowlist)
		if err != nil {
			c.Logger.Warn("tool call rejected", map[string]interface{}{
				"rollout_id": rolloutID,
				"step":       step,
				"tool":       call.Name,
				"error":      err.Error(),
			})
			return terminate(transcript.ReasonInvalidToolCall, err.Error())
		}

		// Closed dispatch over the four tool kinds; a new tool must be added
		// here and in the validator, never via a string fallback.
		switch normalized.Name {
		case tools.NameApplyPatch:
			out.Patch = normalized.ApplyPatch.UnifiedDiff
			_ = rec.Append(transcript.Message{
				Role:       transcript.RoleTool,
				ToolCall:   &call,
				ToolResult: &tools.Result{Name: call.Name, Output: "patch captured"},
			})
			return terminate(transcript.ReasonCompleted, "")

		case tools.NameReadFile:
			args := normalized.ReadFile
			content, err := ws.ReadFile(args.Path, args.StartLine, args.EndLine)
			result := tools.Result{Name: call.Name, Output: content}
			if err != nil {
				result.Output = "error: " + err.Error()
			}
			_ = rec.Append(transcript.Message{Role: transcript.RoleTool, ToolCall: &call, ToolResult: &result})

		case tools.NameSearch:
			args := normalized.Search
			matches, err := ws.Search(args.Pattern, args.PathGlob)
			result := tools.Result{Name: call.Name, Output: matches}
			if err != nil {
				result.Output = "error: " + err.Error()
			}
			_ = rec.Append(transcript.Message{Role: transcript.RoleTool, ToolCall: &call, ToolResult: &result})

		case tools.NameRun:
			res, err := c.Sandbox.Execute(ctx, normalized.Run.Cmd, cfg.Limits)
			if err != nil {
				var serr *sandbox.Error
				details := err.Error()
				if errors.As(err, &serr) && serr.TimedOut {
					details = "command timed out"
				}
				return terminate(transcript.ReasonSandboxError, details)
			}
			exit := res.ExitCode
			result := tools.Result{
				Name:      call.Name,
				Output:    combineOutput(res),
				ExitCode:  &exit,
				Truncated: res.Truncated,
			}
			_ = rec.Append(transcript.Message{Role: transcript.RoleTool, ToolCall: &call, ToolResult: &result})

		default:
			// Unreachable: Validate only emits the four kinds.
			return terminate(transcript.ReasonInvalidToolCall, "unhandled tool "+normalized.Name)
		}
	}

	return terminate(transcript.ReasonMaxSteps,
		fmt.Sprintf("no finalize call within %d steps", cfg.MaxSteps))
}

func combineOutput(res sandbox.Result) string {
	if res.Stderr == "" {
		return res.Stdout
	}
	if res.Stdout == "" {
		return res.Stderr
	}
	return res.Stdout + "\n" + res.Stderr
}
