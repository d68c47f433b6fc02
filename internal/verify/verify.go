// Package verify applies the accept/reject gates to a pair of rollouts and
// their patches.
package verify

import (
	"fmt"
	"path/filepath"

	"patchpilot/internal/patch"
	"patchpilot/internal/transcript"
)

// Gate names, in reporting-precedence order.
const (
	GateForbiddenPath = "forbidden_path"
	GatePatchSize     = "patch_size"
	GatePytest        = "pytest"
	GateSoftVerify    = "soft_verify_threshold"
)

// Reject-reason tokens. Exactly one is reported per rejected sample.
const (
	RejectToolInvalid   = "tool_invalid"
	RejectTimeout       = "timeout"
	RejectPatchTooLarge = "patch_too_large"
	RejectSoftVerifyLow = "soft_verify_low"
	RejectForbiddenPath = "forbidden_path"
	RejectPytestFailed  = "pytest_failed"
)

// Policy configures the gates. Immutable once loaded.
type Policy struct {
	Threshold       float64  `yaml:"threshold" json:"threshold"`
	MaxFilesChanged int      `yaml:"max_files_changed" json:"max_files_changed"`
	MaxChangedLines int      `yaml:"max_changed_lines" json:"max_changed_lines"`
	ForbiddenGlobs  []string `yaml:"forbidden_globs" json:"forbidden_globs"`
	RequirePytest   bool     `yaml:"require_pytest" json:"require_pytest"`
}

// TestResult carries the sandboxed test-run facts into the pytest gate.
type TestResult struct {
	Ran      bool
	ExitCode int
}

// GateResult is one named pass/fail predicate outcome.
type GateResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Result is the verification record for one sample. Recomputable
// idempotently from the same inputs.
type Result struct {
	Recall       float64      `json:"recall"`
	Threshold    float64      `json:"threshold"`
	Gates        []GateResult `json:"gates"`
	Accepted     bool         `json:"accepted"`
	RejectReason string       `json:"reject_reason,omitempty"`
}

// Input bundles everything Evaluate needs.
type Input struct {
	// Candidate is the second rollout's patch, the one whose size is gated
	// and whose content was scored for recall of Reference.
	Candidate patch.ChangeSet
	// Reference is the first rollout's patch.
	Reference patch.ChangeSet
	Recall    float64
	Test      TestResult
	// Terminations of rollout 1 and rollout 2.
	Term1 transcript.Reason
	Term2 transcript.Reason
}

// Evaluate runs every gate (never short-circuiting) and derives the
// accept/reject decision. Accepted requires all gates to pass and both
// rollouts to have terminated with reason completed.
//
// When several conditions fail, one reject reason is reported with a fixed
// precedence: non-completed terminations first (invalid_tool_call maps to
// tool_invalid, everything else to timeout), then the gates in declaration
// order: forbidden_path, patch_size, pytest, soft_verify_threshold.
func Evaluate(in Input, pol Policy) Result {
	res := Result{Recall: in.Recall, Threshold: pol.Threshold}

	res.Gates = append(res.Gates, forbiddenPathGate(in, pol))
	res.Gates = append(res.Gates, patchSizeGate(in.Candidate.Stats(), pol))
	if pol.RequirePytest {
		res.Gates = append(res.Gates, pytestGate(in.Test))
	}
	res.Gates = append(res.Gates, softVerifyGate(in.Recall, pol.Threshold))

	allPassed := true
	for _, g := range res.Gates {
		if !g.Passed {
			allPassed = false
		}
	}
	completed := in.Term1 == transcript.ReasonCompleted && in.Term2 == transcript.ReasonCompleted
	res.Accepted = allPassed && completed
	if res.Accepted {
		return res
	}

	if !completed {
		res.RejectReason = terminationReason(in.Term1, in.Term2)
		return res
	}
	for _, g := range res.Gates {
		if g.Passed {
			continue
		}
		switch g.Name {
		case GateForbiddenPath:
			res.RejectReason = RejectForbiddenPath
		case GatePatchSize:
			res.RejectReason = RejectPatchTooLarge
		case GatePytest:
			res.RejectReason = RejectPytestFailed
		case GateSoftVerify:
			res.RejectReason = RejectSoftVerifyLow
		}
		return res
	}
	return res
}

func terminationReason(t1, t2 transcript.Reason) string {
	for _, t := range []transcript.Reason{t1, t2} {
		if t == transcript.ReasonInvalidToolCall {
			return RejectToolInvalid
		}
	}
	return RejectTimeout
}

func forbiddenPathGate(in Input, pol Policy) GateResult {
	g := GateResult{Name: GateForbiddenPath, Passed: true}
	for _, cs := range []patch.ChangeSet{in.Reference, in.Candidate} {
		for _, p := range cs.Paths() {
			for _, glob := range pol.ForbiddenGlobs {
				ok, err := filepath.Match(glob, p)
				if err != nil {
					continue
				}
				if !ok {
					// Also match against the basename so globs like
					// "*.lock" cover nested paths.
					ok, _ = filepath.Match(glob, filepath.Base(p))
				}
				if ok {
					g.Passed = false
					g.Detail = fmt.Sprintf("path %s matches forbidden glob %s", p, glob)
					return g
				}
			}
		}
	}
	return g
}

func patchSizeGate(st patch.Stats, pol Policy) GateResult {
	g := GateResult{Name: GatePatchSize, Passed: true}
	if pol.MaxFilesChanged > 0 && st.FilesChanged > pol.MaxFilesChanged {
		g.Passed = false
		g.Detail = fmt.Sprintf("files_changed %d exceeds cap %d", st.FilesChanged, pol.MaxFilesChanged)
		return g
	}
	if pol.MaxChangedLines > 0 && st.ChangedLines > pol.MaxChangedLines {
		g.Passed = false
		g.Detail = fmt.Sprintf("changed_lines %d exceeds cap %d", st.ChangedLines, pol.MaxChangedLines)
		return g
	}
	g.Detail = fmt.Sprintf("files_changed=%d changed_lines=%d", st.FilesChanged, st.ChangedLines)
	return g
}

func pytestGate(tr TestResult) GateResult {
	g := GateResult{Name: GatePytest, Passed: true}
	if !tr.Ran {
		g.Passed = false
		g.Detail = "test run missing"
		return g
	}
	if tr.ExitCode != 0 {
		g.Passed = false
		g.Detail = fmt.Sprintf("tests exited %d", tr.ExitCode)
		return g
	}
	g.Detail = "tests passed"
	return g
}

func softVerifyGate(recall, threshold float64) GateResult {
	g := GateResult{Name: GateSoftVerify, Passed: recall >= threshold}
	g.Detail = fmt.Sprintf("recall %.3f vs threshold %.3f", recall, threshold)
	return g
}
