package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"patchpilot/internal/logging"
)

func testExecutor(t *testing.T) *Executor {
	t.Helper()
	return &Executor{
		Dir:    t.TempDir(),
		Logger: logging.New(&bytes.Buffer{}),
	}
}

func TestExecute_CapturesOutputAndExitCode(t *testing.T) {
	e := testExecutor(t)
	res, err := e.Execute(context.Background(), []string{"echo", "hello"}, Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Fatalf("Stdout = %q", res.Stdout)
	}
	if res.Truncated {
		t.Fatal("unexpected truncation")
	}
}

func TestExecute_NonZeroExitIsNotASandboxError(t *testing.T) {
	e := testExecutor(t)
	res, err := e.Execute(context.Background(), []string{"false"}, Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode == 0 {
		t.Fatal("expected non-zero exit code")
	}
}

func TestExecute_MissingBinaryIsASandboxError(t *testing.T) {
	e := testExecutor(t)
	_, err := e.Execute(context.Background(), []string{"definitely-not-a-binary-xyz"}, Limits{})
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if serr.TimedOut {
		t.Fatal("setup failure should not be reported as timeout")
	}
}

func TestExecute_TimeoutKillsProcessGroup(t *testing.T) {
	e := testExecutor(t)
	start := time.Now()
	res, err := e.Execute(context.Background(), []string{"sleep", "60"}, Limits{Timeout: 200 * time.Millisecond})
	var serr *Error
	if !errors.As(err, &serr) || !serr.TimedOut {
		t.Fatalf("expected timeout Error, got %v (res=%+v)", err, res)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
}

func TestExecute_NoProcessOutlivesTheCall(t *testing.T) {
	e := testExecutor(t)
	// The child spawns a grandchild that would outlive a naive single-pid
	// kill. An unusual sleep duration doubles as a pgrep marker.
	marker := strconv.Itoa(7000 + int(time.Now().UnixNano()%1000))
	_, err := e.Execute(context.Background(),
		[]string{"sh", "-c", "sleep " + marker + " & exec sleep " + marker},
		Limits{Timeout: 200 * time.Millisecond})
	var serr *Error
	if !errors.As(err, &serr) || !serr.TimedOut {
		t.Fatalf("expected timeout Error, got %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	out, _ := exec.Command("pgrep", "-f", "sleep "+marker).Output()
	if len(bytes.TrimSpace(out)) != 0 {
		t.Fatalf("processes still running after timeout: %s", out)
	}
}

func TestExecute_CancellationReleasesResources(t *testing.T) {
	e := testExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(ctx, []string{"sleep", "60"}, Limits{Timeout: time.Minute})
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		var serr *Error
		if !errors.As(err, &serr) {
			t.Fatalf("expected *Error, got %v", err)
		}
		if serr.TimedOut {
			t.Fatal("cancellation should not be reported as timeout")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
}

func TestExecute_OutputTailKept(t *testing.T) {
	e := testExecutor(t)
	res, err := e.Execute(context.Background(),
		[]string{"seq", "1", "10000"},
		Limits{MaxOutputBytes: 512})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Truncated {
		t.Fatal("expected truncated output")
	}
	if len(res.Stdout) > 512 {
		t.Fatalf("stdout length %d exceeds cap", len(res.Stdout))
	}
	// The tail is kept, so the last value must be present and the first gone.
	if !strings.Contains(res.Stdout, "10000") {
		t.Fatal("tail of output missing")
	}
	if strings.HasPrefix(res.Stdout, "1\n2\n") {
		t.Fatal("head of output unexpectedly kept")
	}
}

func TestExecute_EnvIsScrubbed(t *testing.T) {
	t.Setenv("PATCHPILOT_SECRET", "leaky")
	e := testExecutor(t)
	res, err := e.Execute(context.Background(), []string{"env"}, Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(res.Stdout, "PATCHPILOT_SECRET") {
		t.Fatal("parent environment leaked into sandbox")
	}
	if !strings.Contains(res.Stdout, "http_proxy=http://127.0.0.1:9") {
		t.Fatal("proxy lockdown variables missing")
	}
}

func TestExecute_WrapperPlaceholders(t *testing.T) {
	e := testExecutor(t)
	e.Wrapper = []string{"env", "CPU=" + WrapperCPUPlaceholder, "MEM=" + WrapperMemPlaceholder}
	got := e.expandWrapper(Limits{CPUSeconds: 30, MemoryMB: 512})
	// Placeholders are whole-token only; embedded ones pass through untouched.
	if got[1] != "CPU={cpu_seconds}" {
		t.Fatalf("embedded placeholder rewritten: %v", got)
	}
	e.Wrapper = []string{"timeoutwrap", WrapperCPUPlaceholder, WrapperMemPlaceholder}
	got = e.expandWrapper(Limits{CPUSeconds: 30, MemoryMB: 512})
	if got[1] != "30" || got[2] != "512" {
		t.Fatalf("placeholders not substituted: %v", got)
	}
}

func TestExecute_RunsInWorkspaceDir(t *testing.T) {
	e := testExecutor(t)
	res, err := e.Execute(context.Background(), []string{"pwd"}, Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); !samePath(got, e.Dir) {
		t.Fatalf("pwd = %q, want %q", got, e.Dir)
	}
}

func samePath(a, b string) bool {
	// TempDir on darwin may resolve through /private.
	return a == b || strings.HasSuffix(a, b) || strings.HasSuffix(b, a)
}
