// Package sandbox runs a single validated command in an isolated,
// network-disabled, resource-capped environment.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"patchpilot/internal/logging"
)

// Limits caps one execution. Zero values fall back to the defaults below.
type Limits struct {
	Timeout        time.Duration
	MaxOutputBytes int
	CPUSeconds     int
	MemoryMB       int
}

const (
	defaultTimeout        = 120 * time.Second
	defaultMaxOutputBytes = 64 * 1024
)

// Result is the captured outcome of a completed command.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Elapsed   time.Duration
	Truncated bool
}

// Error reports a sandbox failure: setup problems, forced termination on
// timeout, or external cancellation. A non-zero exit code from the command
// itself is not an Error.
type Error struct {
	Argv     []string
	TimedOut bool
	Err      error
}

func (e *Error) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("sandbox: command %v killed after timeout", e.Argv)
	}
	return fmt.Sprintf("sandbox: command %v failed: %v", e.Argv, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Executor runs commands inside one workspace directory. Each Execute call
// is independent; no state persists across calls.
type Executor struct {
	// Dir is the working directory commands run in.
	Dir string
	// Wrapper, when set, is prepended to every argv. It is how deployments
	// plug in a kernel-level jail (bwrap, unshare -n, firejail). The CPU and
	// memory ceilings are appended to it via the limit placeholders below.
	Wrapper []string
	Logger  *logging.Logger
}

// Wrapper placeholders substituted with the per-call limits.
const (
	WrapperCPUPlaceholder = "{cpu_seconds}"
	WrapperMemPlaceholder = "{memory_mb}"
)

// Execute runs argv under limits and captures its tail-capped output. The
// argv must already have passed tool-call validation. The child runs in its
// own process group and the whole group is killed on timeout or
// cancellation, so no process outlives the call.
func (e *Executor) Execute(ctx context.Context, argv []string, limits Limits) (Result, error) {
	if len(argv) == 0 {
		return Result{}, &Error{Err: errors.New("empty argv")}
	}
	timeout := limits.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	capBytes := limits.MaxOutputBytes
	if capBytes <= 0 {
		capBytes = defaultMaxOutputBytes
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	full := e.expandWrapper(limits)
	full = append(full, argv...)

	cmd := exec.CommandContext(ctx, full[0], full[1:]...)
	cmd.Dir = e.Dir
	cmd.Env = scrubbedEnv(e.Dir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole group so grandchildren die with the command.
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return os.ErrProcessDone
	}
	cmd.WaitDelay = 2 * time.Second

	stdout := newTailBuffer(capBytes)
	stderr := newTailBuffer(capBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, &Error{Argv: argv, Err: err}
	}
	err := cmd.Wait()
	elapsed := time.Since(start)

	res := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Elapsed:   elapsed,
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		timedOut := errors.Is(ctxErr, context.DeadlineExceeded)
		e.Logger.Warn("sandbox command terminated", map[string]interface{}{
			"argv":       argv,
			"timed_out":  timedOut,
			"elapsed_ms": elapsed.Milliseconds(),
		})
		return res, &Error{Argv: argv, TimedOut: timedOut, Err: ctxErr}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, &Error{Argv: argv, Err: err}
	}
	res.ExitCode = 0
	return res, nil
}

func (e *Executor) expandWrapper(limits Limits) []string {
	out := make([]string, 0, len(e.Wrapper))
	for _, tok := range e.Wrapper {
		switch tok {
		case WrapperCPUPlaceholder:
			out = append(out, strconv.Itoa(limits.CPUSeconds))
		case WrapperMemPlaceholder:
			out = append(out, strconv.Itoa(limits.MemoryMB))
		default:
			out = append(out, tok)
		}
	}
	return out
}

// scrubbedEnv builds a minimal environment. Proxy variables point at an
// unroutable address so that, even without a jail wrapper, well-behaved
// tooling cannot reach the network.
func scrubbedEnv(dir string) []string {
	return []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"NO_PROXY=",
		"no_proxy=",
		"HTTP_PROXY=http://127.0.0.1:9",
		"HTTPS_PROXY=http://127.0.0.1:9",
		"http_proxy=http://127.0.0.1:9",
		"https_proxy=http://127.0.0.1:9",
	}
}
