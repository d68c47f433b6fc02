package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidToolCall wraps every validation rejection so callers can treat
// them uniformly as a terminal rollout condition.
var ErrInvalidToolCall = errors.New("invalid tool call")

// forbiddenMeta are shell metacharacters rejected in run arguments even when
// the argv matches an allowlist prefix. The allowlist matches argv tokens,
// not a shell string, so this check cannot be bypassed by a matching prefix.
const forbiddenMeta = ";|><&"

// Validate checks a proposed call against the tool schema and, for run, the
// command allowlist. It is pure: no filesystem or process access.
func Validate(call Call, allowlist [][]string) (NormalizedCall, error) {
	switch call.Name {
	case NameReadFile:
		var args ReadFileArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return NormalizedCall{}, err
		}
		if args.Path == "" {
			return NormalizedCall{}, reject("read_file: path is required")
		}
		if args.StartLine < 0 || args.EndLine < 0 {
			return NormalizedCall{}, reject("read_file: line bounds must be positive")
		}
		if args.EndLine != 0 && args.StartLine != 0 && args.EndLine < args.StartLine {
			return NormalizedCall{}, reject("read_file: end_line precedes start_line")
		}
		return NormalizedCall{Name: call.Name, ReadFile: &args}, nil

	case NameSearch:
		var args SearchArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return NormalizedCall{}, err
		}
		if args.Pattern == "" {
			return NormalizedCall{}, reject("search: pattern is required")
		}
		return NormalizedCall{Name: call.Name, Search: &args}, nil

	case NameApplyPatch:
		var args ApplyPatchArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return NormalizedCall{}, err
		}
		if args.UnifiedDiff == "" {
			return NormalizedCall{}, reject("apply_patch: unified_diff is required")
		}
		return NormalizedCall{Name: call.Name, ApplyPatch: &args}, nil

	case NameRun:
		var args RunArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return NormalizedCall{}, err
		}
		if len(args.Cmd) == 0 {
			return NormalizedCall{}, reject("run: cmd is required")
		}
		// Metacharacter check first: unconditional, independent of the
		// allowlist outcome.
		for _, arg := range args.Cmd {
			if strings.ContainsAny(arg, forbiddenMeta) {
				return NormalizedCall{}, reject("run: argument %q contains a forbidden shell metacharacter", arg)
			}
		}
		if !matchesAllowlist(args.Cmd, allowlist) {
			return NormalizedCall{}, reject("run: command %v does not match any allowlisted prefix", args.Cmd)
		}
		return NormalizedCall{Name: call.Name, Run: &args}, nil

	default:
		return NormalizedCall{}, reject("unknown tool %q", call.Name)
	}
}

// matchesAllowlist reports whether argv starts with one of the configured
// prefixes, compared token by token.
func matchesAllowlist(argv []string, allowlist [][]string) bool {
	for _, prefix := range allowlist {
		if len(prefix) == 0 || len(prefix) > len(argv) {
			continue
		}
		ok := true
		for i, tok := range prefix {
			if argv[i] != tok {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func decodeArgs(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return reject("missing arguments")
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return reject("malformed arguments: %v", err)
	}
	return nil
}

func reject(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidToolCall, fmt.Sprintf(format, args...))
}
