// Package patch parses unified-diff text into structured change-sets and
// computes the recall overlap between two patches.
package patch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParseError reports malformed diff text. Callers absorb it into a rejected
// verification rather than treating it as a fault.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("diff parse error at line %d: %s", e.Line, e.Msg)
	}
	return "diff parse error: " + e.Msg
}

// Hunk is one contiguous change region within a file.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Added    []string
	Removed  []string
}

// FileDiff collects the hunks touching one path.
type FileDiff struct {
	Path  string
	Hunks []Hunk
}

// ChangeSet is the structured form of a unified diff.
type ChangeSet struct {
	Files []FileDiff
}

// Stats are the derived aggregates used by the gate evaluator.
type Stats struct {
	FilesChanged int
	ChangedLines int
}

var hunkHeaderRE = regexp.MustCompile(`^@@\s+\-(\d+)(?:,(\d+))?\s+\+(\d+)(?:,(\d+))?\s+@@`)

// Parse turns unified-diff text into a ChangeSet. Empty or whitespace-only
// input yields an empty ChangeSet, not an error.
func Parse(diffText string) (ChangeSet, error) {
	diffText = strings.ReplaceAll(diffText, "\r\n", "\n")
	if strings.TrimSpace(diffText) == "" {
		return ChangeSet{}, nil
	}
	lines := strings.Split(diffText, "\n")

	var cs ChangeSet
	var cur *FileDiff
	var curHunk *Hunk
	// Remaining old/new line budget for the open hunk, from its header.
	oldLeft, newLeft := 0, 0

	flushHunk := func() {
		if curHunk != nil && cur != nil {
			cur.Hunks = append(cur.Hunks, *curHunk)
		}
		curHunk = nil
	}
	flushFile := func() {
		flushHunk()
		if cur != nil {
			cs.Files = append(cs.Files, *cur)
		}
		cur = nil
	}

	for i, line := range lines {
		switch {
		// While a hunk is open its body consumes lines first, so a removed
		// line that happens to start with "--- " is not taken for a header.
		case curHunk != nil && line == "":
			// Trailing empty line from Split; real hunk lines carry a prefix.

		case curHunk != nil:
			switch line[0] {
			case ' ':
				oldLeft--
				newLeft--
			case '-':
				curHunk.Removed = append(curHunk.Removed, line[1:])
				oldLeft--
			case '+':
				curHunk.Added = append(curHunk.Added, line[1:])
				newLeft--
			case '\\':
				// "\ No newline at end of file"
			default:
				return ChangeSet{}, &ParseError{Line: i + 1, Msg: fmt.Sprintf("unexpected hunk line prefix %q", string(line[0]))}
			}
			if oldLeft < 0 || newLeft < 0 {
				return ChangeSet{}, &ParseError{Line: i + 1, Msg: "hunk body exceeds header counts"}
			}
			if oldLeft == 0 && newLeft == 0 {
				flushHunk()
			}

		case strings.HasPrefix(line, "diff --git "), strings.HasPrefix(line, "index "),
			strings.HasPrefix(line, "new file mode"), strings.HasPrefix(line, "deleted file mode"),
			strings.HasPrefix(line, "similarity index"), strings.HasPrefix(line, "rename from"),
			strings.HasPrefix(line, "rename to"):

		case strings.HasPrefix(line, "--- "):
			flushFile()
			cur = &FileDiff{Path: stripDiffPath(line[4:])}

		case strings.HasPrefix(line, "+++ "):
			if cur == nil {
				return ChangeSet{}, &ParseError{Line: i + 1, Msg: "'+++' header without matching '---'"}
			}
			// The new-side path wins unless the file was deleted.
			if p := stripDiffPath(line[4:]); p != "" {
				cur.Path = p
			}

		case hunkHeaderRE.MatchString(line):
			if cur == nil {
				return ChangeSet{}, &ParseError{Line: i + 1, Msg: "hunk header without file header"}
			}
			flushHunk()
			m := hunkHeaderRE.FindStringSubmatch(line)
			h := Hunk{OldStart: atoi(m[1]), OldCount: 1, NewStart: atoi(m[3]), NewCount: 1}
			if m[2] != "" {
				h.OldCount = atoi(m[2])
			}
			if m[4] != "" {
				h.NewCount = atoi(m[4])
			}
			curHunk = &h
			oldLeft, newLeft = h.OldCount, h.NewCount
			if oldLeft == 0 && newLeft == 0 {
				flushHunk()
			}

		default:
			// Text between files (commit message fragments etc.) is ignored.
		}
	}
	// A hunk still open here never reached its header counts.
	if curHunk != nil {
		return ChangeSet{}, &ParseError{Line: len(lines), Msg: fmt.Sprintf(
			"truncated hunk: %d old and %d new lines missing", oldLeft, newLeft)}
	}
	flushFile()

	for _, f := range cs.Files {
		if len(f.Hunks) == 0 {
			return ChangeSet{}, &ParseError{Msg: fmt.Sprintf("file %s has headers but no hunks", f.Path)}
		}
	}
	return cs, nil
}

// stripDiffPath removes the a/ or b/ prefix and a trailing timestamp from a
// file header path. /dev/null maps to the empty string.
func stripDiffPath(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\t'); i >= 0 {
		s = s[:i]
	}
	if s == "/dev/null" {
		return ""
	}
	if strings.HasPrefix(s, "a/") || strings.HasPrefix(s, "b/") {
		return s[2:]
	}
	return s
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Stats aggregates the change-set into the gate evaluator's inputs.
// ChangedLines counts added plus removed lines across all hunks.
func (cs ChangeSet) Stats() Stats {
	st := Stats{FilesChanged: len(cs.Files)}
	for _, f := range cs.Files {
		for _, h := range f.Hunks {
			st.ChangedLines += len(h.Added) + len(h.Removed)
		}
	}
	return st
}

// AddedLines returns the multiset of added line contents across all files,
// in order of appearance.
func (cs ChangeSet) AddedLines() []string {
	var out []string
	for _, f := range cs.Files {
		for _, h := range f.Hunks {
			out = append(out, h.Added...)
		}
	}
	return out
}

// Paths returns the file paths touched by the change-set.
func (cs ChangeSet) Paths() []string {
	out := make([]string, 0, len(cs.Files))
	for _, f := range cs.Files {
		out = append(out, f.Path)
	}
	return out
}
