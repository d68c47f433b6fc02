package agent

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"patchpilot/internal/paths"
)

// Workspace is the repository checkout one rollout reads and searches. All
// access is confined under Root.
type Workspace struct {
	Root string
}

const (
	maxReadBytes    = 256 * 1024
	maxSearchHits   = 200
	maxSearchedSize = 1 << 20
)

// ReadFile returns the file's content, optionally sliced to the 1-based
// inclusive line range [startLine, endLine]. Zero bounds mean unbounded.
func (w *Workspace) ReadFile(relPath string, startLine, endLine int) (string, error) {
	abs, err := paths.SafeJoin(w.Root, relPath)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if info.Size() > maxReadBytes {
		return "", fmt.Errorf("file %s too large to read (%d bytes)", relPath, info.Size())
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	content := string(data)
	if startLine <= 0 && endLine <= 0 {
		return content, nil
	}
	lines := strings.Split(content, "\n")
	if startLine <= 0 {
		startLine = 1
	}
	if endLine <= 0 || endLine > len(lines) {
		endLine = len(lines)
	}
	if startLine > len(lines) {
		return "", nil
	}
	return strings.Join(lines[startLine-1:endLine], "\n"), nil
}

// Search walks the workspace and returns grep-style "path:line: text" hits
// for the regular expression pattern. An empty glob matches every file; a
// glob containing a slash is matched against the workspace-relative path,
// any other glob against the file name.
func (w *Workspace) Search(pattern, glob string) (string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("bad search pattern: %w", err)
	}
	var hits []string
	err = filepath.WalkDir(w.Root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(w.Root, p)
		if relErr != nil {
			return relErr
		}
		if glob != "" {
			name := filepath.Base(rel)
			if strings.ContainsRune(glob, '/') {
				name = filepath.ToSlash(rel)
			}
			ok, matchErr := filepath.Match(glob, name)
			if matchErr != nil {
				return fmt.Errorf("bad path glob: %w", matchErr)
			}
			if !ok {
				return nil
			}
		}
		info, infoErr := d.Info()
		if infoErr != nil || info.Size() > maxSearchedSize {
			return nil
		}
		data, readErr := os.ReadFile(p)
		if readErr != nil {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				hits = append(hits, fmt.Sprintf("%s:%d: %s", filepath.ToSlash(rel), i+1, line))
				if len(hits) >= maxSearchHits {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "no matches", nil
	}
	return strings.Join(hits, "\n"), nil
}
