// Package paths validates sample identifiers and confines artifact and
// workspace paths under their owning roots.
package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidSampleID is returned when a sample id fails validation.
var ErrInvalidSampleID = errors.New("invalid sample id")

const maxSampleIDLen = 64

var sampleIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,` + strconv.Itoa(maxSampleIDLen) + `}$`)

// ValidateSampleID returns nil for allowed sample ids, or ErrInvalidSampleID.
// Only ASCII letters, digits, dot, underscore and dash are allowed, with no
// ".." substring, so a sample id can never name a path outside its root.
func ValidateSampleID(id string) error {
	if id == "" {
		return fmt.Errorf("empty sample id: %w", ErrInvalidSampleID)
	}
	if len(id) > maxSampleIDLen {
		return fmt.Errorf("sample id too long: %w", ErrInvalidSampleID)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("sample id contains disallowed '..': %w", ErrInvalidSampleID)
	}
	if !sampleIDRe.MatchString(id) {
		return fmt.Errorf("sample id contains invalid characters: %w", ErrInvalidSampleID)
	}
	return nil
}

// SafeJoin joins root with rel and ensures the resulting path stays inside
// root. Absolute rel paths are disallowed.
func SafeJoin(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("empty root")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("relative path expected, got absolute: %s", rel)
	}
	cleaned := filepath.Clean(filepath.Join(root, rel))
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absCleaned, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	relToRoot, err := filepath.Rel(absRoot, absCleaned)
	if err != nil {
		return "", err
	}
	if relToRoot == ".." || strings.HasPrefix(filepath.ToSlash(relToRoot), "../") {
		return "", fmt.Errorf("path escapes root: %s", rel)
	}
	return absCleaned, nil
}
