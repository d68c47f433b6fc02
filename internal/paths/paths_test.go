package paths

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateSampleID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "sample-001", false},
		{"with dots", "records.py_7", false},
		{"empty", "", true},
		{"traversal", "a..b", true},
		{"slash", "a/b", true},
		{"backslash", `a\b`, true},
		{"too long", strings.Repeat("x", 65), true},
		{"space", "a b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSampleID(tt.id)
			if tt.wantErr && !errors.Is(err, ErrInvalidSampleID) {
				t.Fatalf("expected ErrInvalidSampleID, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()

	if _, err := SafeJoin(root, "../outside"); err == nil {
		t.Fatal("expected error for path escaping root")
	}
	if _, err := SafeJoin(root, "/etc/passwd"); err == nil {
		t.Fatal("expected error for absolute path")
	}
	if _, err := SafeJoin(root, "a/../../b"); err == nil {
		t.Fatal("expected error for nested traversal")
	}
	got, err := SafeJoin(root, "work1/src/records.py")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(got, root) {
		t.Fatalf("joined path %q not under root %q", got, root)
	}
}
