// Package tools defines the tool-call schema exposed to the model and the
// validator that gates every proposed invocation before dispatch.
package tools

import "encoding/json"

// SchemaVersion identifies the tool schema exposed to the model. Bump when
// a tool is added, removed, or changes argument shape.
const SchemaVersion = 1

// The four declared tools. Adding a tool requires extending the switch in
// Validate and the dispatch switch in the agent loop; there is no string
// fallback.
const (
	NameReadFile   = "read_file"
	NameSearch     = "search"
	NameApplyPatch = "apply_patch"
	NameRun        = "run"
)

// Call is one proposed tool invocation as produced by the model. Immutable
// once recorded on a transcript.
type Call struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Result is the outcome of executing a Call. Produced exactly once per call.
type Result struct {
	Name      string `json:"name"`
	Output    string `json:"output"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Truncated bool   `json:"truncated"`
}

type ReadFileArgs struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
}

type SearchArgs struct {
	Pattern  string `json:"pattern"`
	PathGlob string `json:"path_glob,omitempty"`
}

type ApplyPatchArgs struct {
	UnifiedDiff string `json:"unified_diff"`
}

type RunArgs struct {
	Cmd []string `json:"cmd"`
}

// NormalizedCall is the validator's accepted form: exactly one of the
// argument structs is non-nil, matching Name.
type NormalizedCall struct {
	Name       string
	ReadFile   *ReadFileArgs
	Search     *SearchArgs
	ApplyPatch *ApplyPatchArgs
	Run        *RunArgs
}

// Spec describes one tool for the model-facing schema document.
type Spec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Schema returns the model-facing declarations for the four tools.
func Schema() []Spec {
	return []Spec{
		{
			Name:        NameReadFile,
			Description: "Read a file from the workspace, optionally limited to a line range",
			Parameters: mustMarshal(map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path":       map[string]interface{}{"type": "string", "description": "Workspace-relative path"},
					"start_line": map[string]interface{}{"type": "integer", "description": "First line to return (1-based)"},
					"end_line":   map[string]interface{}{"type": "integer", "description": "Last line to return (inclusive)"},
				},
				"required": []string{"path"},
			}),
		},
		{
			Name:        NameSearch,
			Description: "Search workspace files for a regular expression",
			Parameters: mustMarshal(map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"pattern":   map[string]interface{}{"type": "string", "description": "Regular expression to search for"},
					"path_glob": map[string]interface{}{"type": "string", "description": "Glob limiting which files are searched; matched against the file name, or against the workspace-relative path when it contains a slash (e.g. *.py, src/*.py)"},
				},
				"required": []string{"pattern"},
			}),
		},
		{
			Name:        NameApplyPatch,
			Description: "Finalize the task by submitting a unified diff against the workspace",
			Parameters: mustMarshal(map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"unified_diff": map[string]interface{}{"type": "string", "description": "Unified diff text"},
				},
				"required": []string{"unified_diff"},
			}),
		},
		{
			Name:        NameRun,
			Description: "Run an allowlisted command in the sandbox; cmd is an argv vector, not a shell string",
			Parameters: mustMarshal(map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"cmd": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Command argv, e.g. [\"python\",\"-m\",\"pytest\",\"-q\"]",
					},
				},
				"required": []string{"cmd"},
			}),
		},
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
