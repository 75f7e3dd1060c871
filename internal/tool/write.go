package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/opencode-ai/toolgate/internal/policy"
	"github.com/opencode-ai/toolgate/internal/preview"
)

const writeDescription = `Writes a file in the workspace, replacing any existing content.

Usage:
- filePath may be absolute or relative to the working directory
- Missing parent directories are created
- Prefer Edit for changing part of an existing file`

// WriteTool creates or overwrites files.
type WriteTool struct {
	ws workspace
}

// WriteInput is the input of the Write tool.
type WriteInput struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

// NewWriteTool returns a Write tool over fsys.
func NewWriteTool(fsys afero.Fs, workDir string) *WriteTool {
	return &WriteTool{ws: newWorkspace(fsys, workDir)}
}

func (t *WriteTool) ID() string          { return "Write" }
func (t *WriteTool) Description() string { return writeDescription }

func (t *WriteTool) Spec() policy.ToolSpec {
	return policy.ToolSpec{
		Name:       "Write",
		PrimaryArg: "filePath",
		Aliases:    []string{"write", "write_file", "create"},
	}
}

func (t *WriteTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {"type": "string", "description": "Path of the file to write"},
			"content": {"type": "string", "description": "Full new content of the file"}
		},
		"required": ["filePath", "content"]
	}`)
}

// Preview diffs the current file content against what would be written.
func (t *WriteTool) Preview(input json.RawMessage, toolCtx *Context) []preview.Block {
	var params WriteInput
	if err := json.Unmarshal(input, &params); err != nil || params.FilePath == "" {
		return nil
	}
	path := t.ws.abs(params.FilePath, toolCtx)
	before, err := t.ws.readExisting(path)
	if err != nil {
		return []preview.Block{preview.Text(params.FilePath, fmt.Sprintf("cannot read current content: %v", err))}
	}
	return []preview.Block{preview.Diff(path, before, params.Content, t.ws.dir(toolCtx))}
}

func (t *WriteTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params WriteInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.FilePath == "" {
		return nil, fmt.Errorf("filePath is required")
	}

	path := t.ws.abs(params.FilePath, toolCtx)
	existed, err := afero.Exists(t.ws.fs, path)
	if err != nil {
		return nil, err
	}
	if err := t.ws.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := afero.WriteFile(t.ws.fs, path, []byte(params.Content), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	verb := "Created"
	if existed {
		verb = "Overwrote"
	}
	return &Result{
		Title:  "Wrote " + filepath.Base(path),
		Output: fmt.Sprintf("%s %s (%d bytes)", verb, path, len(params.Content)),
		Metadata: map[string]any{
			"file":    path,
			"bytes":   len(params.Content),
			"existed": existed,
		},
	}, nil
}
