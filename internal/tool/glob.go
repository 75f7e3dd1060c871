package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/opencode-ai/toolgate/internal/policy"
)

const maxGlobFiles = 100

const globDescription = `Finds files by glob pattern.

Usage:
- Patterns support ** for any depth, e.g. "src/**/*.go"
- Matches are listed newest first, at most 100
- path narrows the search to a directory`

// GlobTool finds files by pattern.
type GlobTool struct {
	ws workspace
}

// GlobInput is the input of the Glob tool.
type GlobInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

// NewGlobTool returns a Glob tool over fsys.
func NewGlobTool(fsys afero.Fs, workDir string) *GlobTool {
	return &GlobTool{ws: newWorkspace(fsys, workDir)}
}

func (t *GlobTool) ID() string          { return "Glob" }
func (t *GlobTool) Description() string { return globDescription }

func (t *GlobTool) Spec() policy.ToolSpec {
	return policy.ToolSpec{
		Name:       "Glob",
		PrimaryArg: "pattern",
		ReadOnly:   true,
		Aliases:    []string{"glob"},
	}
}

func (t *GlobTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string", "description": "Glob pattern to match"},
			"path": {"type": "string", "description": "Directory to search (default: working directory)"}
		},
		"required": ["pattern"]
	}`)
}

func (t *GlobTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params GlobInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if !doublestar.ValidatePattern(params.Pattern) {
		return nil, fmt.Errorf("invalid glob pattern: %q", params.Pattern)
	}

	searchDir := t.ws.dir(toolCtx)
	if params.Path != "" {
		searchDir = t.ws.abs(params.Path, toolCtx)
	}
	root := afero.NewIOFS(afero.NewBasePathFs(t.ws.fs, searchDir))

	type match struct {
		path    string
		modTime time.Time
	}
	var matches []match
	err := doublestar.GlobWalk(root, params.Pattern, func(path string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		matches = append(matches, match{path: path, modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("glob failed: %w", err)
	}

	if len(matches) == 0 {
		return &Result{
			Title:  "Glob search",
			Output: "No files matched the pattern",
			Metadata: map[string]any{
				"pattern": params.Pattern,
				"count":   0,
			},
		}, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if !matches[i].modTime.Equal(matches[j].modTime) {
			return matches[i].modTime.After(matches[j].modTime)
		}
		return matches[i].path < matches[j].path
	})

	truncated := false
	if len(matches) > maxGlobFiles {
		matches = matches[:maxGlobFiles]
		truncated = true
	}

	files := make([]string, len(matches))
	for i, m := range matches {
		files[i] = filepath.Join(searchDir, filepath.FromSlash(m.path))
	}

	output := strings.Join(files, "\n")
	if truncated {
		output += fmt.Sprintf("\n\n(Showing first %d files)", maxGlobFiles)
	}

	return &Result{
		Title:  fmt.Sprintf("Found %d files", len(files)),
		Output: output,
		Metadata: map[string]any{
			"pattern":   params.Pattern,
			"count":     len(files),
			"truncated": truncated,
		},
	}, nil
}
