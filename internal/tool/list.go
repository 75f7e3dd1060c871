package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/opencode-ai/toolgate/internal/policy"
)

const listDescription = `Lists the entries of a directory.

Usage:
- path defaults to the working directory
- Directories are listed first, then files with their sizes
- Dependency and build directories are skipped; ignore adds more patterns`

// ListTool lists directories.
type ListTool struct {
	ws workspace
}

// ListInput is the input of the List tool.
type ListInput struct {
	Path   string   `json:"path,omitempty"`
	Ignore []string `json:"ignore,omitempty"`
}

var defaultIgnorePatterns = []string{
	"node_modules/",
	"__pycache__/",
	".git/",
	"dist/",
	"build/",
	"target/",
	"vendor/",
	".idea/",
	".vscode/",
	"coverage/",
	".cache/",
	".venv/",
	"venv/",
}

// NewListTool returns a List tool over fsys.
func NewListTool(fsys afero.Fs, workDir string) *ListTool {
	return &ListTool{ws: newWorkspace(fsys, workDir)}
}

func (t *ListTool) ID() string          { return "List" }
func (t *ListTool) Description() string { return listDescription }

func (t *ListTool) Spec() policy.ToolSpec {
	return policy.ToolSpec{
		Name:       "List",
		PrimaryArg: "path",
		ReadOnly:   true,
		Aliases:    []string{"list", "ls", "list_directory"},
	}
}

func (t *ListTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory to list"},
			"ignore": {"type": "array", "items": {"type": "string"}, "description": "Extra glob patterns to skip"}
		}
	}`)
}

func (t *ListTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params ListInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &params); err != nil {
			return nil, fmt.Errorf("invalid input: %w", err)
		}
	}

	listPath := t.ws.dir(toolCtx)
	if params.Path != "" {
		listPath = t.ws.abs(params.Path, toolCtx)
	}
	ignore := append(append([]string{}, defaultIgnorePatterns...), params.Ignore...)

	infos, err := afero.ReadDir(t.ws.fs, listPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	kept := infos[:0]
	for _, info := range infos {
		if !shouldIgnore(info.Name(), info.IsDir(), ignore) {
			kept = append(kept, info)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].IsDir() != kept[j].IsDir() {
			return kept[i].IsDir()
		}
		return kept[i].Name() < kept[j].Name()
	})

	var sb strings.Builder
	for _, info := range kept {
		if info.IsDir() {
			fmt.Fprintf(&sb, "%s/\n", info.Name())
			continue
		}
		fmt.Fprintf(&sb, "%s (%d bytes)\n", info.Name(), info.Size())
	}

	return &Result{
		Title:  fmt.Sprintf("Listed %d items", len(kept)),
		Output: sb.String(),
		Metadata: map[string]any{
			"path":  listPath,
			"count": len(kept),
		},
	}, nil
}

// shouldIgnore reports whether an entry matches an ignore pattern. Patterns
// ending in "/" only match directories.
func shouldIgnore(name string, isDir bool, patterns []string) bool {
	for _, pattern := range patterns {
		if dirPattern, ok := strings.CutSuffix(pattern, "/"); ok {
			if !isDir {
				continue
			}
			pattern = dirPattern
		}
		if matched, _ := doublestar.Match(pattern, name); matched {
			return true
		}
	}
	return false
}
