package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/spf13/afero"

	"github.com/opencode-ai/toolgate/internal/policy"
	"github.com/opencode-ai/toolgate/internal/preview"
)

// minFuzzySimilarity is the lowest similarity a fuzzy match may have.
const minFuzzySimilarity = 0.7

const editDescription = `Replaces text in an existing file.

Usage:
- filePath may be absolute or relative to the working directory
- oldString must occur exactly once unless replaceAll is set
- A near match is accepted when no exact match exists`

// EditTool replaces text in files.
type EditTool struct {
	ws workspace
}

// EditInput is the input of the Edit tool.
type EditInput struct {
	FilePath   string `json:"filePath"`
	OldString  string `json:"oldString"`
	NewString  string `json:"newString"`
	ReplaceAll bool   `json:"replaceAll,omitempty"`
}

// edit is the outcome of applying an EditInput to a file's text.
type edit struct {
	text  string
	count int
	// how the match was found when it was not exact
	note string
}

// NewEditTool returns an Edit tool over fsys.
func NewEditTool(fsys afero.Fs, workDir string) *EditTool {
	return &EditTool{ws: newWorkspace(fsys, workDir)}
}

func (t *EditTool) ID() string          { return "Edit" }
func (t *EditTool) Description() string { return editDescription }

func (t *EditTool) Spec() policy.ToolSpec {
	return policy.ToolSpec{
		Name:       "Edit",
		PrimaryArg: "filePath",
		Aliases:    []string{"edit", "edit_file", "str_replace"},
	}
}

func (t *EditTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {"type": "string", "description": "Path of the file to edit"},
			"oldString": {"type": "string", "description": "Text to replace"},
			"newString": {"type": "string", "description": "Replacement text"},
			"replaceAll": {"type": "boolean", "description": "Replace every occurrence"}
		},
		"required": ["filePath", "oldString", "newString"]
	}`)
}

// Preview shows the diff the edit would produce without writing it.
func (t *EditTool) Preview(input json.RawMessage, toolCtx *Context) []preview.Block {
	var params EditInput
	if err := json.Unmarshal(input, &params); err != nil || params.FilePath == "" {
		return nil
	}
	path := t.ws.abs(params.FilePath, toolCtx)
	content, err := afero.ReadFile(t.ws.fs, path)
	if err != nil {
		return []preview.Block{preview.Text(params.FilePath, fmt.Sprintf("cannot read file: %v", err))}
	}
	e, err := applyEdit(string(content), params)
	if err != nil {
		return []preview.Block{preview.Text(params.FilePath, err.Error())}
	}
	return []preview.Block{preview.Diff(path, string(content), e.text, t.ws.dir(toolCtx))}
}

func (t *EditTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params EditInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	if params.FilePath == "" {
		return nil, errors.New("filePath is required")
	}

	path := t.ws.abs(params.FilePath, toolCtx)
	info, err := t.ws.fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	content, err := afero.ReadFile(t.ws.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	e, err := applyEdit(string(content), params)
	if err != nil {
		return nil, err
	}
	if err := afero.WriteFile(t.ws.fs, path, []byte(e.text), info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	title := fmt.Sprintf("Edited %s", filepath.Base(path))
	output := fmt.Sprintf("Replaced %d occurrence(s)", e.count)
	if e.note != "" {
		title += " (" + e.note + ")"
		output += " (" + e.note + ")"
	}

	return &Result{
		Title:  title,
		Output: output,
		Metadata: map[string]any{
			"file":         path,
			"replacements": e.count,
		},
	}, nil
}

// applyEdit computes the edited text: exact match first, then line-ending
// normalized, then the most similar line block.
func applyEdit(text string, params EditInput) (edit, error) {
	if params.OldString == "" {
		return edit{}, errors.New("oldString is required")
	}
	if params.OldString == params.NewString {
		return edit{}, errors.New("oldString and newString must be different")
	}

	count := strings.Count(text, params.OldString)
	switch {
	case count > 0 && params.ReplaceAll:
		return edit{text: strings.ReplaceAll(text, params.OldString, params.NewString), count: count}, nil
	case count == 1:
		return edit{text: strings.Replace(text, params.OldString, params.NewString, 1), count: 1}, nil
	case count > 1:
		return edit{}, fmt.Errorf("oldString appears %d times in file. Use replaceAll or provide more context", count)
	}

	normalizedOld := normalizeLineEndings(params.OldString)
	normalizedText := normalizeLineEndings(text)
	if strings.Contains(normalizedText, normalizedOld) {
		return edit{
			text:  strings.Replace(normalizedText, normalizedOld, params.NewString, 1),
			count: 1,
			note:  "line endings normalized",
		}, nil
	}

	match, sim := findBestMatch(text, params.OldString)
	if match != "" && sim >= minFuzzySimilarity {
		return edit{
			text:  strings.Replace(text, match, params.NewString, 1),
			count: 1,
			note:  fmt.Sprintf("%.0f%% similarity", sim*100),
		}, nil
	}

	return edit{}, errors.New("oldString not found in file. The content may have changed or the string doesn't exist")
}

func normalizeLineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// findBestMatch finds the line block most similar to target.
func findBestMatch(text, target string) (string, float64) {
	lines := strings.Split(text, "\n")
	targetLen := len(strings.Split(target, "\n"))

	bestMatch := ""
	bestSimilarity := 0.0
	for i := 0; i+targetLen <= len(lines); i++ {
		block := strings.Join(lines[i:i+targetLen], "\n")
		if sim := similarity(block, target); sim > bestSimilarity {
			bestSimilarity = sim
			bestMatch = block
		}
	}
	return bestMatch, bestSimilarity
}

// similarity is the normalized Levenshtein similarity of a and b.
func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	// Length ratio for extremely long strings
	if len(a) > 10000 || len(b) > 10000 {
		return float64(min(len(a), len(b))) / float64(max(len(a), len(b)))
	}

	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(max(len(a), len(b)))
}
