package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/opencode-ai/toolgate/internal/policy"
)

const (
	defaultReadLimit = 2000
	maxLineLength    = 2000
)

const readDescription = `Reads a file from the workspace.

Usage:
- filePath may be absolute or relative to the working directory
- Reads up to 2000 lines unless limit says otherwise
- offset is the 1-based line to start from
- Lines are returned numbered; very long lines are truncated`

// ReadTool reads text files.
type ReadTool struct {
	ws workspace
}

// ReadInput is the input of the Read tool.
type ReadInput struct {
	FilePath string `json:"filePath"`
	Offset   int    `json:"offset,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// NewReadTool returns a Read tool over fsys. A nil fsys is the OS filesystem.
func NewReadTool(fsys afero.Fs, workDir string) *ReadTool {
	return &ReadTool{ws: newWorkspace(fsys, workDir)}
}

func (t *ReadTool) ID() string          { return "Read" }
func (t *ReadTool) Description() string { return readDescription }

func (t *ReadTool) Spec() policy.ToolSpec {
	return policy.ToolSpec{
		Name:       "Read",
		PrimaryArg: "filePath",
		ReadOnly:   true,
		Aliases:    []string{"read", "read_file", "view"},
	}
}

func (t *ReadTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {"type": "string", "description": "Path of the file to read"},
			"offset": {"type": "integer", "description": "1-based line to start from"},
			"limit": {"type": "integer", "description": "Maximum number of lines (default 2000)"}
		},
		"required": ["filePath"]
	}`)
}

func (t *ReadTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params ReadInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.FilePath == "" {
		return nil, fmt.Errorf("filePath is required")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	first := max(params.Offset, 1)

	path := t.ws.abs(params.FilePath, toolCtx)
	if secretFile(path) {
		return nil, fmt.Errorf("reading %s is not allowed, do not retry", params.FilePath)
	}

	f, err := t.ws.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("file not found: %s", params.FilePath)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, use List instead", params.FilePath)
	}

	br := bufio.NewReaderSize(f, sniffLen)
	if head, _ := br.Peek(sniffLen); looksBinary(head) {
		return nil, fmt.Errorf("%s appears to be a binary file", params.FilePath)
	}

	lines, total, err := readLines(br, first, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("<file>\n")
	for i, line := range lines {
		fmt.Fprintf(&sb, "%05d| %s\n", first+i, line)
	}
	last := first - 1 + len(lines)
	if total > last {
		fmt.Fprintf(&sb, "\n(File has more lines. Use 'offset' parameter to read beyond line %d)\n", last)
	} else {
		fmt.Fprintf(&sb, "\n(End of file - total %d lines)\n", total)
	}
	sb.WriteString("</file>")

	return &Result{
		Title:  "Read " + filepath.Base(path),
		Output: sb.String(),
		Metadata: map[string]any{
			"file":       path,
			"lines":      len(lines),
			"totalLines": total,
		},
	}, nil
}

// readLines returns up to limit lines starting at the 1-based line first,
// and the total number of lines in r.
func readLines(r io.Reader, first, limit int) ([]string, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var lines []string
	total := 0
	for scanner.Scan() {
		total++
		if total < first || len(lines) >= limit {
			continue
		}
		line := scanner.Text()
		if len(line) > maxLineLength {
			line = line[:maxLineLength] + "..."
		}
		lines = append(lines, line)
	}
	return lines, total, scanner.Err()
}
