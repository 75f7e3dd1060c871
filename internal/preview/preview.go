// Package preview builds the blocks shown to a human when a tool call needs
// permission.
package preview

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Kind identifies how a block should be rendered.
type Kind string

const (
	KindText    Kind = "text"
	KindCommand Kind = "command"
	KindDiff    Kind = "diff"
)

// Block is one renderable piece of a permission preview.
type Block struct {
	Kind      Kind   `json:"kind"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content"`
	Additions int    `json:"additions,omitempty"`
	Deletions int    `json:"deletions,omitempty"`
}

// Text returns a plain text block.
func Text(title, content string) Block {
	return Block{Kind: KindText, Title: title, Content: content}
}

// Command returns a block showing a shell command line.
func Command(command, workDir string) Block {
	title := "$"
	if workDir != "" {
		title = workDir + " $"
	}
	return Block{Kind: KindCommand, Title: title, Content: command}
}

// Diff returns a unified diff block for a file change. Identical contents
// produce a text block saying so.
func Diff(path, before, after, baseDir string) Block {
	relPath := relativePath(path, baseDir)
	if before == after {
		return Text(relPath, "no changes")
	}

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	additions, deletions := 0, 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}

	var builder strings.Builder
	if relPath != "" {
		builder.WriteString(fmt.Sprintf("--- %s\n", relPath))
		builder.WriteString(fmt.Sprintf("+++ %s\n", relPath))
	}
	builder.WriteString(dmp.PatchToText(dmp.PatchMake(before, diffs)))

	return Block{
		Kind:      KindDiff,
		Title:     relPath,
		Content:   builder.String(),
		Additions: additions,
		Deletions: deletions,
	}
}

func relativePath(path, baseDir string) string {
	if path == "" || baseDir == "" {
		return path
	}
	if rel, err := filepath.Rel(baseDir, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	lines := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		lines++
	}
	return lines
}
