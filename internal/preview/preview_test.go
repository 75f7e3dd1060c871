package preview

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiff(t *testing.T) {
	block := Diff("/work/src/main.go", "a\nb\nc\n", "a\nB\nc\nd\n", "/work")

	assert.Equal(t, KindDiff, block.Kind)
	assert.Equal(t, "src/main.go", block.Title)
	assert.Contains(t, block.Content, "--- src/main.go\n+++ src/main.go\n")
	assert.Contains(t, block.Content, "@@")
	assert.Equal(t, 2, block.Additions)
	assert.Equal(t, 1, block.Deletions)
}

func TestDiff_NoChanges(t *testing.T) {
	block := Diff("/work/a.txt", "same", "same", "/work")
	assert.Equal(t, KindText, block.Kind)
	assert.Equal(t, "no changes", block.Content)
}

func TestDiff_NewFile(t *testing.T) {
	block := Diff("/elsewhere/new.txt", "", "one\ntwo\n", "/work")
	assert.Equal(t, "/elsewhere/new.txt", block.Title, "paths outside the base stay absolute")
	assert.Equal(t, 2, block.Additions)
	assert.Zero(t, block.Deletions)
}

func TestCommand(t *testing.T) {
	assert.Equal(t, Block{Kind: KindCommand, Title: "/repo $", Content: "ls -la"}, Command("ls -la", "/repo"))
	assert.Equal(t, "$", Command("pwd", "").Title)
}

func TestCountLines(t *testing.T) {
	assert.Equal(t, 0, countLines(""))
	assert.Equal(t, 1, countLines("x"))
	assert.Equal(t, 1, countLines("x\n"))
	assert.Equal(t, 2, countLines("x\ny"))
}
