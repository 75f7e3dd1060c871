package jobs

import (
	"strings"
	"sync"
)

// Buffer is an append-only output buffer safe for concurrent writers and
// readers. Readers always see whole writes.
type Buffer struct {
	mu   sync.RWMutex
	data []byte
}

// Write appends p. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
	return len(p), nil
}

// String returns everything written so far.
func (b *Buffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return string(b.data)
}

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// Since returns the output written after the first offset bytes and the new
// offset, for incremental reads.
func (b *Buffer) Since(offset int) (string, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if offset < 0 || offset > len(b.data) {
		offset = 0
	}
	return string(b.data[offset:]), len(b.data)
}

// Tail returns the last n lines. n <= 0 returns everything.
func (b *Buffer) Tail(n int) string {
	out := b.String()
	if n <= 0 {
		return out
	}
	trimmed := strings.TrimSuffix(out, "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) <= n {
		return out
	}
	tail := strings.Join(lines[len(lines)-n:], "\n")
	if strings.HasSuffix(out, "\n") {
		tail += "\n"
	}
	return tail
}
