package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryTarget keeps objects in memory. Used in tests and dry runs.
type MemoryTarget struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

// NewMemoryTarget creates an empty in-memory target.
func NewMemoryTarget() *MemoryTarget {
	return &MemoryTarget{objects: make(map[string][]byte)}
}

// Put implements Target.
func (t *MemoryTarget) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	if err != nil {
		return fmt.Errorf("failed to read object %s: %w", key, err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("object %s: read %d bytes, want %d", key, n, size)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.objects[key] = buf.Bytes()
	t.puts++
	return nil
}

// Exists implements Target.
func (t *MemoryTarget) Exists(ctx context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.objects[key]
	return ok, nil
}

// Get returns a stored object.
func (t *MemoryTarget) Get(key string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.objects[key]
	return b, ok
}

// Puts returns how many Put calls succeeded.
func (t *MemoryTarget) Puts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.puts
}
