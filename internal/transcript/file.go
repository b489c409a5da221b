package transcript

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	ctxpkg "github.com/stupiduntilnot/chatmem/internal/context"
)

// File reads a transcript from Path and writes it to OutPath (or back to
// Path when OutPath is empty). A missing input file is an empty transcript.
type File struct {
	Path    string
	OutPath string
}

func (f *File) Load(_ context.Context) (ctxpkg.Transcript, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ctxpkg.Transcript{}, nil
		}
		return ctxpkg.Transcript{}, fmt.Errorf("read transcript %s: %w", f.Path, err)
	}
	t, err := Decode(data)
	if err != nil {
		return t, fmt.Errorf("decode transcript %s: %w", f.Path, err)
	}
	return t, nil
}

// Save writes to a temporary file and renames it over the target so a
// crash never leaves a half-written transcript.
func (f *File) Save(_ context.Context, t ctxpkg.Transcript) error {
	path := f.OutPath
	if path == "" {
		path = f.Path
	}
	data, err := Encode(t)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create transcript directory %s: %w", dir, err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write transcript %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace transcript %s: %w", path, err)
	}
	return nil
}

// Memory keeps the persisted JSON in memory. It stands in for File when
// the caller already holds the conversation as a value.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

// NewMemory creates a Memory seeded with persisted JSON (may be nil).
func NewMemory(data []byte) *Memory {
	return &Memory{data: append([]byte(nil), data...)}
}

func (m *Memory) Load(_ context.Context) (ctxpkg.Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Decode(m.data)
}

func (m *Memory) Save(_ context.Context, t ctxpkg.Transcript) error {
	data, err := Encode(t)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

// Bytes returns the last saved JSON.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}
