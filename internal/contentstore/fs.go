package contentstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/starford/inkwell/internal/apperr"
)

// FSBackend stores objects as files under a root directory.
type FSBackend struct {
	root string // absolute
}

var _ Backend = (*FSBackend)(nil)

// NewFSBackend creates the root directory if needed and returns a backend
// rooted there.
func NewFSBackend(root string) (*FSBackend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("contentstore: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("contentstore: create root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("contentstore: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("contentstore: root is not a directory: %s", abs)
	}
	return &FSBackend{root: abs}, nil
}

// safePath resolves key against the root and rejects anything that escapes it.
func (f *FSBackend) safePath(key string) (string, error) {
	if key == "" {
		return f.root, nil
	}
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(cleaned) {
		return "", apperr.Validation(fmt.Sprintf("absolute keys not allowed: %s", key))
	}
	abs := filepath.Join(f.root, cleaned)
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) && abs != f.root {
		return "", apperr.Validation(fmt.Sprintf("key escapes store root: %s", key))
	}
	return abs, nil
}

// Put writes data through a temp file and rename so readers never observe a
// partial object.
func (f *FSBackend) Put(_ context.Context, key string, data []byte) error {
	abs, err := f.safePath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("contentstore: mkdir: %w", err)
	}
	if err := atomic.WriteFile(abs, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("contentstore: write %s: %w", key, err)
	}
	return nil
}

// Get reads the object at key.
func (f *FSBackend) Get(_ context.Context, key string) ([]byte, error) {
	abs, err := f.safePath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.NotFound("object " + key)
		}
		return nil, fmt.Errorf("contentstore: read %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the object at key.
func (f *FSBackend) Delete(_ context.Context, key string) error {
	abs, err := f.safePath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("contentstore: delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present.
func (f *FSBackend) Exists(_ context.Context, key string) (bool, error) {
	abs, err := f.safePath(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("contentstore: stat %s: %w", key, err)
	}
	return true, nil
}

// List walks the tree under prefix and returns slash-separated keys.
func (f *FSBackend) List(_ context.Context, prefix string) ([]string, error) {
	base, err := f.safePath(prefix)
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, os.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("contentstore: list: %w", err)
	}
	return out, nil
}
