package watcher

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/natefinch/atomic"
)

// Binding ties a workspace file to the note it saves into.
type Binding struct {
	OwnerID string `json:"owner_id"`
	NoteID  string `json:"note_id"`
}

// Bindings is the persisted session -> note map. It survives restarts so a
// file keeps updating the same note instead of creating a new one.
type Bindings struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
	m  map[string]Binding
}

// LoadBindings reads path, or starts empty when it does not exist yet.
func LoadBindings(path string, logger *slog.Logger) (*Bindings, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bindings{path: path, logger: logger, m: make(map[string]Binding)}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return b, nil
	case err != nil:
		return nil, fmt.Errorf("watcher: read bindings: %w", err)
	}
	if err := json.Unmarshal(data, &b.m); err != nil {
		return nil, fmt.Errorf("watcher: parse bindings %s: %w", path, err)
	}
	return b, nil
}

func (b *Bindings) Get(sessionID string) (Binding, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.m[sessionID]
	return v, ok
}

// Sessions returns the bound session ids in order.
func (b *Bindings) Sessions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.m))
	for id := range b.m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Set records a binding and persists the map.
func (b *Bindings) Set(sessionID, ownerID, noteID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.m[sessionID]; ok && cur.NoteID == noteID && cur.OwnerID == ownerID {
		return nil
	}
	b.m[sessionID] = Binding{OwnerID: ownerID, NoteID: noteID}
	return b.saveLocked()
}

// Observe is Set for hooks that cannot return an error.
func (b *Bindings) Observe(sessionID, ownerID, noteID string) {
	if err := b.Set(sessionID, ownerID, noteID); err != nil {
		b.logger.Error("watcher: persist binding",
			slog.String("session", sessionID),
			slog.String("note", noteID),
			slog.String("error", err.Error()),
		)
	}
}

// Rename moves a binding to a new session id.
func (b *Bindings) Rename(oldID, newID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.m[oldID]
	if !ok {
		return nil
	}
	delete(b.m, oldID)
	b.m[newID] = v
	return b.saveLocked()
}

func (b *Bindings) saveLocked() error {
	data, err := json.MarshalIndent(b.m, "", "  ")
	if err != nil {
		return fmt.Errorf("watcher: encode bindings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("watcher: create bindings dir: %w", err)
	}
	if err := atomic.WriteFile(b.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("watcher: write bindings: %w", err)
	}
	return nil
}
