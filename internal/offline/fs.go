package offline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/starford/inkwell/internal/checksum"
)

const recordExt = ".json"

// FSStage keeps one JSON file per session in a directory. File names are
// derived from the session id so any id is safe to use.
type FSStage struct {
	dir       string
	retention time.Duration
	logger    *slog.Logger

	mu sync.Mutex
}

var _ Stage = (*FSStage)(nil)

// NewFSStage creates dir if needed. A non-positive retention uses
// DefaultRetention.
func NewFSStage(dir string, retention time.Duration, logger *slog.Logger) (*FSStage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("offline: create dir: %w", err)
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FSStage{dir: dir, retention: retention, logger: logger}, nil
}

func (s *FSStage) path(sessionID string) string {
	return filepath.Join(s.dir, checksum.String(sessionID)+recordExt)
}

func (s *FSStage) Stage(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(r)
}

func (s *FSStage) write(r Record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("offline: encode record: %w", err)
	}
	if err := atomic.WriteFile(s.path(r.SessionID), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("offline: write record: %w", err)
	}
	return nil
}

func (s *FSStage) read(path string) (Record, error) {
	var r Record
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("offline: decode %s: %w", filepath.Base(path), err)
	}
	return r, nil
}

func (s *FSStage) Get(sessionID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.read(s.path(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return r, true, nil
}

func (s *FSStage) List() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

// list skips unreadable files so one corrupt record cannot block a drain.
func (s *FSStage) list() ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("offline: read dir: %w", err)
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		r, err := s.read(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.logger.Warn("offline: skipping unreadable record",
				slog.String("file", e.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, r)
	}
	sortOldestFirst(out)
	return out, nil
}

func (s *FSStage) Remove(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(sessionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("offline: remove record: %w", err)
	}
	return nil
}

func (s *FSStage) RemoveIfUnchanged(r Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.read(s.path(r.SessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !sameRecord(cur, r) {
		return false, nil
	}
	if err := os.Remove(s.path(r.SessionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("offline: remove record: %w", err)
	}
	return true, nil
}

func (s *FSStage) Rename(oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.read(s.path(oldID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	r.SessionID = newID
	if err := s.write(r); err != nil {
		return err
	}
	if err := os.Remove(s.path(oldID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("offline: remove renamed record: %w", err)
	}
	return nil
}

func (s *FSStage) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.list()
	return len(records), err
}

func (s *FSStage) Purge(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.list()
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, r := range records {
		if !expired(r, now, s.retention) {
			continue
		}
		if err := os.Remove(s.path(r.SessionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return purged, fmt.Errorf("offline: purge: %w", err)
		}
		s.logger.Info("offline: purged expired record",
			slog.String("session", r.SessionID),
			slog.Time("staged_at", r.StagedAt),
		)
		purged++
	}
	return purged, nil
}
