// Package watcher turns a local workspace of markdown files into editing
// sessions: every .md file is one session keyed by its slash-separated path
// relative to the workspace root.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/inkwell/internal/autosave"
	"github.com/starford/inkwell/internal/parser"
)

const defaultRenameWindow = 300 * time.Millisecond

// Scheduler is the part of the autosave orchestrator the watcher drives.
type Scheduler interface {
	ScheduleSave(sessionID string, d autosave.Draft)
	RenameDocument(oldID, newID, newTitle string) error
	Bind(sessionID, ownerID, noteID string)
	Forget(sessionID string) bool
}

// Watcher feeds workspace file changes to a Scheduler.
type Watcher struct {
	root         string
	ownerID      string
	sched        Scheduler
	bindings     *Bindings
	logger       *slog.Logger
	renameWindow time.Duration
}

// Option configures a Watcher.
type Option func(*Watcher)

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithRenameWindow sets how long a Rename waits for the matching Create
// before it is treated as a removal.
func WithRenameWindow(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.renameWindow = d
		}
	}
}

// New creates a watcher for root whose sessions belong to ownerID.
func New(root, ownerID string, sched Scheduler, bindings *Bindings, opts ...Option) *Watcher {
	w := &Watcher{
		root:         root,
		ownerID:      ownerID,
		sched:        sched,
		bindings:     bindings,
		logger:       slog.Default(),
		renameWindow: defaultRenameWindow,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Scan restores persisted bindings for existing files and schedules a
// save for every file that has never been bound.
func (w *Watcher) Scan() error {
	return filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != w.root && hidden(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		id, ok := w.sessionID(path)
		if !ok {
			return nil
		}
		if b, bound := w.bindings.Get(id); bound {
			w.sched.Bind(id, b.OwnerID, b.NoteID)
			return nil
		}
		w.schedule(id, path)
		return nil
	})
}

// Run watches the workspace until ctx is cancelled.
//
// fsnotify reports a rename as Rename on the old path followed by Create on
// the new one. A pending rename that sees a Create within the rename window
// moves the session, keeping its note binding; otherwise the old session is
// treated as removed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := addDirsRecursive(fw, w.root); err != nil {
		return err
	}
	w.logger.Info("watcher: started", slog.String("root", w.root))

	var (
		pendingRename string
		renameTimer   *time.Timer
		renameCh      <-chan time.Time
	)
	startRename := func(id string) {
		if pendingRename != "" {
			w.removed(pendingRename)
		}
		pendingRename = id
		if renameTimer == nil {
			renameTimer = time.NewTimer(w.renameWindow)
		} else {
			renameTimer.Reset(w.renameWindow)
		}
		renameCh = renameTimer.C
	}
	takeRename := func() string {
		id := pendingRename
		pendingRename = ""
		if renameTimer != nil {
			renameTimer.Stop()
		}
		renameCh = nil
		return id
	}

	for {
		select {
		case <-ctx.Done():
			if renameTimer != nil {
				renameTimer.Stop()
			}
			w.logger.Info("watcher: stopped")
			return nil

		case <-renameCh:
			w.removed(takeRename())

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			path := ev.Name

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
					if hidden(filepath.Base(path)) {
						continue
					}
					if addErr := addDirsRecursive(fw, path); addErr != nil {
						w.logger.Warn("watcher: add new dir failed",
							slog.String("path", path),
							slog.String("error", addErr.Error()))
					}
					w.scheduleTree(path)
					continue
				}
			}

			id, ok := w.sessionID(path)
			if !ok {
				continue
			}

			switch {
			case ev.Op&fsnotify.Create != 0 && pendingRename != "":
				w.renamed(takeRename(), id, path)

			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				w.schedule(id, path)

			case ev.Op&fsnotify.Rename != 0:
				startRename(id)

			case ev.Op&fsnotify.Remove != 0:
				w.removed(id)
			}

		case watchErr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// schedule reads path and hands its current state to the scheduler.
func (w *Watcher) schedule(id, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("watcher: read failed", slog.String("path", id), slog.String("error", err.Error()))
		}
		return
	}
	w.sched.ScheduleSave(id, w.draft(id, data))
	w.logger.Debug("watcher: scheduled", slog.String("path", id))
}

func (w *Watcher) draft(id string, data []byte) autosave.Draft {
	doc := parser.Parse(data)
	title := strings.TrimSpace(doc.Title)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(id), ".md")
	}
	return autosave.Draft{
		OwnerID: w.ownerID,
		Title:   title,
		Content: string(data),
		Tags:    doc.Tags,
	}
}

func (w *Watcher) renamed(oldID, newID, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("watcher: read renamed file", slog.String("path", newID), slog.String("error", err.Error()))
		return
	}
	d := w.draft(newID, data)
	if err := w.sched.RenameDocument(oldID, newID, d.Title); err != nil {
		// The new path already has a session; save it as its own file.
		w.logger.Warn("watcher: rename session",
			slog.String("from", oldID),
			slog.String("to", newID),
			slog.String("error", err.Error()))
		w.sched.ScheduleSave(newID, d)
		return
	}
	if err := w.bindings.Rename(oldID, newID); err != nil {
		w.logger.Error("watcher: rename binding", slog.String("from", oldID), slog.String("error", err.Error()))
	}
	w.sched.ScheduleSave(newID, d)
	w.logger.Info("watcher: renamed", slog.String("from", oldID), slog.String("to", newID))
}

// removed drops the session of a file that left the workspace. The note on
// the server and the binding are kept so the file can come back.
func (w *Watcher) removed(id string) {
	if id == "" {
		return
	}
	if !w.sched.Forget(id) {
		w.logger.Debug("watcher: removed file has unsaved edits", slog.String("path", id))
		return
	}
	w.logger.Info("watcher: file removed", slog.String("path", id))
}

// scheduleTree schedules every markdown file under a newly created dir.
func (w *Watcher) scheduleTree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if id, ok := w.sessionID(path); ok {
			w.schedule(id, path)
		}
		return nil
	})
}

// sessionID maps an absolute path to its session id. Hidden files and
// non-markdown files have none.
func (w *Watcher) sessionID(path string) (string, bool) {
	if !strings.HasSuffix(path, ".md") {
		return "", false
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if hidden(part) {
			return "", false
		}
	}
	return filepath.ToSlash(rel), true
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// addDirsRecursive adds root and all its non-hidden subdirectories.
func addDirsRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(d.Name()) {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}
