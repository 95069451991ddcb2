// Package noteservice is the only writer of note metadata. It composes the
// content store, the metadata index and the link graph into one logical
// operation per save.
package noteservice

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/starford/inkwell/internal/apperr"
	"github.com/starford/inkwell/internal/checksum"
	"github.com/starford/inkwell/internal/contentstore"
	"github.com/starford/inkwell/internal/index"
	"github.com/starford/inkwell/internal/models"
)

// Lifecycle event kinds passed to EventSink.
const (
	EventCreated  = "created"
	EventUpdated  = "updated"
	EventDeleted  = "deleted"
	EventRestored = "restored"
	EventPurged   = "purged"
)

const defaultRetryAttempts = 3

// orphanGrace is how long a body without a metadata row is assumed to belong
// to a create still in flight.
const orphanGrace = 10 * time.Minute

// ContentStore is the object storage the service writes note bodies to.
type ContentStore interface {
	PutWithRetry(ctx context.Context, ownerID, noteID string, content []byte, maxAttempts int) (contentstore.PutResult, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	BackupBeforeOverwrite(ctx context.Context, ownerID, noteID string) (string, error)
	RestoreBackup(ctx context.Context, backupKey, ownerID, noteID string) error
	NoteKeys(ctx context.Context) ([]string, error)
}

// LinkMaintainer recomputes a note's outgoing edges. It must not fail the
// caller.
type LinkMaintainer interface {
	RecomputeQuietly(ctx context.Context, ownerID, noteID, content string)
}

// EventSink receives note lifecycle notifications.
type EventSink interface {
	PublishNoteEvent(kind, ownerID, noteID string)
}

// Service coordinates storage, metadata and link operations.
type Service struct {
	store  ContentStore
	db     index.NoteIndex
	links  LinkMaintainer
	events EventSink

	retryAttempts int
	backups       bool
	now           func() time.Time
	newID         func() string
	logger        *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithRetryAttempts bounds the uploads attempted per save.
func WithRetryAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.retryAttempts = n
		}
	}
}

// WithBackups enables backup-before-overwrite on content updates.
func WithBackups(enabled bool) Option {
	return func(s *Service) { s.backups = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

func WithEvents(sink EventSink) Option {
	return func(s *Service) { s.events = sink }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a new note service.
func NewService(store ContentStore, db index.NoteIndex, links LinkMaintainer, opts ...Option) *Service {
	s := &Service{
		store:         store,
		db:            db,
		links:         links,
		retryAttempts: defaultRetryAttempts,
		now:           time.Now,
		logger:        slog.Default(),
		active:        make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.newID == nil {
		s.newID = newULIDGenerator(s.now)
	}
	return s
}

// newULIDGenerator returns a goroutine-safe monotonic ULID source.
func newULIDGenerator(now func() time.Time) func() string {
	var mu sync.Mutex
	entropy := ulid.Monotonic(rand.Reader, 0)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		return ulid.MustNew(ulid.Timestamp(now()), entropy).String()
	}
}

// Create allocates an id, uploads the body, inserts metadata and computes
// links. If the insert fails the uploaded object is deleted best-effort.
func (s *Service) Create(ctx context.Context, ownerID string, in models.NoteInput) (*models.Note, error) {
	if ownerID == "" {
		return nil, apperr.Validation("owner id is required")
	}
	in.Title = strings.TrimSpace(in.Title)
	in.Tags = models.NormalizeTags(in.Tags)
	if err := in.Validate(); err != nil {
		return nil, apperr.ValidationErr(err)
	}

	id := s.newID()
	res, err := s.store.PutWithRetry(ctx, ownerID, id, []byte(in.Content), s.retryAttempts)
	if err != nil {
		return nil, fmt.Errorf("noteservice: create: upload: %w", err)
	}

	now := s.now().UTC()
	n := &models.Note{
		ID:          id,
		OwnerID:     ownerID,
		Title:       in.Title,
		Tags:        in.Tags,
		ContentHash: res.Hash,
		StorageKey:  res.Key,
		Size:        res.Size,
		CreatedAt:   now,
		UpdatedAt:   now,
		AccessedAt:  now,
	}
	if err := s.db.InsertNote(ctx, n); err != nil {
		if derr := s.store.Delete(context.WithoutCancel(ctx), res.Key); derr != nil {
			s.logger.Warn("noteservice: orphaned object after failed insert",
				slog.String("key", res.Key),
				slog.String("error", derr.Error()),
			)
		}
		return nil, fmt.Errorf("noteservice: create: insert: %w", apperr.Transient(err))
	}

	s.links.RecomputeQuietly(ctx, ownerID, id, in.Content)
	s.publish(EventCreated, ownerID, id)

	n.Content = in.Content
	return n, nil
}

// Update applies a partial change to a live note. Content whose hash equals
// the stored hash is not re-uploaded and does not touch links; a patch that
// changes nothing returns the stored note without any writes.
func (s *Service) Update(ctx context.Context, ownerID, noteID string, patch models.NotePatch) (*models.Note, error) {
	if patch.Title != nil {
		t := strings.TrimSpace(*patch.Title)
		patch.Title = &t
	}
	if err := patch.Validate(); err != nil {
		return nil, apperr.ValidationErr(err)
	}

	n, err := s.loadLive(ctx, ownerID, noteID)
	if err != nil {
		return nil, err
	}

	contentChanged := patch.Content != nil && checksum.String(*patch.Content) != n.ContentHash
	metaChanged := false
	if patch.Title != nil && *patch.Title != n.Title {
		n.Title = *patch.Title
		metaChanged = true
	}
	if patch.Tags != nil {
		if tags := models.NormalizeTags(*patch.Tags); !slices.Equal(tags, n.Tags) {
			n.Tags = tags
			metaChanged = true
		}
	}

	if !contentChanged && !metaChanged {
		if patch.Content != nil {
			n.Content = *patch.Content
		}
		return n, nil
	}

	var (
		backupKey string
		previous  []byte
	)
	if contentChanged {
		if s.backups {
			backupKey, err = s.store.BackupBeforeOverwrite(ctx, ownerID, noteID)
			if err != nil {
				return nil, fmt.Errorf("noteservice: update: backup: %w", err)
			}
		} else {
			previous, err = s.store.Get(ctx, n.StorageKey)
			if err != nil && !errors.Is(err, apperr.ErrNotFound) {
				return nil, fmt.Errorf("noteservice: update: read previous body: %w", err)
			}
			if err == nil && previous == nil {
				previous = []byte{}
			}
		}
		res, err := s.store.PutWithRetry(ctx, ownerID, noteID, []byte(*patch.Content), s.retryAttempts)
		if err != nil {
			return nil, fmt.Errorf("noteservice: update: upload: %w", err)
		}
		n.ContentHash = res.Hash
		n.StorageKey = res.Key
		n.Size = res.Size
	}

	n.UpdatedAt = s.now().UTC()
	if err := s.db.UpdateNote(ctx, n); err != nil {
		if contentChanged {
			s.restoreBody(context.WithoutCancel(ctx), ownerID, noteID, backupKey, previous)
		}
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("noteservice: update: %w", apperr.Transient(err))
	}

	if contentChanged {
		s.links.RecomputeQuietly(ctx, ownerID, noteID, *patch.Content)
		n.Content = *patch.Content
	}
	s.publish(EventUpdated, ownerID, noteID)
	return n, nil
}

// AutoSave creates (empty noteID) or updates a note while holding a
// per-(owner, note) marker. A concurrent call for the same key fails fast
// with ConflictInProgress.
func (s *Service) AutoSave(ctx context.Context, ownerID, noteID string, patch models.NotePatch) (*models.Note, error) {
	key := guardKey(ownerID, noteID)
	if !s.acquire(key) {
		return nil, apperr.ConflictInProgress(key)
	}
	defer s.release(key)

	if noteID == "" {
		in := models.NoteInput{}
		if patch.Title != nil {
			in.Title = *patch.Title
		}
		if patch.Content != nil {
			in.Content = *patch.Content
		}
		if patch.Tags != nil {
			in.Tags = *patch.Tags
		}
		return s.Create(ctx, ownerID, in)
	}
	return s.Update(ctx, ownerID, noteID, patch)
}

func guardKey(ownerID, noteID string) string {
	if noteID == "" {
		noteID = "new"
	}
	return ownerID + "/" + noteID
}

func (s *Service) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[key]; busy {
		return false
	}
	s.active[key] = struct{}{}
	return true
}

func (s *Service) release(key string) {
	s.mu.Lock()
	delete(s.active, key)
	s.mu.Unlock()
}

// Sync is the idempotent upsert behind the sync and emergency-save
// boundaries. A noteId that no longer resolves falls back to a create so
// the edit is never lost.
func (s *Service) Sync(ctx context.Context, req models.SyncRequest) (models.SyncResult, error) {
	req.Title = strings.TrimSpace(req.Title)
	if err := req.Validate(); err != nil {
		return models.SyncResult{}, apperr.ValidationErr(err)
	}

	n, err := s.AutoSave(ctx, req.OwnerID, req.NoteID, req.Patch())
	if err != nil && req.NoteID != "" && errors.Is(err, apperr.ErrNotFound) {
		s.logger.Info("noteservice: sync target gone, creating",
			slog.String("session", req.SessionID),
			slog.String("note", req.NoteID),
		)
		n, err = s.AutoSave(ctx, req.OwnerID, "", req.Patch())
	}
	if err != nil {
		return models.SyncResult{}, err
	}
	return models.SyncResult{NoteID: n.ID, SyncedAt: s.now().UTC()}, nil
}

// Delete soft-deletes a live note. Its body stays in storage.
func (s *Service) Delete(ctx context.Context, ownerID, noteID string) error {
	if err := s.db.SoftDelete(ctx, ownerID, noteID, s.now().UTC()); err != nil {
		return dbErr("delete", err)
	}
	s.publish(EventDeleted, ownerID, noteID)
	return nil
}

// Restore brings a soft-deleted note back.
func (s *Service) Restore(ctx context.Context, ownerID, noteID string) (*models.Note, error) {
	if err := s.db.Restore(ctx, ownerID, noteID, s.now().UTC()); err != nil {
		return nil, dbErr("restore", err)
	}
	s.publish(EventRestored, ownerID, noteID)
	return s.Get(ctx, ownerID, noteID)
}

// PermanentlyDelete removes metadata (outgoing edges cascade) and then the
// body. Failure to delete the body is logged; metadata is authoritative.
func (s *Service) PermanentlyDelete(ctx context.Context, ownerID, noteID string) error {
	n, err := s.db.GetNote(ctx, ownerID, noteID)
	if err != nil {
		return dbErr("permanent delete", err)
	}
	if err := s.db.DeleteNote(ctx, ownerID, noteID); err != nil {
		return dbErr("permanent delete", err)
	}
	if err := s.store.Delete(ctx, n.StorageKey); err != nil {
		s.logger.Warn("noteservice: content delete deferred",
			slog.String("key", n.StorageKey),
			slog.String("error", err.Error()),
		)
	}
	s.publish(EventPurged, ownerID, noteID)
	return nil
}

// Get returns a live note with its content and records the access.
func (s *Service) Get(ctx context.Context, ownerID, noteID string) (*models.Note, error) {
	n, err := s.loadLive(ctx, ownerID, noteID)
	if err != nil {
		return nil, err
	}
	data, err := s.store.Get(ctx, n.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("noteservice: get content: %w", err)
	}
	n.Content = string(data)

	now := s.now().UTC()
	if err := s.db.TouchNote(ctx, noteID, now); err != nil {
		s.logger.Debug("noteservice: touch failed", slog.String("note", noteID), slog.String("error", err.Error()))
	} else {
		n.AccessedAt = now
	}
	return n, nil
}

// List returns a page of the owner's notes without content.
func (s *Service) List(ctx context.Context, ownerID string, opts index.ListOptions) ([]models.Note, int, error) {
	notes, total, err := s.db.ListNotes(ctx, ownerID, opts)
	if err != nil {
		return nil, 0, dbErr("list", err)
	}
	return notes, total, nil
}

// Links returns the outgoing edges of a live note.
func (s *Service) Links(ctx context.Context, ownerID, noteID string) ([]models.LinkEdge, error) {
	if _, err := s.loadLive(ctx, ownerID, noteID); err != nil {
		return nil, err
	}
	edges, err := s.db.Links(ctx, noteID)
	if err != nil {
		return nil, dbErr("links", err)
	}
	return edges, nil
}

// Backlinks returns the edges from live notes into a live note.
func (s *Service) Backlinks(ctx context.Context, ownerID, noteID string) ([]models.LinkEdge, error) {
	if _, err := s.loadLive(ctx, ownerID, noteID); err != nil {
		return nil, err
	}
	edges, err := s.db.Backlinks(ctx, noteID)
	if err != nil {
		return nil, dbErr("backlinks", err)
	}
	return edges, nil
}

// Graph returns all of the owner's live notes and resolved edges.
func (s *Service) Graph(ctx context.Context, ownerID string) ([]models.GraphNode, []models.GraphLink, error) {
	nodes, links, err := s.db.Graph(ctx, ownerID)
	if err != nil {
		return nil, nil, dbErr("graph", err)
	}
	return nodes, links, nil
}

// PurgeDeleted permanently deletes notes soft-deleted more than olderThan
// ago. It returns how many were purged; individual failures are logged and
// skipped.
func (s *Service) PurgeDeleted(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	notes, err := s.db.DeletedBefore(ctx, cutoff)
	if err != nil {
		return 0, dbErr("purge", err)
	}
	purged := 0
	for _, n := range notes {
		if err := s.PermanentlyDelete(ctx, n.OwnerID, n.ID); err != nil {
			s.logger.Warn("noteservice: purge failed",
				slog.String("note", n.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		purged++
	}
	return purged, nil
}

// restoreBody puts the body a failed update overwrote back in place, from
// the backup when one was taken and from previous otherwise.
func (s *Service) restoreBody(ctx context.Context, ownerID, noteID, backupKey string, previous []byte) {
	var err error
	switch {
	case backupKey != "":
		err = s.store.RestoreBackup(ctx, backupKey, ownerID, noteID)
	case previous != nil:
		_, err = s.store.PutWithRetry(ctx, ownerID, noteID, previous, s.retryAttempts)
	default:
		return
	}
	if err != nil {
		s.logger.Warn("noteservice: restore after failed update",
			slog.String("note", noteID),
			slog.String("backup", backupKey),
			slog.String("error", err.Error()),
		)
	}
}

// CompactOrphans deletes stored note bodies that no metadata row refers to,
// such as those left behind when a best-effort delete failed. Bodies of notes
// created within orphanGrace are kept, since their row may not be written yet.
func (s *Service) CompactOrphans(ctx context.Context) (int, error) {
	keys, err := s.store.NoteKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("noteservice: compact: list: %w", err)
	}
	live, err := s.db.StorageKeys(ctx)
	if err != nil {
		return 0, dbErr("compact", err)
	}
	removed := 0
	for _, k := range keys {
		if _, ok := live[k]; ok {
			continue
		}
		_, noteID, ok := contentstore.ParseNoteKey(k)
		if !ok || s.recentlyCreated(noteID) {
			continue
		}
		if err := s.store.Delete(ctx, k); err != nil {
			s.logger.Warn("noteservice: compact delete failed", slog.String("key", k), slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	return removed, nil
}

// recentlyCreated reports whether noteID was minted less than orphanGrace ago.
// Ids that are not ULIDs are never considered recent.
func (s *Service) recentlyCreated(noteID string) bool {
	id, err := ulid.ParseStrict(noteID)
	if err != nil {
		return false
	}
	return s.now().Sub(ulid.Time(id.Time())) < orphanGrace
}

// Ready reports whether the metadata store is reachable.
func (s *Service) Ready(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Service) loadLive(ctx context.Context, ownerID, noteID string) (*models.Note, error) {
	n, err := s.db.GetNote(ctx, ownerID, noteID)
	if err != nil {
		return nil, dbErr("load", err)
	}
	if n.Deleted {
		return nil, apperr.NotFound("note")
	}
	return n, nil
}

func (s *Service) publish(kind, ownerID, noteID string) {
	if s.events != nil {
		s.events.PublishNoteEvent(kind, ownerID, noteID)
	}
}

// dbErr keeps NotFound as is and marks other metadata failures transient.
func dbErr(op string, err error) error {
	if errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	return fmt.Errorf("noteservice: %s: %w", op, apperr.Transient(err))
}
