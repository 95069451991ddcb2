package contentstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/starford/inkwell/internal/apperr"
	"github.com/starford/inkwell/internal/checksum"
)

const (
	notesPrefix   = "notes/"
	backupsPrefix = "backups/"

	backupTimeLayout = "20060102T150405.000000000Z"

	defaultRetryBaseDelay = 200 * time.Millisecond
)

// PutResult describes the object written by a Put.
type PutResult struct {
	Key  string
	Hash string
	Size int64
}

// Store writes note bodies under deterministic keys. Concurrent Puts for the
// same (owner, note) share a single upload.
type Store struct {
	backend   Backend
	group     singleflight.Group
	baseDelay time.Duration
	now       func() time.Time
	logger    *slog.Logger

	// joined, when set, runs once a Put has started or joined its upload.
	joined func(key string)
}

// Option configures a Store.
type Option func(*Store)

// WithRetryBaseDelay sets the first backoff interval used by PutWithRetry.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.baseDelay = d
		}
	}
}

// WithClock overrides the time source used for backup keys.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New wraps backend in a Store.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		baseDelay: defaultRetryBaseDelay,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NoteKey returns the object key for a note body.
func NoteKey(ownerID, noteID string) string {
	return notesPrefix + ownerID + "/" + noteID + ".md"
}

// BackupKey returns the object key for a backup taken at ts.
func BackupKey(ownerID, noteID string, ts time.Time) string {
	return backupsPrefix + ownerID + "/" + noteID + "/" + ts.UTC().Format(backupTimeLayout) + ".md"
}

// ParseNoteKey is the inverse of NoteKey.
func ParseNoteKey(key string) (ownerID, noteID string, ok bool) {
	rest, found := strings.CutPrefix(key, notesPrefix)
	if !found {
		return "", "", false
	}
	rest, found = strings.CutSuffix(rest, ".md")
	if !found {
		return "", "", false
	}
	ownerID, noteID, found = strings.Cut(rest, "/")
	if !found || ownerID == "" || noteID == "" || strings.Contains(noteID, "/") {
		return "", "", false
	}
	return ownerID, noteID, true
}

func validateSegment(name, v string) error {
	if v == "" {
		return apperr.Validation(name + " is required")
	}
	if strings.ContainsAny(v, `/\`) || v == "." || v == ".." {
		return apperr.Validation(fmt.Sprintf("invalid %s: %q", name, v))
	}
	return nil
}

// Put uploads content for (ownerID, noteID). A caller arriving while an
// upload for the same note is in flight receives that upload's result
// instead of starting another. The shared upload is not cancelled when one
// waiting caller's context is.
func (s *Store) Put(ctx context.Context, ownerID, noteID string, content []byte) (PutResult, error) {
	if err := validateSegment("owner id", ownerID); err != nil {
		return PutResult{}, err
	}
	if err := validateSegment("note id", noteID); err != nil {
		return PutResult{}, err
	}
	key := NoteKey(ownerID, noteID)
	upload := context.WithoutCancel(ctx)

	ch := s.group.DoChan(key, func() (any, error) {
		if err := s.backend.Put(upload, key, content); err != nil {
			return nil, classify(err)
		}
		return PutResult{Key: key, Hash: checksum.Sum(content), Size: int64(len(content))}, nil
	})
	if s.joined != nil {
		s.joined(key)
	}

	select {
	case <-ctx.Done():
		return PutResult{}, apperr.Transient(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return PutResult{}, res.Err
		}
		return res.Val.(PutResult), nil
	}
}

// PutWithRetry calls Put up to maxAttempts times, waiting base*2^attempt
// between transient failures. The last error is returned on exhaustion.
func (s *Store) PutWithRetry(ctx context.Context, ownerID, noteID string, content []byte, maxAttempts int) (PutResult, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, err := s.Put(ctx, ownerID, noteID, content)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !apperr.IsTransient(err) || attempt == maxAttempts-1 {
			break
		}

		delay := s.baseDelay << attempt
		s.logger.Warn("contentstore: upload failed, retrying",
			slog.String("key", NoteKey(ownerID, noteID)),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return PutResult{}, apperr.Transient(ctx.Err())
		case <-t.C:
		}
	}
	return PutResult{}, lastErr
}

// Get returns the object at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

// Delete removes the object at key. Callers usually treat failure as
// best-effort and only log it.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, key); err != nil {
		return classify(err)
	}
	return nil
}

// BackupBeforeOverwrite copies the current body of a note to a timestamped
// backup key. It returns "" when there was nothing to back up.
func (s *Store) BackupBeforeOverwrite(ctx context.Context, ownerID, noteID string) (string, error) {
	current, err := s.backend.Get(ctx, NoteKey(ownerID, noteID))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return "", nil
		}
		return "", classify(err)
	}
	key := BackupKey(ownerID, noteID, s.now())
	if err := s.backend.Put(ctx, key, current); err != nil {
		return "", classify(err)
	}
	return key, nil
}

// RestoreBackup writes a backup's body back over the note it was taken from.
func (s *Store) RestoreBackup(ctx context.Context, backupKey, ownerID, noteID string) error {
	data, err := s.backend.Get(ctx, backupKey)
	if err != nil {
		return classify(err)
	}
	if err := s.backend.Put(ctx, NoteKey(ownerID, noteID), data); err != nil {
		return classify(err)
	}
	return nil
}

// Keys lists stored keys with the given prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, classify(err)
	}
	return keys, nil
}

// NoteKeys lists every note body key.
func (s *Store) NoteKeys(ctx context.Context) ([]string, error) {
	return s.Keys(ctx, notesPrefix)
}

// classify leaves NotFound and validation errors as they are and marks
// everything else as transient.
func classify(err error) error {
	if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrValidation) {
		return err
	}
	return apperr.Transient(err)
}
