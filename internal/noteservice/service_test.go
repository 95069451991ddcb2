package noteservice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starford/inkwell/internal/apperr"
	"github.com/starford/inkwell/internal/checksum"
	"github.com/starford/inkwell/internal/contentstore"
	"github.com/starford/inkwell/internal/index"
	"github.com/starford/inkwell/internal/linkgraph"
	"github.com/starford/inkwell/internal/models"
	"github.com/starford/inkwell/internal/testutil"
)

// countingLinks wraps the real maintainer and counts recomputes.
type countingLinks struct {
	inner *linkgraph.Maintainer
	calls atomic.Int32
}

func (c *countingLinks) RecomputeQuietly(ctx context.Context, ownerID, noteID, content string) {
	c.calls.Add(1)
	c.inner.RecomputeQuietly(ctx, ownerID, noteID, content)
}

// faultyIndex injects metadata failures.
type faultyIndex struct {
	index.NoteIndex
	insertErr error
	updateErr error
}

func (f *faultyIndex) InsertNote(ctx context.Context, n *models.Note) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	return f.NoteIndex.InsertNote(ctx, n)
}

func (f *faultyIndex) UpdateNote(ctx context.Context, n *models.Note) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.NoteIndex.UpdateNote(ctx, n)
}

type recordedEvent struct{ kind, owner, note string }

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingSink) PublishNoteEvent(kind, ownerID, noteID string) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{kind, ownerID, noteID})
	r.mu.Unlock()
}

type fixture struct {
	svc     *Service
	backend *testutil.CountingBackend
	store   *contentstore.Store
	db      *faultyIndex
	links   *countingLinks
	events  *recordingSink
	clock   *testutil.Clock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		backend: testutil.NewCountingBackend(),
		db:      &faultyIndex{NoteIndex: testutil.TestDB(t)},
		events:  &recordingSink{},
		clock:   testutil.NewClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
	}
	f.store = contentstore.New(f.backend, contentstore.WithRetryBaseDelay(time.Millisecond))
	f.links = &countingLinks{inner: linkgraph.New(f.db, nil)}
	base := []Option{WithClock(f.clock.Now), WithEvents(f.events), WithRetryAttempts(2)}
	f.svc = NewService(f.store, f.db, f.links, append(base, opts...)...)
	return f
}

func (f *fixture) create(t *testing.T, owner, title, content string) *models.Note {
	t.Helper()
	n, err := f.svc.Create(context.Background(), owner, models.NoteInput{Title: title, Content: content})
	require.NoError(t, err)
	return n
}

func strPtr(s string) *string { return &s }

func TestCreate_LinkScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, "u1", "B", "target")

	a := f.create(t, "u1", "A", "See [[B]] and [[b]] and [[Nonexistent]]")
	require.NotEmpty(t, a.ID)
	require.Equal(t, contentstore.NoteKey("u1", a.ID), a.StorageKey)
	require.Equal(t, int64(len("See [[B]] and [[b]] and [[Nonexistent]]")), a.Size)

	edges, err := f.svc.Links(ctx, "u1", a.ID)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	require.Equal(t, b.ID, edges[0].TargetID)
	require.False(t, edges[0].Broken)
	require.Empty(t, edges[1].TargetID)
	require.True(t, edges[1].Broken)

	back, err := f.svc.Backlinks(ctx, "u1", b.ID)
	require.NoError(t, err)
	require.Len(t, back, 1)
	require.Equal(t, a.ID, back[0].SourceID)
}

func TestCreate_TitleResolutionIsPerOwner(t *testing.T) {
	f := newFixture(t)
	f.create(t, "u2", "B", "someone else's")
	a := f.create(t, "u1", "A", "[[B]]")

	edges, err := f.svc.Links(context.Background(), "u1", a.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.True(t, edges[0].Broken)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), "u1", models.NoteInput{Title: "   ", Content: "x"})
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.Create(context.Background(), "", models.NoteInput{Title: "T"})
	require.ErrorIs(t, err, apperr.ErrValidation)
	require.Zero(t, f.backend.Puts.Load())
}

func TestCreate_InsertFailureDeletesObject(t *testing.T) {
	f := newFixture(t, WithIDGenerator(func() string { return "fixed" }))
	f.db.insertErr = errors.New("database is locked")

	_, err := f.svc.Create(context.Background(), "u1", models.NoteInput{Title: "T", Content: "body"})
	require.ErrorIs(t, err, apperr.ErrTransientIO)
	require.Equal(t, int32(1), f.backend.Deletes.Load())

	ok, _ := f.backend.Exists(context.Background(), contentstore.NoteKey("u1", "fixed"))
	require.False(t, ok, "uploaded object should be removed")
}

func TestCreate_UploadFailure(t *testing.T) {
	f := newFixture(t)
	f.backend.FailPuts(errors.New("connection reset"))

	_, err := f.svc.Create(context.Background(), "u1", models.NoteInput{Title: "T", Content: "body"})
	require.ErrorIs(t, err, apperr.ErrTransientIO)
	require.Equal(t, int32(2), f.backend.Puts.Load(), "retried up to the attempt limit")

	_, total, err := f.svc.List(context.Background(), "u1", index.ListOptions{})
	require.NoError(t, err)
	require.Zero(t, total, "no metadata row for failed upload")
}

func TestUpdate_IdenticalContentIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.create(t, "u1", "A", "v0")

	first, err := f.svc.Update(ctx, "u1", n.ID, models.NotePatch{Content: strPtr("X [[A]]")})
	require.NoError(t, err)

	puts, links, writes := f.backend.Puts.Load(), f.links.calls.Load(), f.backend.Writes()
	f.clock.Advance(time.Minute)

	second, err := f.svc.Update(ctx, "u1", n.ID, models.NotePatch{Content: strPtr("X [[A]]")})
	require.NoError(t, err)
	require.Equal(t, puts, f.backend.Puts.Load(), "no upload")
	require.Equal(t, writes, f.backend.Writes(), "no storage writes")
	require.Equal(t, links, f.links.calls.Load(), "no link recompute")
	require.Equal(t, first.ContentHash, second.ContentHash)
	require.True(t, first.UpdatedAt.Equal(second.UpdatedAt), "metadata untouched")
}

func TestUpdate_MetadataOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.create(t, "u1", "A", "body")
	puts, links := f.backend.Puts.Load(), f.links.calls.Load()

	tags := []string{"x", "x", " y "}
	got, err := f.svc.Update(ctx, "u1", n.ID, models.NotePatch{Title: strPtr("Renamed"), Tags: &tags})
	require.NoError(t, err)
	require.Equal(t, "Renamed", got.Title)
	require.Equal(t, []string{"x", "y"}, got.Tags)
	require.Equal(t, puts, f.backend.Puts.Load())
	require.Equal(t, links, f.links.calls.Load())
}

func TestUpdate_ContentChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, "u1", "B", "b")
	n := f.create(t, "u1", "A", "no links")

	got, err := f.svc.Update(ctx, "u1", n.ID, models.NotePatch{Content: strPtr("now [[B]]")})
	require.NoError(t, err)
	require.NotEqual(t, n.ContentHash, got.ContentHash)

	full, err := f.svc.Get(ctx, "u1", n.ID)
	require.NoError(t, err)
	require.Equal(t, "now [[B]]", full.Content)

	edges, _ := f.svc.Links(ctx, "u1", n.ID)
	require.Len(t, edges, 1)
	require.Equal(t, b.ID, edges[0].TargetID)
}

func TestUpdate_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.create(t, "u1", "A", "body")

	_, err := f.svc.Update(ctx, "u2", n.ID, models.NotePatch{Content: strPtr("hijack")})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.Update(ctx, "u1", "missing", models.NotePatch{Content: strPtr("x")})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, f.svc.Delete(ctx, "u1", n.ID))
	_, err = f.svc.Update(ctx, "u1", n.ID, models.NotePatch{Content: strPtr("x")})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdate_FailedMetadataRestoresBackup(t *testing.T) {
	f := newFixture(t, WithBackups(true))
	ctx := context.Background()
	n := f.create(t, "u1", "A", "original")

	f.db.updateErr = errors.New("disk I/O error")
	_, err := f.svc.Update(ctx, "u1", n.ID, models.NotePatch{Content: strPtr("changed")})
	require.ErrorIs(t, err, apperr.ErrTransientIO)

	data, err := f.store.Get(ctx, n.StorageKey)
	require.NoError(t, err)
	require.Equal(t, "original", string(data))

	f.db.updateErr = nil
	got, err := f.svc.Get(ctx, "u1", n.ID)
	require.NoError(t, err)
	require.Equal(t, n.ContentHash, got.ContentHash)
}

func TestUpdate_FailedMetadataRestoresPreviousBodyWithoutBackups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.create(t, "u1", "A", "original")

	f.db.updateErr = errors.New("disk I/O error")
	_, err := f.svc.Update(ctx, "u1", n.ID, models.NotePatch{Content: strPtr("changed")})
	require.ErrorIs(t, err, apperr.ErrTransientIO)

	f.db.updateErr = nil
	got, err := f.svc.Get(ctx, "u1", n.ID)
	require.NoError(t, err)
	require.Equal(t, "original", got.Content)
	require.Equal(t, n.ContentHash, got.ContentHash)
	require.Equal(t, checksum.String(got.Content), got.ContentHash)

	backups, err := f.store.Keys(ctx, "backups/")
	require.NoError(t, err)
	require.Empty(t, backups)
}

// compactingIndex runs compaction between a create's upload and its insert.
type compactingIndex struct {
	*faultyIndex
	svc     *Service
	removed int
}

func (c *compactingIndex) InsertNote(ctx context.Context, n *models.Note) error {
	removed, err := c.svc.CompactOrphans(ctx)
	if err != nil {
		return err
	}
	c.removed += removed
	return c.faultyIndex.InsertNote(ctx, n)
}

func TestCompactOrphans_KeepsBodyOfCreateInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	db := &compactingIndex{faultyIndex: f.db}
	svc := NewService(f.store, db, f.links, WithClock(f.clock.Now), WithRetryAttempts(2))
	db.svc = svc

	n, err := svc.Create(ctx, "u1", models.NoteInput{Title: "Fresh", Content: "body"})
	require.NoError(t, err)
	require.Zero(t, db.removed)

	got, err := svc.Get(ctx, "u1", n.ID)
	require.NoError(t, err)
	require.Equal(t, "body", got.Content)
}

func TestCompactOrphans_RemovesOrphanWithoutULID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key := contentstore.NoteKey("u1", "hand-written")
	require.NoError(t, f.backend.Put(ctx, key, []byte("stray")))

	removed, err := f.svc.CompactOrphans(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	ok, _ := f.backend.Exists(ctx, key)
	require.False(t, ok)
}

// gatedStore blocks uploads until released.
type gatedStore struct {
	*contentstore.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) PutWithRetry(ctx context.Context, ownerID, noteID string, content []byte, n int) (contentstore.PutResult, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Store.PutWithRetry(ctx, ownerID, noteID, content, n)
}

func TestAutoSave_MutualExclusion(t *testing.T) {
	f := newFixture(t)
	gate := &gatedStore{Store: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(gate, f.db, f.links, WithClock(f.clock.Now))

	patch := models.NotePatch{Title: strPtr("Draft"), Content: strPtr("body")}
	var (
		wg      sync.WaitGroup
		firstN  *models.Note
		firstEr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstN, firstEr = svc.AutoSave(context.Background(), "u1", "", patch)
	}()
	<-gate.entered

	_, err := svc.AutoSave(context.Background(), "u1", "", patch)
	require.ErrorIs(t, err, apperr.ErrConflictInProgress)

	// A different logical note is not blocked by the guard.
	other := f.create(t, "u1", "Other", "x")
	require.True(t, svc.acquire(guardKey("u1", other.ID)))
	svc.release(guardKey("u1", other.ID))

	close(gate.release)
	wg.Wait()
	require.NoError(t, firstEr)
	require.NotEmpty(t, firstN.ID)

	// The marker is cleared once the call settles.
	_, err = svc.AutoSave(context.Background(), "u1", firstN.ID, models.NotePatch{Content: strPtr("more")})
	require.NoError(t, err)
}

func TestSync_FallsBackToCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.create(t, "u1", "A", "v1")
	require.NoError(t, f.svc.PermanentlyDelete(ctx, "u1", n.ID))

	res, err := f.svc.Sync(ctx, models.SyncRequest{SessionID: "s1", NoteID: n.ID, OwnerID: "u1", Title: "A", Content: "v2"})
	require.NoError(t, err)
	require.NotEqual(t, n.ID, res.NoteID)
	require.Equal(t, f.clock.Now(), res.SyncedAt)

	got, err := f.svc.Get(ctx, "u1", res.NoteID)
	require.NoError(t, err)
	require.Equal(t, "v2", got.Content)
}

func TestSync_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Sync(context.Background(), models.SyncRequest{Title: "A"})
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDeleteRestoreLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.create(t, "u1", "A", "body")

	require.NoError(t, f.svc.Delete(ctx, "u1", n.ID))
	_, err := f.svc.Get(ctx, "u1", n.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	ok, _ := f.backend.Exists(ctx, n.StorageKey)
	require.True(t, ok, "soft delete keeps content")

	got, err := f.svc.Restore(ctx, "u1", n.ID)
	require.NoError(t, err)
	require.Equal(t, "body", got.Content)

	_, err = f.svc.Restore(ctx, "u1", n.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	kinds := []string{}
	for _, e := range f.events.events {
		kinds = append(kinds, e.kind)
	}
	require.Equal(t, []string{EventCreated, EventDeleted, EventRestored}, kinds)
}

func TestPermanentlyDelete_ContentFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, "u1", "B", "b")
	a := f.create(t, "u1", "A", "[[B]]")

	f.backend.FailDeletes(errors.New("bucket unavailable"))
	require.NoError(t, f.svc.PermanentlyDelete(ctx, "u1", b.ID))

	_, err := f.db.GetNote(ctx, "u1", b.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	edges, err := f.svc.Links(ctx, "u1", a.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.True(t, edges[0].Broken, "edge into a purged note is broken")

	// The orphaned object is collected by compaction once it is old enough.
	f.backend.FailDeletes(nil)
	removed, err := f.svc.CompactOrphans(ctx)
	require.NoError(t, err)
	require.Zero(t, removed, "recent bodies are kept")

	f.clock.Advance(orphanGrace)
	removed, err = f.svc.CompactOrphans(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	ok, _ := f.backend.Exists(ctx, b.StorageKey)
	require.False(t, ok)
	ok, _ = f.backend.Exists(ctx, a.StorageKey)
	require.True(t, ok, "live content is kept")
}

func TestPurgeDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.create(t, "u1", "Old", "x")
	recent := f.create(t, "u1", "Recent", "y")

	require.NoError(t, f.svc.Delete(ctx, "u1", old.ID))
	f.clock.Advance(10 * 24 * time.Hour)
	require.NoError(t, f.svc.Delete(ctx, "u1", recent.ID))

	purged, err := f.svc.PurgeDeleted(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	notes, _, err := f.svc.List(ctx, "u1", index.ListOptions{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, recent.ID, notes[0].ID)
}

func TestULIDGenerator_Unique(t *testing.T) {
	gen := newULIDGenerator(time.Now)
	seen := map[string]struct{}{}
	for i := 0; i < 1000; i++ {
		id := gen()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}
