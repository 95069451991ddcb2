// Package autosave turns a high-frequency stream of edits into a
// low-frequency stream of save attempts, one editing session at a time.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/inkwell/internal/apperr"
	"github.com/starford/inkwell/internal/models"
	"github.com/starford/inkwell/internal/offline"
)

// Status is the user-facing state of a session.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusDirty  Status = "dirty"
	StatusSaving Status = "saving"
	StatusSaved  Status = "saved"
	// StatusStaged means the latest state is durable locally but has not
	// reached the server.
	StatusStaged Status = "staged"
	StatusError  Status = "error"
)

// Defaults.
const (
	DefaultDebounce      = 7 * time.Second
	DefaultRetryDelay    = time.Second
	DefaultRetryAttempts = 3
)

// Persister is the remote save boundary.
type Persister interface {
	AutoSave(ctx context.Context, req models.SyncRequest) (models.SyncResult, error)
}

// Beacon makes a one-way, best-effort delivery. Send must not block.
type Beacon interface {
	Send(req models.SyncRequest)
}

// Draft is the candidate state passed to ScheduleSave.
type Draft struct {
	OwnerID string
	Title   string
	Content string
	Tags    []string
}

// Session is a point-in-time copy of one session's state.
type Session struct {
	ID          string
	OwnerID     string
	NoteID      string
	Title       string
	Content     string
	Tags        []string
	Version     uint64
	Dirty       bool
	InProgress  bool
	Status      Status
	LastSavedAt time.Time
	Attempt     int
	LastError   error
}

type session struct {
	Session

	timer    Timer
	timerGen uint64
	done     chan struct{} // closed when the in-flight save settles
}

// Config tunes debounce and retry timing.
type Config struct {
	Debounce      time.Duration
	RetryDelay    time.Duration
	RetryAttempts int
}

// Orchestrator owns every SaveSession of one client.
type Orchestrator struct {
	cfg       Config
	persister Persister
	stage     offline.Stage
	beacon    Beacon
	clock     Clock
	logger    *slog.Logger
	onError   func(sessionID string, err error)
	onBound   func(sessionID, ownerID, noteID string)

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		if cfg.Debounce > 0 {
			o.cfg.Debounce = cfg.Debounce
		}
		if cfg.RetryDelay > 0 {
			o.cfg.RetryDelay = cfg.RetryDelay
		}
		if cfg.RetryAttempts >= 0 {
			o.cfg.RetryAttempts = cfg.RetryAttempts
		}
	}
}

func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func WithBeacon(b Beacon) Option {
	return func(o *Orchestrator) { o.beacon = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// OnError registers a hook for non-transient save failures.
func OnError(f func(sessionID string, err error)) Option {
	return func(o *Orchestrator) { o.onError = f }
}

// OnBound registers a hook called whenever a session is bound to a note id.
func OnBound(f func(sessionID, ownerID, noteID string)) Option {
	return func(o *Orchestrator) { o.onBound = f }
}

// New creates an orchestrator that saves through persister and falls back
// to stage.
func New(persister Persister, stage offline.Stage, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg: Config{
			Debounce:      DefaultDebounce,
			RetryDelay:    DefaultRetryDelay,
			RetryAttempts: DefaultRetryAttempts,
		},
		persister: persister,
		stage:     stage,
		clock:     realClock{},
		logger:    slog.Default(),
		sessions:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ScheduleSave records the latest state of a session and restarts its
// debounce timer. Only the state of the last call before the timer fires is
// sent.
func (o *Orchestrator) ScheduleSave(sessionID string, d Draft) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	s := o.sessions[sessionID]
	if s == nil {
		s = &session{Session: Session{ID: sessionID, Status: StatusIdle}}
		o.sessions[sessionID] = s
	}
	s.OwnerID = d.OwnerID
	s.Title = d.Title
	s.Content = d.Content
	s.Tags = append([]string(nil), d.Tags...)
	s.Version++
	s.Dirty = true
	s.Attempt = 0
	if !s.InProgress {
		s.Status = StatusDirty
	}
	o.armLocked(s, o.cfg.Debounce)
}

// armLocked replaces the session's pending timer. The generation check in
// the callback drops fires from timers that were stopped too late.
func (o *Orchestrator) armLocked(s *session, d time.Duration) {
	o.stopLocked(s)
	s.timerGen++
	gen := s.timerGen
	s.timer = o.clock.AfterFunc(d, func() { o.fire(s, gen) })
}

func (o *Orchestrator) stopLocked(s *session) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (o *Orchestrator) fire(s *session, gen uint64) {
	o.mu.Lock()
	if o.closed || gen != s.timerGen || o.sessions[s.ID] != s {
		o.mu.Unlock()
		return
	}
	s.timer = nil
	if s.InProgress || !s.Dirty {
		// The in-flight save re-arms on settle if edits arrived meanwhile.
		o.mu.Unlock()
		return
	}
	req, version := o.beginLocked(s)
	o.mu.Unlock()

	res, err := o.persister.AutoSave(context.Background(), req)
	_ = o.settle(s, version, res, err, false)
}

// beginLocked marks the session in progress and snapshots the request.
func (o *Orchestrator) beginLocked(s *session) (models.SyncRequest, uint64) {
	s.InProgress = true
	s.Status = StatusSaving
	s.done = make(chan struct{})
	return o.requestLocked(s), s.Version
}

func (o *Orchestrator) requestLocked(s *session) models.SyncRequest {
	return models.SyncRequest{
		SessionID: s.ID,
		NoteID:    s.NoteID,
		OwnerID:   s.OwnerID,
		Title:     s.Title,
		Content:   s.Content,
		Tags:      append([]string(nil), s.Tags...),
		Timestamp: o.clock.Now().UTC(),
	}
}

// settle applies the outcome of a save attempt. With stageNow set, a
// transient failure is staged at once instead of being retried later.
func (o *Orchestrator) settle(s *session, version uint64, res models.SyncResult, saveErr error, stageNow bool) error {
	o.mu.Lock()
	s.InProgress = false
	if s.done != nil {
		close(s.done)
		s.done = nil
	}

	if saveErr == nil {
		bound := s.NoteID != res.NoteID && res.NoteID != ""
		if bound && s.NoteID != "" {
			o.logger.Warn("autosave: note replaced on server",
				slog.String("session", s.ID),
				slog.String("old_note", s.NoteID),
				slog.String("note", res.NoteID),
			)
		}
		if bound {
			s.NoteID = res.NoteID
		}
		s.LastSavedAt = o.clock.Now()
		s.Attempt = 0
		s.LastError = nil
		if s.Version == version {
			s.Dirty = false
			s.Status = StatusSaved
		} else {
			s.Status = StatusDirty
			o.armLocked(s, o.cfg.Debounce)
		}
		id, owner, note := s.ID, s.OwnerID, s.NoteID
		o.mu.Unlock()

		if err := o.stage.Remove(id); err != nil {
			o.logger.Warn("autosave: drop stale offline record", slog.String("session", id), slog.String("error", err.Error()))
		}
		if bound && o.onBound != nil {
			o.onBound(id, owner, note)
		}
		return nil
	}

	if apperr.IsTransient(saveErr) {
		offlineNow := errors.Is(saveErr, apperr.ErrOffline)
		if !stageNow && !offlineNow && s.Attempt < o.cfg.RetryAttempts {
			delay := o.cfg.RetryDelay << s.Attempt
			s.Attempt++
			s.Status = StatusDirty
			o.logger.Info("autosave: transient failure, retrying",
				slog.String("session", s.ID),
				slog.Int("attempt", s.Attempt),
				slog.Duration("delay", delay),
				slog.String("error", saveErr.Error()),
			)
			o.armLocked(s, delay)
			o.mu.Unlock()
			return nil
		}
		return o.stageLocked(s, saveErr)
	}

	s.Status = StatusError
	s.LastError = saveErr
	s.Attempt = 0
	if s.Version != version {
		// Edits made during the failed attempt get their own save.
		s.Status = StatusDirty
		o.armLocked(s, o.cfg.Debounce)
	}
	id := s.ID
	o.mu.Unlock()

	o.logger.Error("autosave: save failed", slog.String("session", id), slog.String("error", saveErr.Error()))
	if o.onError != nil {
		o.onError(id, saveErr)
	}
	return saveErr
}

// stageLocked writes the session's latest state to the offline stage and
// marks it clean with StatusStaged. It releases o.mu.
func (o *Orchestrator) stageLocked(s *session, cause error) error {
	o.stopLocked(s)
	rec := offline.Record{
		SessionID: s.ID,
		OwnerID:   s.OwnerID,
		NoteID:    s.NoteID,
		Title:     s.Title,
		Content:   s.Content,
		Tags:      append([]string(nil), s.Tags...),
		Version:   s.Version,
		StagedAt:  o.clock.Now().UTC(),
	}
	o.mu.Unlock()

	stageErr := o.stage.Stage(rec)

	o.mu.Lock()
	defer o.mu.Unlock()
	s.Attempt = 0
	if stageErr != nil {
		err := fmt.Errorf("autosave: stage offline: %w (save error: %v)", stageErr, cause)
		s.Status = StatusError
		s.LastError = err
		o.logger.Error("autosave: offline staging failed", slog.String("session", s.ID), slog.String("error", err.Error()))
		return err
	}
	if s.Version == rec.Version {
		s.Dirty = false
		s.Status = StatusStaged
	} else {
		s.Status = StatusDirty
		o.armLocked(s, o.cfg.Debounce)
	}
	o.logger.Warn("autosave: staged offline",
		slog.String("session", s.ID),
		slog.Uint64("version", rec.Version),
		slog.String("cause", cause.Error()),
	)
	return nil
}

// ForceSave cancels the pending timer and saves now, waiting first for any
// in-flight save of the session. A transient failure is staged offline
// immediately; only non-transient failures are returned.
func (o *Orchestrator) ForceSave(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	s := o.sessions[sessionID]
	o.mu.Unlock()
	if s == nil {
		return apperr.NotFound("session " + sessionID)
	}
	return o.forceSave(ctx, s)
}

func (o *Orchestrator) forceSave(ctx context.Context, s *session) error {
	for {
		o.mu.Lock()
		if s.InProgress {
			done := s.done
			o.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		o.stopLocked(s)
		if !s.Dirty {
			o.mu.Unlock()
			return nil
		}
		req, version := o.beginLocked(s)
		o.mu.Unlock()

		res, err := o.persister.AutoSave(ctx, req)
		return o.settle(s, version, res, err, true)
	}
}

// RenameDocument moves a session to a new key, keeping its note binding,
// and schedules a save under the new title. A staged offline record moves
// with it.
func (o *Orchestrator) RenameDocument(oldID, newID, newTitle string) error {
	o.mu.Lock()
	if _, taken := o.sessions[newID]; taken && oldID != newID {
		o.mu.Unlock()
		return apperr.Validation(fmt.Sprintf("session %s already exists", newID))
	}
	s := o.sessions[oldID]
	if s != nil {
		delete(o.sessions, oldID)
		s.ID = newID
		o.sessions[newID] = s
		if newTitle != "" {
			s.Title = newTitle
		}
		// Sessions restored by Bind carry no draft and must not save empty content.
		if s.Version > 0 {
			s.Version++
			s.Dirty = true
			if !s.InProgress {
				s.Status = StatusDirty
			}
			o.armLocked(s, o.cfg.Debounce)
		}
	}
	o.mu.Unlock()

	if err := o.stage.Rename(oldID, newID); err != nil {
		return fmt.Errorf("autosave: rename staged record: %w", err)
	}
	return nil
}

// SaveAllPending flushes every dirty session in parallel. One session's
// failure does not stop the others; all failures are joined.
func (o *Orchestrator) SaveAllPending(ctx context.Context) error {
	o.mu.Lock()
	var pending []*session
	for _, s := range o.sessions {
		if s.Dirty || s.InProgress {
			pending = append(pending, s)
		}
	}
	o.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	for _, s := range pending {
		g.Go(func() error {
			if err := o.forceSave(ctx, s); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Unload hands the state of every dirty session to the beacon without
// waiting for any response.
func (o *Orchestrator) Unload() {
	if o.beacon == nil {
		return
	}
	o.mu.Lock()
	var reqs []models.SyncRequest
	for _, s := range o.sessions {
		if s.Dirty && s.OwnerID != "" {
			reqs = append(reqs, o.requestLocked(s))
		}
	}
	o.mu.Unlock()

	for _, r := range reqs {
		o.beacon.Send(r)
	}
}

// Drain replays the offline stage. Records whose session has newer unsaved
// edits are left for the session's own save. Replayed note ids are bound to
// live sessions.
func (o *Orchestrator) Drain(ctx context.Context) ([]offline.Outcome, error) {
	replay := func(ctx context.Context, r offline.Record) (string, error) {
		o.mu.Lock()
		s := o.sessions[r.SessionID]
		if s != nil && (s.Dirty || s.InProgress) {
			o.mu.Unlock()
			return "", errSuperseded
		}
		var seen uint64
		if s != nil {
			seen = s.Version
			if r.NoteID == "" {
				r.NoteID = s.NoteID
			}
		}
		o.mu.Unlock()

		res, err := o.persister.AutoSave(ctx, models.SyncRequest{
			SessionID: r.SessionID,
			NoteID:    r.NoteID,
			OwnerID:   r.OwnerID,
			Title:     r.Title,
			Content:   r.Content,
			Tags:      r.Tags,
			Timestamp: o.clock.Now().UTC(),
		})
		if err != nil {
			return "", err
		}
		o.bindReplayed(r.SessionID, r.OwnerID, res.NoteID, r.Version, seen)
		return res.NoteID, nil
	}
	return offline.Drain(ctx, o.stage, o.clock.Now(), replay)
}

var errSuperseded = errors.New("autosave: newer edits pending")

// bindReplayed binds a replayed record's note id to its session. seen is
// the session version when the replay started. A staged session becomes
// saved only if it did not move on during the replay; a newer save that the
// replay overwrote on the server is sent again.
func (o *Orchestrator) bindReplayed(sessionID, ownerID, noteID string, version, seen uint64) {
	o.mu.Lock()
	s := o.sessions[sessionID]
	bound := false
	if s != nil {
		if s.NoteID != noteID {
			s.NoteID = noteID
			bound = true
		}
		switch {
		case s.Version == seen:
			if s.Status == StatusStaged && s.Version == version {
				s.Status = StatusSaved
				s.LastSavedAt = o.clock.Now()
			}
		case !s.Dirty && !s.InProgress && s.Status == StatusSaved:
			s.Dirty = true
			s.Status = StatusDirty
			o.armLocked(s, o.cfg.Debounce)
		}
	}
	o.mu.Unlock()
	if (bound || s == nil) && o.onBound != nil {
		o.onBound(sessionID, ownerID, noteID)
	}
}

// Bind restores a known session-to-note binding, e.g. after a restart.
func (o *Orchestrator) Bind(sessionID, ownerID, noteID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sessions[sessionID]
	if s == nil {
		s = &session{Session: Session{ID: sessionID, Status: StatusIdle}}
		o.sessions[sessionID] = s
	}
	if s.OwnerID == "" {
		s.OwnerID = ownerID
	}
	if s.NoteID == "" {
		s.NoteID = noteID
	}
}

// Forget drops a clean session. Dirty or saving sessions are kept.
func (o *Orchestrator) Forget(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sessions[sessionID]
	if s == nil || s.Dirty || s.InProgress {
		return false
	}
	o.stopLocked(s)
	delete(o.sessions, sessionID)
	return true
}

// Status returns the status of a session.
func (o *Orchestrator) Status(sessionID string) (Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sessions[sessionID]
	if s == nil {
		return "", false
	}
	return s.Status, true
}

// Snapshot returns a copy of a session's state.
func (o *Orchestrator) Snapshot(sessionID string) (Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sessions[sessionID]
	if s == nil {
		return Session{}, false
	}
	cp := s.Session
	cp.Tags = append([]string(nil), s.Tags...)
	return cp, true
}

// Close stops every pending timer. In-flight saves are not cancelled.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for _, s := range o.sessions {
		o.stopLocked(s)
	}
}
