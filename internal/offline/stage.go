// Package offline is the local durable fallback for changes that could not
// reach the server. Records are keyed by session id and replayed on drain.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// DefaultRetention bounds how long an unsynced record is kept.
const DefaultRetention = 7 * 24 * time.Hour

// Record is the full candidate state of one editing session.
type Record struct {
	SessionID string    `json:"session_id"`
	OwnerID   string    `json:"owner_id"`
	NoteID    string    `json:"note_id,omitempty"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags"`
	Version   uint64    `json:"version"`
	StagedAt  time.Time `json:"staged_at"`
}

// Stage persists records until they are replayed or expire.
type Stage interface {
	// Stage stores r, replacing any record for the same session.
	Stage(r Record) error
	Get(sessionID string) (Record, bool, error)
	// List returns every record, oldest first.
	List() ([]Record, error)
	// Remove deletes the record for sessionID. Missing records are not an error.
	Remove(sessionID string) error
	// RemoveIfUnchanged deletes the record for r.SessionID only while it is
	// still r (same version and staging time). It reports whether it did.
	RemoveIfUnchanged(r Record) (bool, error)
	// Rename re-keys a record. It is a no-op when oldID has no record.
	Rename(oldID, newID string) error
	Len() (int, error)
	// Purge removes records staged more than the retention window before now.
	Purge(now time.Time) (int, error)
}

// ReplayFunc sends one record to the server. It returns the note id the
// record was saved under.
type ReplayFunc func(ctx context.Context, r Record) (string, error)

// Outcome reports what happened to one record during a drain.
type Outcome struct {
	SessionID string
	NoteID    string
	Err       error
}

// Drain purges expired records, then replays the rest oldest-first.
// Replayed records are removed unless the session staged a newer one while
// the replay was in flight; failed ones stay for a later attempt.
// Drain stops early when ctx is cancelled.
func Drain(ctx context.Context, s Stage, now time.Time, replay ReplayFunc) ([]Outcome, error) {
	if _, err := s.Purge(now); err != nil {
		return nil, fmt.Errorf("offline: drain: %w", err)
	}
	records, err := s.List()
	if err != nil {
		return nil, fmt.Errorf("offline: drain: %w", err)
	}

	out := make([]Outcome, 0, len(records))
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		noteID, err := replay(ctx, r)
		if err != nil {
			out = append(out, Outcome{SessionID: r.SessionID, NoteID: r.NoteID, Err: err})
			continue
		}
		if _, err := s.RemoveIfUnchanged(r); err != nil {
			out = append(out, Outcome{SessionID: r.SessionID, NoteID: noteID, Err: err})
			continue
		}
		out = append(out, Outcome{SessionID: r.SessionID, NoteID: noteID})
	}
	return out, nil
}

// Failed joins the errors of a drain's outcomes.
func Failed(outcomes []Outcome) error {
	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.SessionID, o.Err))
		}
	}
	return errors.Join(errs...)
}

func sortOldestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].StagedAt.Equal(records[j].StagedAt) {
			return records[i].SessionID < records[j].SessionID
		}
		return records[i].StagedAt.Before(records[j].StagedAt)
	})
}

func sameRecord(a, b Record) bool {
	return a.Version == b.Version && a.StagedAt.Equal(b.StagedAt)
}

func expired(r Record, now time.Time, retention time.Duration) bool {
	return now.Sub(r.StagedAt) > retention
}
