package offline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func stages(t *testing.T) map[string]func() Stage {
	t.Helper()
	return map[string]func() Stage{
		"fs": func() Stage {
			s, err := NewFSStage(t.TempDir(), 0, nil)
			if err != nil {
				t.Fatalf("NewFSStage: %v", err)
			}
			return s
		},
		"memory": func() Stage { return NewMemoryStage(0) },
	}
}

func rec(session string, stagedAt time.Time) Record {
	return Record{
		SessionID: session,
		OwnerID:   "u1",
		Title:     "Title " + session,
		Content:   "line one\nline two with ünïcode and \x00 bytes\n",
		Tags:      []string{"a", "b"},
		Version:   3,
		StagedAt:  stagedAt,
	}
}

func TestStage_RoundTripIsExact(t *testing.T) {
	for name, mk := range stages(t) {
		t.Run(name, func(t *testing.T) {
			s := mk()
			want := rec("notes/daily.md", t0)
			if err := s.Stage(want); err != nil {
				t.Fatalf("Stage: %v", err)
			}
			got, ok, err := s.Get("notes/daily.md")
			if err != nil || !ok {
				t.Fatalf("Get = %v, %v", ok, err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("record mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStage_ReplaceAndRemove(t *testing.T) {
	for name, mk := range stages(t) {
		t.Run(name, func(t *testing.T) {
			s := mk()
			_ = s.Stage(rec("s1", t0))
			r := rec("s1", t0.Add(time.Minute))
			r.Content = "newer"
			_ = s.Stage(r)

			if n, _ := s.Len(); n != 1 {
				t.Fatalf("Len = %d, want 1", n)
			}
			got, _, _ := s.Get("s1")
			if got.Content != "newer" {
				t.Errorf("content = %q", got.Content)
			}
			if err := s.Remove("s1"); err != nil {
				t.Fatalf("Remove: %v", err)
			}
			if err := s.Remove("s1"); err != nil {
				t.Errorf("Remove missing: %v", err)
			}
			if _, ok, _ := s.Get("s1"); ok {
				t.Error("record should be gone")
			}
		})
	}
}

func TestStage_Rename(t *testing.T) {
	for name, mk := range stages(t) {
		t.Run(name, func(t *testing.T) {
			s := mk()
			_ = s.Stage(rec("old.md", t0))
			if err := s.Rename("old.md", "new.md"); err != nil {
				t.Fatalf("Rename: %v", err)
			}
			if _, ok, _ := s.Get("old.md"); ok {
				t.Error("old key should be gone")
			}
			got, ok, _ := s.Get("new.md")
			if !ok || got.SessionID != "new.md" || got.Title != "Title old.md" {
				t.Errorf("renamed = %+v, %v", got, ok)
			}
			if err := s.Rename("missing", "other"); err != nil {
				t.Errorf("Rename missing: %v", err)
			}
		})
	}
}

func TestStage_Purge(t *testing.T) {
	for name, mk := range stages(t) {
		t.Run(name, func(t *testing.T) {
			s := mk()
			_ = s.Stage(rec("old", t0))
			_ = s.Stage(rec("fresh", t0.Add(6*24*time.Hour)))

			n, err := s.Purge(t0.Add(7*24*time.Hour + time.Second))
			if err != nil {
				t.Fatalf("Purge: %v", err)
			}
			if n != 1 {
				t.Errorf("purged = %d, want 1", n)
			}
			if _, ok, _ := s.Get("fresh"); !ok {
				t.Error("fresh record should survive")
			}
		})
	}
}

func TestDrain(t *testing.T) {
	for name, mk := range stages(t) {
		t.Run(name, func(t *testing.T) {
			s := mk()
			_ = s.Stage(rec("b", t0.Add(time.Minute)))
			_ = s.Stage(rec("a", t0))
			_ = s.Stage(rec("fails", t0.Add(2*time.Minute)))
			_ = s.Stage(rec("expired", t0.Add(-8*24*time.Hour)))

			var order []string
			replay := func(_ context.Context, r Record) (string, error) {
				order = append(order, r.SessionID)
				if r.SessionID == "fails" {
					return "", errors.New("offline")
				}
				return "note-" + r.SessionID, nil
			}

			outcomes, err := Drain(context.Background(), s, t0.Add(time.Hour), replay)
			if err != nil {
				t.Fatalf("Drain: %v", err)
			}
			if diff := cmp.Diff([]string{"a", "b", "fails"}, order); diff != "" {
				t.Errorf("replay order (-want +got):\n%s", diff)
			}
			if len(outcomes) != 3 || outcomes[0].NoteID != "note-a" || outcomes[2].Err == nil {
				t.Errorf("outcomes = %+v", outcomes)
			}
			if Failed(outcomes) == nil {
				t.Error("Failed should report the failing record")
			}

			left, _ := s.List()
			if len(left) != 1 || left[0].SessionID != "fails" {
				t.Errorf("remaining = %+v", left)
			}
		})
	}
}

func TestStage_RemoveIfUnchanged(t *testing.T) {
	for name, mk := range stages(t) {
		t.Run(name, func(t *testing.T) {
			s := mk()
			old := rec("s", t0)
			_ = s.Stage(old)

			newer := rec("s", t0.Add(time.Minute))
			newer.Version = old.Version + 1
			newer.Content = "newer"
			_ = s.Stage(newer)

			removed, err := s.RemoveIfUnchanged(old)
			if err != nil || removed {
				t.Fatalf("RemoveIfUnchanged(old) = %v, %v; want kept", removed, err)
			}
			got, ok, _ := s.Get("s")
			if !ok || got.Content != "newer" {
				t.Fatalf("newer record lost: %+v, %v", got, ok)
			}

			removed, err = s.RemoveIfUnchanged(newer)
			if err != nil || !removed {
				t.Fatalf("RemoveIfUnchanged(newer) = %v, %v; want removed", removed, err)
			}
			if removed, _ := s.RemoveIfUnchanged(newer); removed {
				t.Error("missing record reported as removed")
			}
		})
	}
}

func TestDrain_KeepsRecordRestagedDuringReplay(t *testing.T) {
	for name, mk := range stages(t) {
		t.Run(name, func(t *testing.T) {
			s := mk()
			first := rec("s", t0)
			_ = s.Stage(first)

			second := rec("s", t0.Add(time.Second))
			second.Version = first.Version + 1
			second.Content = "typed while replaying"

			replay := func(_ context.Context, r Record) (string, error) {
				if err := s.Stage(second); err != nil {
					t.Fatalf("Stage: %v", err)
				}
				return "note-1", nil
			}
			outcomes, err := Drain(context.Background(), s, t0.Add(time.Minute), replay)
			if err != nil || Failed(outcomes) != nil {
				t.Fatalf("Drain = %+v, %v", outcomes, err)
			}

			got, ok, _ := s.Get("s")
			if !ok {
				t.Fatal("record staged during the replay was removed")
			}
			if diff := cmp.Diff(second, got); diff != "" {
				t.Errorf("record mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDrain_StopsOnCancel(t *testing.T) {
	s := NewMemoryStage(0)
	_ = s.Stage(rec("a", t0))
	_ = s.Stage(rec("b", t0.Add(time.Second)))

	ctx, cancel := context.WithCancel(context.Background())
	replay := func(context.Context, Record) (string, error) {
		cancel()
		return "n", nil
	}
	outcomes, err := Drain(ctx, s, t0, replay)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(outcomes) != 1 {
		t.Errorf("outcomes = %+v", outcomes)
	}
}

func TestFSStage_SkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFSStage(dir, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Stage(rec("good", t0))
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	records, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 || records[0].SessionID != "good" {
		t.Errorf("records = %+v", records)
	}
}

func TestFSStage_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s1, _ := NewFSStage(dir, 0, nil)
	want := rec("s1", t0)
	_ = s1.Stage(want)

	s2, _ := NewFSStage(dir, 0, nil)
	got, ok, err := s2.Get("s1")
	if err != nil || !ok {
		t.Fatalf("Get after reopen = %v, %v", ok, err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}
