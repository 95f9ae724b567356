package notes

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fclairamb/notesync/internal/apperrors"
)

func testDB(t *testing.T, opts ...Option) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "notes.db"), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fixedClock returns a clock advancing by one second on every call.
func fixedClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func TestParseSyncState(t *testing.T) {
	t.Parallel()

	for _, s := range []SyncState{Pending, InFlight, Synced} {
		got, err := ParseSyncState(string(s))
		if err != nil || got != s {
			t.Errorf("ParseSyncState(%q) = %q, %v", s, got, err)
		}
	}

	if _, err := ParseSyncState("bogus"); !errors.Is(err, apperrors.ErrInvalidSyncState) {
		t.Errorf("ParseSyncState(bogus) error = %v, want ErrInvalidSyncState", err)
	}
}

func TestInsertAndGet(t *testing.T) {
	t.Parallel()
	db := testDB(t)
	ctx := context.Background()

	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	note := Note{
		ID:         NewID(),
		Content:    "# Hello\n\nworld",
		CreatedAt:  created,
		UpdatedAt:  created.Add(time.Minute),
		IsArchived: true,
		SyncState:  Synced,
	}
	if err := db.Insert(ctx, note); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := db.Note(ctx, note.ID)
	if err != nil {
		t.Fatalf("Note: %v", err)
	}
	if got.Content != note.Content || !got.IsArchived || got.SyncState != Synced {
		t.Errorf("got %+v", got)
	}
	if !got.CreatedAt.Equal(note.CreatedAt) || !got.UpdatedAt.Equal(note.UpdatedAt) {
		t.Errorf("timestamps = %v/%v, want %v/%v", got.CreatedAt, got.UpdatedAt, note.CreatedAt, note.UpdatedAt)
	}
	if got.Heading() != "Hello" {
		t.Errorf("Heading() = %q", got.Heading())
	}

	_, err = db.Note(ctx, "missing")
	if !errors.Is(err, apperrors.ErrNoteNotFound) {
		t.Errorf("Note(missing) error = %v, want ErrNoteNotFound", err)
	}
}

func TestPendingSyncNotesOrder(t *testing.T) {
	t.Parallel()
	db := testDB(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	notes := []Note{
		{ID: "b", Content: "b", CreatedAt: base, UpdatedAt: base.Add(2 * time.Hour), SyncState: Pending},
		{ID: "a", Content: "a", CreatedAt: base, UpdatedAt: base.Add(time.Hour), SyncState: Pending},
		{ID: "c", Content: "c", CreatedAt: base, UpdatedAt: base, SyncState: Synced},
	}
	for _, n := range notes {
		if err := db.Insert(ctx, n); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	pending, err := db.PendingSyncNotes(ctx)
	if err != nil {
		t.Fatalf("PendingSyncNotes: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "a" || pending[1].ID != "b" {
		t.Errorf("pending = %+v, want [a b]", pending)
	}
}

func TestSyncStateUpdates(t *testing.T) {
	t.Parallel()
	db := testDB(t)
	ctx := context.Background()

	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		if err := db.Insert(ctx, Note{ID: id, CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.UpdateSyncState(ctx, []string{"a", "b"}, InFlight); err != nil {
		t.Fatalf("UpdateSyncState: %v", err)
	}
	if err := db.SwapSyncStates(ctx, InFlight, Synced); err != nil {
		t.Fatalf("SwapSyncStates: %v", err)
	}

	want := map[string]SyncState{"a": Synced, "b": Synced, "c": Pending}
	all, err := db.AllNotes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range all {
		if n.SyncState != want[n.ID] {
			t.Errorf("note %s state = %s, want %s", n.ID, n.SyncState, want[n.ID])
		}
	}
}

func TestTransactionRollback(t *testing.T) {
	t.Parallel()
	db := testDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.Transaction(ctx, func(q Queries) error {
		if err := q.Insert(ctx, Note{ID: "x", CreatedAt: time.Now(), UpdatedAt: time.Now()}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transaction error = %v, want boom", err)
	}

	if _, err := db.Note(ctx, "x"); !errors.Is(err, apperrors.ErrNoteNotFound) {
		t.Errorf("insert should have been rolled back, got %v", err)
	}
}

func TestEditor(t *testing.T) {
	t.Parallel()
	db := testDB(t, WithClock(fixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))))
	ctx := context.Background()

	if _, err := db.Create(ctx, "   "); !errors.Is(err, apperrors.ErrEmptyInput) {
		t.Errorf("Create(blank) error = %v, want ErrEmptyInput", err)
	}

	note, err := db.Create(ctx, "# First")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := db.UpdateSyncState(ctx, []string{note.ID}, Synced); err != nil {
		t.Fatal(err)
	}

	edited, err := db.Edit(ctx, note.ID, "# First edited")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if edited.SyncState != Pending || !edited.UpdatedAt.After(note.UpdatedAt) {
		t.Errorf("edit should bump the note back to pending: %+v", edited)
	}

	if _, err := db.Archive(ctx, note.ID, true); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	visible, err := db.List(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 0 {
		t.Errorf("archived notes should be hidden, got %d", len(visible))
	}
	withArchived, err := db.List(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(withArchived) != 1 {
		t.Errorf("expected the archived note to be listed, got %d", len(withArchived))
	}

	if err := db.Delete(ctx, note.ID, true); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := db.Note(ctx, note.ID)
	if err != nil {
		t.Fatalf("note should survive until synced: %v", err)
	}
	if !got.IsPendingDeletion || got.SyncState != Pending {
		t.Errorf("got %+v, want pending deletion", got)
	}

	if _, err := db.Edit(ctx, note.ID, "too late"); !errors.Is(err, apperrors.ErrNoteNotFound) {
		t.Errorf("editing a deleted note: got %v, want ErrNoteNotFound", err)
	}
}

func TestDeleteWithoutSync(t *testing.T) {
	t.Parallel()
	db := testDB(t)
	ctx := context.Background()

	note, err := db.Create(ctx, "local only")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Delete(ctx, note.ID, false); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Note(ctx, note.ID); !errors.Is(err, apperrors.ErrNoteNotFound) {
		t.Errorf("note should be gone, got %v", err)
	}
	if err := db.Delete(ctx, note.ID, false); !errors.Is(err, apperrors.ErrNoteNotFound) {
		t.Errorf("deleting twice: got %v, want ErrNoteNotFound", err)
	}
}
