package registry

import (
	"context"
	"testing"

	"github.com/fclairamb/notesync/internal/notes"
	"github.com/fclairamb/notesync/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.LocalStore) {
	t.Helper()

	st, err := store.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return New(st), st
}

func writeNoteFile(t *testing.T, st *store.LocalStore, p, content string) {
	t.Helper()

	if err := st.Write(context.Background(), p, []byte(content)); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
}

func TestFileFor_NewNotes(t *testing.T) {
	t.Parallel()
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		note notes.Note
		want string
	}{
		{note: notes.Note{ID: "1", Content: "# Nicolas Cage\nactor"}, want: "nicolas_cage.md"},
		{note: notes.Note{ID: "2", Content: "# Nicolas Cage\nagain"}, want: "nicolas_cage_2.md"},
		{note: notes.Note{ID: "3", Content: "no heading"}, want: "untitled_note.md"},
		{note: notes.Note{ID: "4", Content: ""}, want: "untitled_note_2.md"},
		{note: notes.Note{ID: "5", Content: "# Witcher 3", IsArchived: true}, want: "archived/witcher_3.md"},
	}

	for _, tt := range tests {
		got, err := reg.FileFor(ctx, &tt.note, nil)
		if err != nil {
			t.Fatalf("FileFor(%s): %v", tt.note.ID, err)
		}
		if got != tt.want {
			t.Errorf("FileFor(%s) = %q, want %q", tt.note.ID, got, tt.want)
		}
		writeNoteFile(t, st, got, tt.note.Content)
	}

	// Stable on repeated calls.
	again, err := reg.FileFor(ctx, &tests[1].note, nil)
	if err != nil {
		t.Fatal(err)
	}
	if again != "nicolas_cage_2.md" {
		t.Errorf("second FileFor = %q, want nicolas_cage_2.md", again)
	}
}

func TestFileFor_CaseInsensitiveCollision(t *testing.T) {
	t.Parallel()
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	// A file nobody has a record for still takes its name.
	writeNoteFile(t, st, "Shopping.md", "untracked")

	got, err := reg.FileFor(ctx, &notes.Note{ID: "1", Content: "# shopping"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "shopping_2.md" {
		t.Errorf("FileFor = %q, want shopping_2.md", got)
	}
}

func TestFileFor_RenameOnHeadingChange(t *testing.T) {
	t.Parallel()
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	note := notes.Note{ID: "1", Content: "# Uncharted"}
	first, err := reg.FileFor(ctx, &note, nil)
	if err != nil {
		t.Fatal(err)
	}
	writeNoteFile(t, st, first, note.Content)

	note.Content = "# Uncharted: The Lost Legacy"
	var renames [][2]string
	got, err := reg.FileFor(ctx, &note, func(oldPath, newPath string) error {
		renames = append(renames, [2]string{oldPath, newPath})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if got != "uncharted_the_lost_legacy.md" {
		t.Errorf("FileFor = %q", got)
	}
	if len(renames) != 1 || renames[0] != [2]string{"uncharted.md", "uncharted_the_lost_legacy.md"} {
		t.Errorf("renames = %v", renames)
	}

	if exists, _ := st.Exists(ctx, "uncharted.md"); exists {
		t.Error("old file should have been moved")
	}
	if exists, _ := st.Exists(ctx, got); !exists {
		t.Error("new file should exist")
	}
}

func TestFileFor_ArchiveMovesFile(t *testing.T) {
	t.Parallel()
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	note := notes.Note{ID: "1", Content: "# Todo"}
	first, err := reg.FileFor(ctx, &note, nil)
	if err != nil {
		t.Fatal(err)
	}
	writeNoteFile(t, st, first, note.Content)

	note.IsArchived = true
	renamed := false
	got, err := reg.FileFor(ctx, &note, func(_, _ string) error {
		renamed = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "archived/todo.md" || !renamed {
		t.Errorf("FileFor = %q (renamed=%v), want archived/todo.md", got, renamed)
	}
}

func TestFileFor_NoRenameWithoutFile(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	note := notes.Note{ID: "1", Content: "# One"}
	if _, err := reg.FileFor(ctx, &note, nil); err != nil {
		t.Fatal(err)
	}

	note.Content = "# Two"
	got, err := reg.FileFor(ctx, &note, func(_, _ string) error {
		t.Error("onRename must not fire when no file was moved")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "two.md" {
		t.Errorf("FileFor = %q, want two.md", got)
	}
}

func TestRecordFor_MigratesRenamedPath(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.CreateNewRecordFor(ctx, "a.md", "note-a"); err != nil {
		t.Fatal(err)
	}

	rec, err := reg.RecordFor(ctx, "archived/a.md", "a.md")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.NoteID != "note-a" || !rec.Archived() {
		t.Fatalf("RecordFor = %+v, want note-a in the archive", rec)
	}

	if _, found, _ := reg.NoteIDFor(ctx, "a.md"); found {
		t.Error("old path should no longer resolve")
	}

	missing, err := reg.RecordFor(ctx, "unknown.md", "")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("RecordFor(unknown) = %+v, want nil", missing)
	}
}

func TestRecordsSurviveReload(t *testing.T) {
	t.Parallel()
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.CreateNewRecordFor(ctx, "archived/b.md", "note-b"); err != nil {
		t.Fatal(err)
	}

	other := New(st)
	id, found, err := other.NoteIDFor(ctx, "archived/b.md")
	if err != nil {
		t.Fatal(err)
	}
	if !found || id != "note-b" {
		t.Errorf("NoteIDFor = %q, %v", id, found)
	}

	if exists, _ := st.Exists(ctx, RecordPath("note-b")); !exists {
		t.Errorf("record file %s should exist", RecordPath("note-b"))
	}
}

func TestFindNewNameOnConflict(t *testing.T) {
	t.Parallel()
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	writeNoteFile(t, st, "note.md", "1")
	writeNoteFile(t, st, "note_2.md", "2")

	tests := []struct {
		path string
		want string
	}{
		{path: "note.md", want: "note_3.md"},
		{path: "note_2.md", want: "note_3.md"},
		{path: "archived/todo.md", want: "archived/todo_2.md"},
		{path: "witcher_3.md", want: "witcher_4.md"},
	}

	for _, tt := range tests {
		got, err := reg.FindNewNameOnConflict(ctx, tt.path)
		if err != nil {
			t.Fatalf("FindNewNameOnConflict(%s): %v", tt.path, err)
		}
		if got != tt.want {
			t.Errorf("FindNewNameOnConflict(%s) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestPruneStaleRecords(t *testing.T) {
	t.Parallel()
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	writeNoteFile(t, st, "alive.md", "x")
	for p, id := range map[string]string{"alive.md": "alive", "gone.md": "no-file", "orphan.md": "deleted"} {
		if err := reg.CreateNewRecordFor(ctx, p, id); err != nil {
			t.Fatal(err)
		}
	}
	writeNoteFile(t, st, "orphan.md", "x")

	removed, err := reg.PruneStaleRecords(ctx, []notes.Note{{ID: "alive"}, {ID: "no-file"}})
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	snapshot, err := reg.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshot) != 1 || snapshot["alive.md"] != "alive" {
		t.Errorf("snapshot = %v", snapshot)
	}
	if exists, _ := st.Exists(ctx, RecordPath("deleted")); exists {
		t.Error("record file of a deleted note should be removed")
	}
}

func TestOrphans(t *testing.T) {
	t.Parallel()
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	for p, id := range map[string]string{"known.md": "known", "b.md": "b", "a.md": "a", "gone.md": "gone"} {
		if err := reg.CreateNewRecordFor(ctx, p, id); err != nil {
			t.Fatal(err)
		}
		if p != "gone.md" {
			writeNoteFile(t, st, p, "x")
		}
	}

	orphans, err := reg.Orphans(ctx, []notes.Note{{ID: "known"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 2 || orphans[0].NoteID != "a" || orphans[1].NoteID != "b" {
		t.Fatalf("orphans = %+v, want a and b", orphans)
	}
	if orphans[0].Path() != "a.md" {
		t.Errorf("path = %q, want a.md", orphans[0].Path())
	}

	// Orphans only reports; records stay until pruned.
	if exists, _ := st.Exists(ctx, RecordPath("a")); !exists {
		t.Error("Orphans should not remove records")
	}
}

func TestRecordNoteID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path   string
		wantID string
		wantOK bool
	}{
		{path: RecordPath("abc"), wantID: "abc", wantOK: true},
		{path: ".notesync/registry/abc.json", wantID: "abc", wantOK: true},
		{path: ".notesync/registry/.json"},
		{path: ".notesync/registry/sub/abc.json"},
		{path: ".notesync/registry/abc.md"},
		{path: ".notesync/README.md"},
		{path: "abc.json"},
	}
	for _, tt := range tests {
		id, ok := RecordNoteID(tt.path)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("RecordNoteID(%q) = %q, %v, want %q, %v", tt.path, id, ok, tt.wantID, tt.wantOK)
		}
	}
}

func TestIsMetadata(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		".notesync":                   true,
		".notesync/README.md":         true,
		".notesync/registry/abc.json": true,
		".notesyncx/file.md":          false,
		"note.md":                     false,
	}
	for p, want := range tests {
		if got := IsMetadata(p); got != want {
			t.Errorf("IsMetadata(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestNameMatchesSlug(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		slug string
		want bool
	}{
		{"note.md", "note", true},
		{"Note.md", "note", true},
		{"note_2.md", "note", true},
		{"note_1.md", "note", false},
		{"notes.md", "note", false},
		{"note.txt", "note", false},
		{"witcher_3.md", "witcher_3", true},
	}
	for _, tt := range tests {
		if got := nameMatchesSlug(tt.name, tt.slug); got != tt.want {
			t.Errorf("nameMatchesSlug(%q, %q) = %v, want %v", tt.name, tt.slug, got, tt.want)
		}
	}
}
