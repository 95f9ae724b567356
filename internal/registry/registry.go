// Package registry maps stable note identifiers to the human readable file names notes
// are stored under in the working copy.
//
// Every note has one record, persisted as JSON under .notesync/registry/<note id>.json and
// committed alongside the notes, so every device resolves a file back to the same note even
// after the file was renamed. Records are reconciled against the committed tree; they are
// never a source of note content.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fclairamb/notesync/internal/converter"
	"github.com/fclairamb/notesync/internal/notes"
	"github.com/fclairamb/notesync/internal/store"
)

const (
	// MetadataDir holds every file the sync engine owns in the working copy.
	MetadataDir = ".notesync"
	// ArchiveFolder holds the files of archived notes.
	ArchiveFolder = "archived"
	// NoteExtension is the extension of note files.
	NoteExtension = ".md"

	recordsDir = MetadataDir + "/registry"
)

// Record ties a note to its file.
type Record struct {
	NoteID   string `json:"note_id"`
	FileName string `json:"file_name"`
	Folder   string `json:"folder,omitempty"`
}

// Path returns the record's file path relative to the working copy.
func (r *Record) Path() string {
	return path.Join(r.Folder, r.FileName)
}

// Archived reports whether the record points into the archive.
func (r *Record) Archived() bool {
	return r.Folder == ArchiveFolder
}

// RecordPath returns the path of a note's record file relative to the working copy.
func RecordPath(noteID string) string {
	return path.Join(recordsDir, noteID+".json")
}

// RecordNoteID returns the note a record file belongs to, when p is a record file.
func RecordNoteID(p string) (string, bool) {
	name, ok := strings.CutPrefix(p, recordsDir+"/")
	if !ok || strings.Contains(name, "/") {
		return "", false
	}
	id, ok := strings.CutSuffix(name, ".json")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// IsMetadata reports whether a path belongs to the sync engine rather than to a note.
func IsMetadata(p string) bool {
	return p == MetadataDir || strings.HasPrefix(p, MetadataDir+"/")
}

// Registry is the file name registry of one working copy.
type Registry struct {
	store  store.Store
	logger *slog.Logger

	mu     sync.Mutex
	loaded bool
	byID   map[string]*Record
	byPath map[string]*Record
}

// Option configures Registry.
type Option func(*Registry)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New creates a registry over the working copy the store is rooted at.
// Records are read lazily.
func New(st store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:  st,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reload re-reads every record from disk. Call it after a merge changed the records.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.load(ctx)
}

func (r *Registry) ensureLoaded(ctx context.Context) error {
	if r.loaded {
		return nil
	}
	return r.load(ctx)
}

func (r *Registry) load(ctx context.Context) error {
	entries, err := r.store.List(ctx, recordsDir)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}

	r.byID = make(map[string]*Record, len(entries))
	r.byPath = make(map[string]*Record, len(entries))

	for i := range entries {
		entry := &entries[i]
		if entry.IsDir || !strings.HasSuffix(entry.Path, ".json") {
			continue
		}

		data, err := r.store.Read(ctx, entry.Path)
		if err != nil {
			return fmt.Errorf("read record: %w", err)
		}

		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			r.logger.WarnContext(ctx, "ignoring unreadable record", "path", entry.Path, "error", err)
			continue
		}
		if rec.NoteID == "" || rec.FileName == "" {
			r.logger.WarnContext(ctx, "ignoring incomplete record", "path", entry.Path)
			continue
		}

		if existing, ok := r.byPath[rec.Path()]; ok {
			r.logger.WarnContext(ctx, "two records claim the same file",
				"path", rec.Path(), "note_id", rec.NoteID, "other_note_id", existing.NoteID)
		}
		r.byID[rec.NoteID] = &rec
		r.byPath[rec.Path()] = &rec
	}

	r.loaded = true
	r.logger.DebugContext(ctx, "loaded registry", "records", len(r.byID))
	return nil
}

// FileFor returns the path a note is stored at, allocating or updating its record.
//
// A record is kept as long as the note stays in the same folder and its file name still
// derives from the note heading. Otherwise a new unique name is allocated, the existing
// file is moved there and onRename is called with both paths.
func (r *Registry) FileFor(
	ctx context.Context,
	note *notes.Note,
	onRename func(oldPath, newPath string) error,
) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(ctx); err != nil {
		return "", err
	}

	folder := ""
	if note.IsArchived {
		folder = ArchiveFolder
	}
	slug := converter.FileSlug(note.Content)

	existing := r.byID[note.ID]
	if existing != nil && existing.Folder == folder && nameMatchesSlug(existing.FileName, slug) {
		return existing.Path(), nil
	}

	name, err := r.uniqueName(ctx, folder, slug, note.ID)
	if err != nil {
		return "", err
	}
	rec := &Record{NoteID: note.ID, FileName: name, Folder: folder}

	if existing == nil {
		r.logger.DebugContext(ctx, "new record", "note_id", note.ID, "path", rec.Path())
		if err := r.put(ctx, rec); err != nil {
			return "", err
		}
		return rec.Path(), nil
	}

	oldPath := existing.Path()
	moved, err := r.store.Exists(ctx, oldPath)
	if err != nil {
		return "", fmt.Errorf("check %s: %w", oldPath, err)
	}
	if moved {
		if err := r.store.Rename(ctx, oldPath, rec.Path()); err != nil {
			return "", err
		}
	}
	if err := r.put(ctx, rec); err != nil {
		return "", err
	}

	r.logger.DebugContext(ctx, "record renamed", "note_id", note.ID, "from", oldPath, "to", rec.Path())
	if moved && onRename != nil {
		if err := onRename(oldPath, rec.Path()); err != nil {
			return "", err
		}
	}
	return rec.Path(), nil
}

// RecordFor returns the record of the note stored at p. When oldPath is set and differs,
// a record still pointing at oldPath is migrated to p first. It returns nil when no record
// matches.
func (r *Registry) RecordFor(ctx context.Context, p, oldPath string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	if oldPath != "" && oldPath != p {
		if old, ok := r.byPath[oldPath]; ok {
			if _, taken := r.byPath[p]; !taken {
				folder, name := splitPath(p)
				migrated := &Record{NoteID: old.NoteID, FileName: name, Folder: folder}
				r.logger.DebugContext(ctx, "migrating record after rename",
					"note_id", old.NoteID, "from", oldPath, "to", p)
				if err := r.put(ctx, migrated); err != nil {
					return nil, err
				}
			}
		}
	}

	rec, ok := r.byPath[p]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

// NoteIDFor returns the note stored at p.
func (r *Registry) NoteIDFor(ctx context.Context, p string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(ctx); err != nil {
		return "", false, err
	}

	rec, ok := r.byPath[p]
	if !ok {
		return "", false, nil
	}
	return rec.NoteID, true, nil
}

// PathFor returns the path recorded for a note.
func (r *Registry) PathFor(ctx context.Context, noteID string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(ctx); err != nil {
		return "", false, err
	}

	rec, ok := r.byID[noteID]
	if !ok {
		return "", false, nil
	}
	return rec.Path(), true, nil
}

// CreateNewRecordFor records that p holds the given note.
func (r *Registry) CreateNewRecordFor(ctx context.Context, p, noteID string) error {
	return r.MoveRecord(ctx, noteID, p)
}

// MoveRecord points a note's record at a new path, creating the record if needed.
func (r *Registry) MoveRecord(ctx context.Context, noteID, p string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}

	folder, name := splitPath(p)
	return r.put(ctx, &Record{NoteID: noteID, FileName: name, Folder: folder})
}

// DeleteRecord removes a note's record. A missing record is not an error.
func (r *Registry) DeleteRecord(ctx context.Context, noteID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}
	return r.remove(ctx, noteID)
}

// FindNewNameOnConflict returns a free path next to p, numbering it the way colliding
// headings are numbered: note.md becomes note_2.md, note_2.md becomes note_3.md.
func (r *Registry) FindNewNameOnConflict(ctx context.Context, p string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(ctx); err != nil {
		return "", err
	}

	folder, name := splitPath(p)
	stem := strings.TrimSuffix(name, NoteExtension)
	base, counter := splitCounter(stem)
	if counter < 2 {
		base, counter = stem, 1
	}

	taken, err := r.takenNames(ctx, folder, "")
	if err != nil {
		return "", err
	}
	for n := counter + 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d%s", base, n, NoteExtension)
		if !taken[strings.ToLower(candidate)] {
			return path.Join(folder, candidate), nil
		}
	}
}

// PruneStaleRecords removes records of notes that no longer exist, or whose file is gone.
// It returns the number of records removed.
func (r *Registry) PruneStaleRecords(ctx context.Context, live []notes.Note) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(ctx); err != nil {
		return 0, err
	}

	alive := make(map[string]bool, len(live))
	for i := range live {
		alive[live[i].ID] = true
	}

	var stale []string
	for id, rec := range r.byID {
		if !alive[id] {
			stale = append(stale, id)
			continue
		}
		exists, err := r.store.Exists(ctx, rec.Path())
		if err != nil {
			return 0, fmt.Errorf("check %s: %w", rec.Path(), err)
		}
		if !exists {
			stale = append(stale, id)
		}
	}

	for _, id := range stale {
		r.logger.DebugContext(ctx, "pruning stale record", "note_id", id, "path", r.byID[id].Path())
		if err := r.remove(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// Orphans returns the records whose file exists but whose note is not among live. Their
// notes were never loaded into the database, so pruning them would drop the files' content.
func (r *Registry) Orphans(ctx context.Context, live []notes.Note) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	alive := make(map[string]bool, len(live))
	for i := range live {
		alive[live[i].ID] = true
	}

	var orphans []Record
	for id, rec := range r.byID {
		if alive[id] {
			continue
		}
		exists, err := r.store.Exists(ctx, rec.Path())
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", rec.Path(), err)
		}
		if exists {
			orphans = append(orphans, *rec)
		}
	}

	sort.Slice(orphans, func(i, j int) bool { return orphans[i].NoteID < orphans[j].NoteID })
	return orphans, nil
}

// Snapshot returns a copy of the path to note index.
func (r *Registry) Snapshot(ctx context.Context) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(r.byPath))
	for p, rec := range r.byPath {
		out[p] = rec.NoteID
	}
	return out, nil
}

// put writes a record and indexes it, replacing any previous record of the same note.
func (r *Registry) put(ctx context.Context, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := r.store.Write(ctx, RecordPath(rec.NoteID), append(data, '\n')); err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	if previous, ok := r.byID[rec.NoteID]; ok && r.byPath[previous.Path()] == previous {
		delete(r.byPath, previous.Path())
	}
	r.byID[rec.NoteID] = rec
	r.byPath[rec.Path()] = rec
	return nil
}

func (r *Registry) remove(ctx context.Context, noteID string) error {
	rec, ok := r.byID[noteID]
	if !ok {
		return nil
	}
	if err := r.store.Delete(ctx, RecordPath(noteID)); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	delete(r.byID, noteID)
	if r.byPath[rec.Path()] == rec {
		delete(r.byPath, rec.Path())
	}
	return nil
}

// uniqueName allocates slug.md, slug_2.md, ... unique (case-insensitively) among the
// records and files of the folder. The note's own record and file do not count.
func (r *Registry) uniqueName(ctx context.Context, folder, slug, noteID string) (string, error) {
	taken, err := r.takenNames(ctx, folder, noteID)
	if err != nil {
		return "", err
	}

	for n := 1; ; n++ {
		candidate := slug + NoteExtension
		if n > 1 {
			candidate = fmt.Sprintf("%s_%d%s", slug, n, NoteExtension)
		}
		if !taken[strings.ToLower(candidate)] {
			return candidate, nil
		}
	}
}

// takenNames lists the lowercased names in use in a folder, ignoring the given note.
func (r *Registry) takenNames(ctx context.Context, folder, ignoreNoteID string) (map[string]bool, error) {
	taken := map[string]bool{}
	ownPath := ""
	if own, ok := r.byID[ignoreNoteID]; ok {
		ownPath = own.Path()
	}

	for id, rec := range r.byID {
		if id != ignoreNoteID && rec.Folder == folder {
			taken[strings.ToLower(rec.FileName)] = true
		}
	}

	entries, err := r.store.List(ctx, folder)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", folder, err)
	}
	for i := range entries {
		if entries[i].IsDir || entries[i].Path == ownPath {
			continue
		}
		taken[strings.ToLower(path.Base(entries[i].Path))] = true
	}
	return taken, nil
}

// nameMatchesSlug reports whether a file name is slug.md or slug_N.md.
func nameMatchesSlug(fileName, slug string) bool {
	stem, ok := strings.CutSuffix(fileName, NoteExtension)
	if !ok {
		return false
	}
	if strings.EqualFold(stem, slug) {
		return true
	}
	base, n := splitCounter(stem)
	return n >= 2 && strings.EqualFold(base, slug)
}

// splitCounter splits "note_3" into ("note", 3). Stems without a counter yield 0.
func splitCounter(stem string) (string, int) {
	i := strings.LastIndexByte(stem, '_')
	if i <= 0 || i == len(stem)-1 {
		return stem, 0
	}
	n, err := strconv.Atoi(stem[i+1:])
	if err != nil || n < 0 {
		return stem, 0
	}
	return stem[:i], n
}

func splitPath(p string) (folder, name string) {
	dir, name := path.Split(p)
	return strings.TrimSuffix(dir, "/"), name
}
