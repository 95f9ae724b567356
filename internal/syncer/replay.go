package syncer

import (
	"context"
	"time"

	"github.com/fclairamb/notesync/internal/notes"
	"github.com/fclairamb/notesync/internal/registry"
	"github.com/fclairamb/notesync/internal/vcs"
)

// noteOp is one database mutation derived from the merged history.
type noteOp func(ctx context.Context, q notes.Queries) error

// replayPlan is the aggregate diff of a replay, sorted by what it does to notes.
type replayPlan struct {
	// upserts are note files to load into the database.
	upserts []vcs.Change
	// removedPaths are note files that are gone.
	removedPaths []string
	// removedRecords are notes whose record is gone.
	removedRecords []string
}

// replay applies the changes between base and head to the database. Replaying the same
// range twice is a no-op.
func (r *syncRun) replay(ctx context.Context, base, head *vcs.Commit, snapshot map[string]string) error {
	from := ""
	if base != nil {
		from = base.Hash
	}

	times, err := r.changeTimes(ctx, from, head)
	if err != nil {
		return err
	}

	changes, err := r.repo.DiffBetween(ctx, from, head.Hash)
	if err != nil {
		return err
	}

	plan, err := r.planReplay(ctx, changes)
	if err != nil {
		return err
	}

	// Upserts go first: they migrate the records of renamed files, which tells the
	// deletions below a note moved rather than disappeared.
	var ops []noteOp
	for _, change := range plan.upserts {
		when, ok := times[change.Path]
		if !ok {
			when = head.AuthorTime
		}
		op, err := r.upsertOp(ctx, change, when.UTC())
		if err != nil {
			return err
		}
		if op != nil {
			ops = append(ops, op)
		}
	}

	deleted := map[string]bool{}
	for _, p := range plan.removedPaths {
		noteID, ok := snapshot[p]
		if !ok {
			if noteID, ok, err = r.registry.NoteIDFor(ctx, p); err != nil {
				return err
			}
		}
		if !ok {
			r.logger.DebugContext(ctx, "deleted file has no note, already processed", "path", p)
			continue
		}
		op, err := r.deletionOp(ctx, noteID, p, deleted)
		if err != nil {
			return err
		}
		if op != nil {
			ops = append(ops, op)
		}
	}
	for _, noteID := range plan.removedRecords {
		op, err := r.deletionOp(ctx, noteID, registry.RecordPath(noteID), deleted)
		if err != nil {
			return err
		}
		if op != nil {
			ops = append(ops, op)
		}
	}

	r.logger.InfoContext(ctx, "replaying changes", "base", base.ShortHash(), "head", head.ShortHash(),
		"changes", len(changes), "ops", len(ops))

	if len(ops) > 0 {
		err := r.db.Transaction(ctx, func(q notes.Queries) error {
			for _, op := range ops {
				if err := op(ctx, q); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return r.updateRecords(ctx)
}

// planReplay sorts the diff. A rename loads the note at its new path and checks the old
// path for a deletion. A record another device added or changed loads the note it points
// at, even when that file did not change: auto-resolution may have given the file to a
// new note.
func (r *syncRun) planReplay(ctx context.Context, changes []vcs.Change) (*replayPlan, error) {
	plan := &replayPlan{}
	touched := map[string]bool{}
	var records []string

	for _, change := range changes {
		if noteID, ok := registry.RecordNoteID(change.Path); ok {
			if change.Kind == vcs.ChangeDelete {
				plan.removedRecords = append(plan.removedRecords, noteID)
			} else {
				records = append(records, noteID)
			}
			continue
		}

		relevant, err := IsNoteRelevant(change.Path)
		if err != nil {
			return nil, err
		}
		if !relevant {
			continue
		}

		if change.Kind == vcs.ChangeDelete {
			plan.removedPaths = append(plan.removedPaths, change.Path)
			continue
		}

		plan.upserts = append(plan.upserts, change)
		touched[change.Path] = true

		if change.Kind == vcs.ChangeRename && change.FromPath != "" {
			fromRelevant, err := IsNoteRelevant(change.FromPath)
			if err != nil {
				return nil, err
			}
			if fromRelevant {
				plan.removedPaths = append(plan.removedPaths, change.FromPath)
			}
		}
	}

	for _, noteID := range records {
		p, ok, err := r.registry.PathFor(ctx, noteID)
		if err != nil {
			return nil, err
		}
		if !ok || touched[p] {
			continue
		}

		// Another record may claim the same file; the one the path resolves to wins.
		owner, ok, err := r.registry.NoteIDFor(ctx, p)
		if err != nil {
			return nil, err
		}
		if !ok || owner != noteID {
			continue
		}

		relevant, err := IsNoteRelevant(p)
		if err != nil {
			return nil, err
		}
		exists, err := r.files.Exists(ctx, p)
		if err != nil {
			return nil, err
		}
		if !relevant || !exists {
			continue
		}

		r.logger.DebugContext(ctx, "record changed, reloading its note", "note_id", noteID, "path", p)
		plan.upserts = append(plan.upserts, vcs.Change{Kind: vcs.ChangeModify, Path: p})
		touched[p] = true
	}

	return plan, nil
}

// changeTimes returns, for every path touched in the range, the time of the last commit
// that touched it. Merge commits are skipped.
func (r *syncRun) changeTimes(ctx context.Context, from string, head *vcs.Commit) (map[string]time.Time, error) {
	commits, err := r.repo.CommitsBetween(ctx, from, head.Hash)
	if err != nil {
		return nil, err
	}

	times := map[string]time.Time{}
	for i := range commits {
		commit := &commits[i]
		if commit.IsMerge() {
			continue
		}

		changes, err := r.repo.ChangesIn(ctx, commit.Hash)
		if err != nil {
			return nil, err
		}
		for _, change := range changes {
			times[change.Path] = commit.AuthorTime
		}
	}
	return times, nil
}

func (r *syncRun) upsertOp(ctx context.Context, change vcs.Change, when time.Time) (noteOp, error) {
	content, err := r.files.Read(ctx, change.Path)
	if err != nil {
		return nil, err
	}

	rec, err := r.registry.RecordFor(ctx, change.Path, change.FromPath)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		noteID := notes.NewID()
		if err := r.registry.CreateNewRecordFor(ctx, change.Path, noteID); err != nil {
			return nil, err
		}
		if rec, err = r.registry.RecordFor(ctx, change.Path, ""); err != nil {
			return nil, err
		}
		r.logger.DebugContext(ctx, "new note from history", "note_id", noteID, "path", change.Path)
	}

	noteID, archived, p := rec.NoteID, rec.Archived(), change.Path
	return func(ctx context.Context, q notes.Queries) error {
		note, err := q.Note(ctx, noteID)
		if isNotFound(err) {
			return q.Insert(ctx, notes.Note{
				ID:         noteID,
				Content:    string(content),
				CreatedAt:  when,
				UpdatedAt:  when,
				IsArchived: archived,
				SyncState:  notes.Synced,
			})
		}
		if err != nil {
			return err
		}

		// Edited again since the sync started: the local edit wins and is committed next time.
		if note.SyncState == notes.Pending {
			r.logger.DebugContext(ctx, "note edited during sync, keeping local version", "note_id", noteID, "path", p)
			return nil
		}
		if note.Content == string(content) && note.IsArchived == archived && note.SyncState == notes.Synced {
			return nil
		}

		if err := q.UpdateContent(ctx, noteID, string(content), when); err != nil {
			return err
		}
		if err := q.SetArchived(ctx, noteID, archived, when); err != nil {
			return err
		}
		return q.UpdateSyncState(ctx, []string{noteID}, notes.Synced)
	}, nil
}

// deletionOp removes a note whose file or record is gone, unless the note still has a
// record somewhere else. deleted collects the notes already handled.
func (r *syncRun) deletionOp(ctx context.Context, noteID, p string, deleted map[string]bool) (noteOp, error) {
	if deleted[noteID] {
		return nil, nil
	}

	// A file deleted because its note was renamed is not a deletion of the note.
	current, ok, err := r.registry.PathFor(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if ok && current != p {
		r.logger.DebugContext(ctx, "note moved to another file", "note_id", noteID, "from", p, "to", current)
		return nil, nil
	}
	deleted[noteID] = true

	return func(ctx context.Context, q notes.Queries) error {
		note, err := q.Note(ctx, noteID)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if note.SyncState == notes.Pending && !note.IsPendingDeletion {
			r.logger.InfoContext(ctx, "note deleted remotely but edited during sync, keeping it", "note_id", noteID)
			return nil
		}

		r.logger.DebugContext(ctx, "note deleted remotely", "note_id", noteID, "path", p)
		if err := q.MarkAsPendingDeletion(ctx, noteID); err != nil {
			return err
		}
		if err := q.UpdateSyncState(ctx, []string{noteID}, notes.InFlight); err != nil {
			return err
		}
		return q.DeleteNote(ctx, noteID)
	}, nil
}

// updateRecords restores notes that only exist as a record and a file, drops records of
// notes that are gone and commits the record changes.
func (r *syncRun) updateRecords(ctx context.Context) error {
	live, err := r.db.AllNotes(ctx)
	if err != nil {
		return err
	}

	adopted, err := r.adoptOrphans(ctx, live)
	if err != nil {
		return err
	}
	if adopted > 0 {
		if live, err = r.db.AllNotes(ctx); err != nil {
			return err
		}
	}

	pruned, err := r.registry.PruneStaleRecords(ctx, live)
	if err != nil {
		return err
	}

	commit, err := r.repo.CommitAll(ctx, "Update file name records", r.author, r.clock(), false)
	if err != nil {
		return err
	}
	if commit != nil {
		r.logger.DebugContext(ctx, "committed records", "pruned", pruned, "commit", commit.ShortHash())
	}
	return nil
}

// adoptOrphans inserts the notes of records whose file exists but which the database does
// not know. It returns how many notes were restored.
func (r *syncRun) adoptOrphans(ctx context.Context, live []notes.Note) (int, error) {
	orphans, err := r.registry.Orphans(ctx, live)
	if err != nil || len(orphans) == 0 {
		return 0, err
	}

	now := r.clock().UTC()
	restored := make([]notes.Note, 0, len(orphans))
	for i := range orphans {
		rec := &orphans[i]
		relevant, err := IsNoteRelevant(rec.Path())
		if err != nil {
			return 0, err
		}
		if !relevant {
			continue
		}
		content, err := r.files.Read(ctx, rec.Path())
		if err != nil {
			return 0, err
		}

		r.logger.WarnContext(ctx, "record without a note, restoring it", "note_id", rec.NoteID, "path", rec.Path())
		restored = append(restored, notes.Note{
			ID:         rec.NoteID,
			Content:    string(content),
			CreatedAt:  now,
			UpdatedAt:  now,
			IsArchived: rec.Archived(),
			SyncState:  notes.Synced,
		})
	}
	if len(restored) == 0 {
		return 0, nil
	}

	err = r.db.Transaction(ctx, func(q notes.Queries) error {
		for _, note := range restored {
			if err := q.Insert(ctx, note); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(restored), nil
}
