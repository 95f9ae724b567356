package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fclairamb/notesync/internal/apperrors"
)

// Create adds a new note. The note starts pending so the next sync commits it.
func (db *DB) Create(ctx context.Context, content string) (*Note, error) {
	if strings.TrimSpace(content) == "" {
		return nil, apperrors.ErrEmptyInput
	}

	now := db.clock().UTC()
	note := Note{
		ID:        NewID(),
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
		SyncState: Pending,
	}
	if err := db.Insert(ctx, note); err != nil {
		return nil, err
	}

	db.logger.InfoContext(ctx, "note created", "note_id", note.ID, "heading", note.Heading())
	return &note, nil
}

// Edit replaces the content of a note.
func (db *DB) Edit(ctx context.Context, id, content string) (*Note, error) {
	return db.update(ctx, id, func(q Queries, note *Note) error {
		note.Content = content
		return q.UpdateContent(ctx, id, content, note.UpdatedAt)
	})
}

// Archive moves a note in or out of the archive.
func (db *DB) Archive(ctx context.Context, id string, archived bool) (*Note, error) {
	return db.update(ctx, id, func(q Queries, note *Note) error {
		note.IsArchived = archived
		return q.SetArchived(ctx, id, archived, note.UpdatedAt)
	})
}

// Delete marks a note for deletion. It is removed once the deletion has been synced,
// or right away when sync is disabled.
func (db *DB) Delete(ctx context.Context, id string, syncEnabled bool) error {
	if !syncEnabled {
		if _, err := db.Note(ctx, id); err != nil {
			return err
		}
		db.logger.InfoContext(ctx, "note deleted", "note_id", id)
		return db.DeleteNote(ctx, id)
	}

	_, err := db.update(ctx, id, func(q Queries, note *Note) error {
		note.IsPendingDeletion = true
		return q.MarkAsPendingDeletion(ctx, id)
	})
	return err
}

// List returns the notes that are not waiting for deletion.
func (db *DB) List(ctx context.Context, includeArchived bool) ([]Note, error) {
	all, err := db.AllNotes(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Note, 0, len(all))
	for _, note := range all {
		if note.IsPendingDeletion || (note.IsArchived && !includeArchived) {
			continue
		}
		out = append(out, note)
	}
	return out, nil
}

// update applies a foreground edit and moves the note back to pending.
func (db *DB) update(ctx context.Context, id string, apply func(Queries, *Note) error) (*Note, error) {
	var updated *Note

	err := db.Transaction(ctx, func(q Queries) error {
		note, err := q.Note(ctx, id)
		if err != nil {
			return err
		}
		if note.IsPendingDeletion {
			return fmt.Errorf("note %s is being deleted: %w", id, apperrors.ErrNoteNotFound)
		}

		note.UpdatedAt = db.clock().UTC()
		if err := apply(q, note); err != nil {
			return err
		}
		if err := q.UpdateSyncState(ctx, []string{id}, Pending); err != nil {
			return err
		}

		note.SyncState = Pending
		updated = note
		return nil
	})
	if err != nil {
		if !errors.Is(err, apperrors.ErrNoteNotFound) {
			db.logger.ErrorContext(ctx, "failed to update note", "note_id", id, "error", err)
		}
		return nil, err
	}

	db.logger.InfoContext(ctx, "note updated", "note_id", id, "sync_state", updated.SyncState)
	return updated, nil
}
