package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fclairamb/notesync/internal/apperrors"
	"github.com/fclairamb/notesync/internal/notes"
	"github.com/fclairamb/notesync/internal/registry"
	"github.com/fclairamb/notesync/internal/store"
	"github.com/fclairamb/notesync/internal/vcs"
)

const readmeContent = `# notesync

This repository is managed by notesync. Every markdown file at the top level is a note,
archived notes live in the archived/ folder.

The .notesync/ folder holds the records tying note identifiers to file names. Do not edit it
by hand.
`

// syncRun holds the state of a single sync attempt.
type syncRun struct {
	*Syncer

	cfg      *Config
	repo     vcs.Repository
	files    store.Store
	registry *registry.Registry
}

func newSyncRun(s *Syncer, cfg *Config, repo vcs.Repository) (*syncRun, error) {
	files, err := store.NewLocalStore(repo.Dir(), store.WithLogger(s.logger))
	if err != nil {
		return nil, err
	}

	return &syncRun{
		Syncer:   s,
		cfg:      cfg,
		repo:     repo,
		files:    files,
		registry: registry.New(files, registry.WithLogger(s.logger)),
	}, nil
}

func (r *syncRun) execute(ctx context.Context) error {
	if err := r.resetLeftovers(ctx); err != nil {
		return err
	}

	if err := r.bootstrap(ctx); err != nil {
		return err
	}

	// Notes left in flight by an interrupted attempt are committed again.
	if err := r.db.SwapSyncStates(ctx, notes.InFlight, notes.Pending); err != nil {
		return err
	}

	committed, err := r.commitAllChanges(ctx)
	if err != nil {
		return err
	}

	upstream, err := r.pull(ctx)
	if err != nil {
		return err
	}

	head, err := r.repo.HeadCommit(ctx, "")
	if err != nil {
		return err
	}
	if head == nil {
		return apperrors.NewInvariantViolation("no HEAD after commit")
	}

	if upstream == nil || upstream.Hash != head.Hash {
		r.logger.InfoContext(ctx, "pushing", "head", head.ShortHash(), "committed", committed)
		if err := r.repo.Push(ctx); err != nil {
			return err
		}
	}

	if err := r.db.SwapSyncStates(ctx, notes.InFlight, notes.Synced); err != nil {
		return err
	}

	return r.finalize(ctx)
}

// resetLeftovers discards uncommitted changes left by an interrupted attempt. The database
// is the source of truth for local edits, so nothing is lost.
func (r *syncRun) resetLeftovers(ctx context.Context) error {
	head, err := r.repo.HeadCommit(ctx, "")
	if err != nil || head == nil {
		return err
	}

	dirty, err := r.repo.IsDirty(ctx)
	if err != nil || !dirty {
		return err
	}

	r.logger.WarnContext(ctx, "working copy has uncommitted changes, discarding them")
	return r.repo.AbortMerge(ctx)
}

// bootstrap makes the first commit of a fresh working copy and names the branch.
func (r *syncRun) bootstrap(ctx context.Context) error {
	head, err := r.repo.HeadCommit(ctx, "")
	if err != nil {
		return err
	}
	if head != nil {
		return nil
	}

	if err := r.files.Write(ctx, registry.MetadataDir+"/README.md", []byte(readmeContent)); err != nil {
		return err
	}

	message := fmt.Sprintf("Setup syncing on '%s'", r.deviceName)
	if _, err := r.repo.CommitAll(ctx, message, r.author, r.clock(), true); err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "initialized working copy", "branch", r.cfg.Remote.DefaultBranch, "dir", r.repo.Dir())
	return r.repo.CheckoutBranch(ctx, r.cfg.Remote.DefaultBranch, true)
}

// commitAllChanges commits every pending note, one commit per note. It reports whether
// anything was committed.
func (r *syncRun) commitAllChanges(ctx context.Context) (bool, error) {
	pending, err := r.db.PendingSyncNotes(ctx)
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return false, nil
	}

	ids := make([]string, len(pending))
	for i := range pending {
		ids[i] = pending[i].ID
	}
	if err := r.db.UpdateSyncState(ctx, ids, notes.InFlight); err != nil {
		return false, err
	}

	r.logger.InfoContext(ctx, "committing local changes", "notes", len(pending))

	committed := false
	for i := range pending {
		note := &pending[i]

		var (
			done bool
			err  error
		)
		if note.IsPendingDeletion {
			done, err = r.commitDeletion(ctx, note)
		} else {
			done, err = r.commitNote(ctx, note)
		}
		if err != nil {
			return committed, fmt.Errorf("commit note %s: %w", note.ID, err)
		}
		committed = committed || done
	}
	return committed, nil
}

func (r *syncRun) commitNote(ctx context.Context, note *notes.Note) (bool, error) {
	renamed := false
	p, err := r.registry.FileFor(ctx, note, func(oldPath, newPath string) error {
		renamed = true
		message := fmt.Sprintf("Rename '%s' → '%s'", oldPath, newPath)
		_, err := r.repo.CommitAll(ctx, message, r.author, note.UpdatedAt, false)
		return err
	})
	if err != nil {
		return false, err
	}

	if err := r.files.Write(ctx, p, []byte(note.Content)); err != nil {
		return false, err
	}

	commit, err := r.repo.CommitAll(ctx, fmt.Sprintf("Update '%s'", p), r.author, note.UpdatedAt, false)
	if err != nil {
		return false, err
	}
	if commit == nil {
		r.logger.DebugContext(ctx, "note unchanged", "note_id", note.ID, "path", p)
		return renamed, nil
	}

	dirty, err := r.repo.IsDirty(ctx)
	if err != nil {
		return false, err
	}
	if dirty {
		return false, apperrors.NewInvariantViolation("working copy dirty after committing %s", p)
	}

	r.logger.DebugContext(ctx, "committed note", "note_id", note.ID, "path", p, "commit", commit.ShortHash())
	return true, nil
}

func (r *syncRun) commitDeletion(ctx context.Context, note *notes.Note) (bool, error) {
	p, ok, err := r.registry.PathFor(ctx, note.ID)
	if err != nil {
		return false, err
	}

	if ok {
		exists, err := r.files.Exists(ctx, p)
		if err != nil {
			return false, err
		}
		if exists {
			if err := r.files.Delete(ctx, p); err != nil {
				return false, err
			}
		}
	}
	if err := r.registry.DeleteRecord(ctx, note.ID); err != nil {
		return false, err
	}

	message := fmt.Sprintf("Delete '%s'", p)
	if !ok {
		message = fmt.Sprintf("Delete note %s", note.ID)
	}
	commit, err := r.repo.CommitAll(ctx, message, r.author, note.UpdatedAt, false)
	if err != nil {
		return false, err
	}

	// The note is only removed once its deletion is committed.
	if err := r.db.DeleteNote(ctx, note.ID); err != nil {
		return false, err
	}

	r.logger.DebugContext(ctx, "committed deletion", "note_id", note.ID, "path", p)
	return commit != nil, nil
}

// pull merges the remote branch and replays the merged history into the database. It
// returns the remote tip it merged, or nil when the remote branch does not exist yet.
func (r *syncRun) pull(ctx context.Context) (*vcs.Commit, error) {
	if err := r.repo.Fetch(ctx); err != nil {
		return nil, err
	}

	branch, err := r.repo.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}

	upstream, err := r.repo.HeadCommit(ctx, vcs.RemoteBranch(branch))
	if err != nil || upstream == nil {
		return nil, err
	}

	local, err := r.repo.HeadCommit(ctx, "")
	if err != nil {
		return nil, err
	}
	if local == nil {
		return nil, apperrors.NewInvariantViolation("no HEAD before pull")
	}
	if local.Hash == upstream.Hash {
		r.logger.DebugContext(ctx, "already up to date", "head", local.ShortHash())
		return upstream, nil
	}

	base, err := r.repo.CommonAncestor(ctx, local.Hash, upstream.Hash)
	if err != nil {
		return nil, err
	}
	if base != nil && base.Hash == upstream.Hash {
		r.logger.DebugContext(ctx, "remote has nothing new", "head", local.ShortHash(), "upstream", upstream.ShortHash())
		return upstream, nil
	}

	r.logger.InfoContext(ctx, "pulling", "head", local.ShortHash(), "upstream", upstream.ShortHash(), "base", base.ShortHash())

	if err := r.resolveConflicts(ctx, upstream, base); err != nil {
		return nil, err
	}

	snapshot, err := r.registry.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	if err := r.merge(ctx, upstream); err != nil {
		return nil, err
	}

	// The merge may have rewritten the records.
	if err := r.registry.Reload(ctx); err != nil {
		return nil, err
	}

	base, err = r.repo.CommonAncestor(ctx, local.Hash, upstream.Hash)
	if err != nil {
		return nil, err
	}
	head, err := r.repo.HeadCommit(ctx, "")
	if err != nil {
		return nil, err
	}

	if err := r.replay(ctx, base, head, snapshot); err != nil {
		return nil, err
	}
	return upstream, nil
}

// resolveConflicts rewrites the working copy so merging upstream no longer conflicts on
// notes. The local version of a conflicting note is moved to a new file, which becomes a
// new note once replayed, while the original file takes the remote version.
func (r *syncRun) resolveConflicts(ctx context.Context, upstream, base *vcs.Commit) error {
	conflicts, err := r.repo.MergeConflicts(ctx, upstream.Hash)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		return nil
	}

	var metadata []string
	for _, c := range conflicts {
		switch {
		case isConflictRelevant(c.Path):
			if err := r.duplicateLocal(ctx, c.Path, base); err != nil {
				return err
			}
		case registry.IsMetadata(c.Path):
			metadata = append(metadata, c.Path)
		default:
			r.logger.WarnContext(ctx, "conflict on a file that is not a note", "path", c.Path)
		}
	}

	for _, p := range metadata {
		if err := r.adoptRemote(ctx, p, upstream); err != nil {
			return err
		}
	}
	if len(metadata) > 0 {
		if err := r.registry.Reload(ctx); err != nil {
			return err
		}
	}

	commit, err := r.repo.CommitAll(ctx, "Auto-resolve merge conflicts", r.author, r.clock(), false)
	if err != nil {
		return err
	}
	if commit != nil {
		r.logger.InfoContext(ctx, "auto-resolved merge conflicts", "conflicts", len(conflicts), "commit", commit.ShortHash())
	}
	return nil
}

// duplicateLocal moves the local version of a conflicting note out of the way and puts the
// merge base version back, so the merge takes the remote version at p.
func (r *syncRun) duplicateLocal(ctx context.Context, p string, base *vcs.Commit) error {
	var (
		original []byte
		inBase   bool
	)
	if base != nil {
		var err error
		if original, inBase, err = r.repo.FileAt(ctx, base.Hash, p); err != nil {
			return err
		}
	}

	exists, err := r.files.Exists(ctx, p)
	if err != nil {
		return err
	}

	if exists {
		duplicate, err := r.registry.FindNewNameOnConflict(ctx, p)
		if err != nil {
			return err
		}
		if err := r.files.Rename(ctx, p, duplicate); err != nil {
			return err
		}

		// A note both sides know keeps its identifier for the remote version. A note only
		// this device knows follows its file.
		noteID, ok, err := r.registry.NoteIDFor(ctx, p)
		if err != nil {
			return err
		}
		if ok {
			shared, err := r.knownAt(ctx, base, noteID)
			if err != nil {
				return err
			}
			if !shared {
				if err := r.registry.MoveRecord(ctx, noteID, duplicate); err != nil {
					return err
				}
			}
		}

		r.logger.InfoContext(ctx, "conflicting note duplicated", "path", p, "duplicate", duplicate)
	} else {
		r.logger.InfoContext(ctx, "conflicting note was moved locally, skipped", "path", p)
	}

	if !inBase {
		return nil
	}
	return r.files.Write(ctx, p, original)
}

// knownAt reports whether a note had a record at the commit.
func (r *syncRun) knownAt(ctx context.Context, commit *vcs.Commit, noteID string) (bool, error) {
	if commit == nil {
		return false, nil
	}
	_, ok, err := r.repo.FileAt(ctx, commit.Hash, registry.RecordPath(noteID))
	return ok, err
}

// adoptRemote replaces a metadata file with its remote version.
func (r *syncRun) adoptRemote(ctx context.Context, p string, upstream *vcs.Commit) error {
	content, ok, err := r.repo.FileAt(ctx, upstream.Hash, p)
	if err != nil {
		return err
	}

	r.logger.DebugContext(ctx, "taking remote version of metadata", "path", p, "exists", ok)
	if !ok {
		return r.files.Delete(ctx, p)
	}
	return r.files.Write(ctx, p, content)
}

// merge merges upstream into HEAD. Remaining conflicts are fatal unless a fallback side
// is configured.
func (r *syncRun) merge(ctx context.Context, upstream *vcs.Commit) error {
	result, err := r.repo.Merge(ctx, upstream.Hash, vcs.ContentMerge().WithSignature(r.author, r.clock()))
	if err != nil {
		return err
	}
	if result.Succeeded() {
		return nil
	}

	if err := r.repo.AbortMerge(ctx); err != nil {
		return err
	}

	paths := conflictPaths(result.Conflicts)
	if r.fallback == nil {
		return apperrors.NewVcsError("merge",
			fmt.Errorf("%w: %s", apperrors.ErrMergeConflicts, strings.Join(paths, ", ")))
	}

	r.logger.WarnContext(ctx, "unresolved conflicts, taking one side",
		"side", r.fallback.String(), "conflicts", strings.Join(paths, ", "))
	result, err = r.repo.Merge(ctx, upstream.Hash, vcs.TakeOneSide(*r.fallback).WithSignature(r.author, r.clock()))
	if err != nil {
		return err
	}
	if !result.Succeeded() {
		return apperrors.NewVcsError("merge", fmt.Errorf("%w: %s", apperrors.ErrMergeConflicts,
			strings.Join(conflictPaths(result.Conflicts), ", ")))
	}
	return nil
}

func conflictPaths(conflicts []vcs.MergeConflict) []string {
	paths := make([]string, len(conflicts))
	for i, c := range conflicts {
		paths[i] = c.Path
	}
	return paths
}

// finalize checks the working copy is left clean.
func (r *syncRun) finalize(ctx context.Context) error {
	dirty, err := r.repo.IsDirty(ctx)
	if err != nil {
		return err
	}
	if dirty {
		return apperrors.NewInvariantViolation("working copy dirty after sync")
	}
	return nil
}

// isNotFound reports whether a note lookup failed because the note does not exist.
func isNotFound(err error) bool {
	return errors.Is(err, apperrors.ErrNoteNotFound)
}
