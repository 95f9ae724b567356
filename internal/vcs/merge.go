package vcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/fclairamb/notesync/internal/apperrors"
)

const (
	filePerm     = 0600 // File permissions: rw-------
	execFilePerm = 0700 // Executable file permissions: rwx------
)

// treeEntry is a flattened blob entry of a git tree.
type treeEntry struct {
	hash plumbing.Hash
	mode filemode.FileMode
}

// mergePlan is the outcome of a path-level three-way merge.
type mergePlan struct {
	merged    map[string]treeEntry
	conflicts []MergeConflict
	resolved  []MergeConflict // conflicts settled by a one-sided strategy
}

// MergeConflicts reports the paths a content merge with the commit would conflict on.
func (r *GitRepository) MergeConflicts(ctx context.Context, with string) ([]MergeConflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.prepareMerge(with)
	if err != nil {
		return nil, apperrors.NewVcsError("merge-conflicts", err)
	}
	if state.trivial() {
		return nil, nil
	}

	plan, err := r.planMerge(ctx, state, ContentMerge())
	if err != nil {
		return nil, apperrors.NewVcsError("merge-conflicts", err)
	}
	return plan.conflicts, nil
}

// Merge merges the commit into HEAD. A failed merge leaves the working copy untouched and
// returns the conflicts in the result.
func (r *GitRepository) Merge(ctx context.Context, with string, strategy MergeStrategy) (MergeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.prepareMerge(with)
	if err != nil {
		return MergeResult{}, apperrors.NewVcsError("merge", err)
	}

	if state.upToDate {
		r.logger.DebugContext(ctx, "merge: already up to date", "with", state.theirs.Hash.String()[:7])
		return MergeResult{Head: toCommit(state.ours)}, nil
	}

	dirty, err := r.isDirty()
	if err != nil {
		return MergeResult{}, err
	}
	if dirty {
		return MergeResult{}, apperrors.NewVcsError("merge", apperrors.ErrWorktreeDirty)
	}

	worktree, err := r.repo.Worktree()
	if err != nil {
		return MergeResult{}, apperrors.NewVcsError("merge", err)
	}

	if state.fastForward {
		r.logger.DebugContext(ctx, "merge: fast-forward", "to", state.theirs.Hash.String()[:7])
		if err := worktree.Reset(&git.ResetOptions{Commit: state.theirs.Hash, Mode: git.HardReset}); err != nil {
			return MergeResult{}, apperrors.NewVcsError("merge", fmt.Errorf("fast-forward: %w", err))
		}
		return MergeResult{Head: toCommit(state.theirs), FastForward: true}, nil
	}

	plan, err := r.planMerge(ctx, state, strategy)
	if err != nil {
		return MergeResult{}, apperrors.NewVcsError("merge", err)
	}
	if len(plan.conflicts) > 0 {
		r.logger.InfoContext(ctx, "merge failed", "conflicts", len(plan.conflicts), "strategy", strategy.String())
		return MergeResult{Conflicts: plan.conflicts}, nil
	}
	for _, c := range plan.resolved {
		r.logger.InfoContext(ctx, "merge: conflict resolved to one side", "path", c.Path, "strategy", strategy.String())
	}

	oursFiles, err := flatten(state.ours)
	if err != nil {
		return MergeResult{}, apperrors.NewVcsError("merge", err)
	}
	if err := r.applyTree(oursFiles, plan.merged); err != nil {
		return MergeResult{}, apperrors.NewVcsError("merge", err)
	}

	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return MergeResult{}, apperrors.NewVcsError("merge", fmt.Errorf("git add: %w", err))
	}

	author, when := strategy.signature(), strategy.when
	if when.IsZero() {
		when = time.Now()
	}
	signature := &object.Signature{Name: author.Name, Email: author.Email, When: when}
	message := fmt.Sprintf("Merge commit '%s'", state.theirs.Hash.String()[:7])
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author:            signature,
		Committer:         signature,
		Parents:           []plumbing.Hash{state.ours.Hash, state.theirs.Hash},
		AllowEmptyCommits: true,
	})
	if err != nil {
		return MergeResult{}, apperrors.NewVcsError("merge", fmt.Errorf("commit merge: %w", err))
	}

	head, err := r.commitObject(hash)
	if err != nil {
		return MergeResult{}, apperrors.NewVcsError("merge", err)
	}

	r.logger.DebugContext(ctx, "merged", "head", head.ShortHash(), "strategy", strategy.String())
	return MergeResult{Head: head}, nil
}

const (
	mergeAuthorName  = "notesync"
	mergeAuthorEmail = "notesync@localhost"
)

// AbortMerge discards every uncommitted change, restoring the working copy to HEAD.
func (r *GitRepository) AbortMerge(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := r.open("abort")
	if err != nil {
		return err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return apperrors.NewVcsError("abort", err)
	}

	if err := worktree.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
		return apperrors.NewVcsError("abort", err)
	}
	if err := worktree.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return apperrors.NewVcsError("abort", err)
	}

	r.logger.InfoContext(ctx, "merge aborted, working copy restored to HEAD")
	return nil
}

// mergeState describes how HEAD relates to the commit being merged.
type mergeState struct {
	ours        *object.Commit
	theirs      *object.Commit
	upToDate    bool // theirs is already part of ours
	fastForward bool // ours is an ancestor of theirs
}

func (s *mergeState) trivial() bool {
	return s.upToDate || s.fastForward
}

func (r *GitRepository) prepareMerge(with string) (*mergeState, error) {
	repo, err := r.open("merge")
	if err != nil {
		return nil, err
	}

	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, apperrors.NewInvariantViolation("merge requires a HEAD commit")
	}
	if err != nil {
		return nil, fmt.Errorf("read HEAD: %w", err)
	}

	ours, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("load HEAD commit: %w", err)
	}
	theirs, err := repo.CommitObject(plumbing.NewHash(with))
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", with, err)
	}

	state := &mergeState{ours: ours, theirs: theirs}
	if ours.Hash == theirs.Hash {
		state.upToDate = true
		return state, nil
	}

	if state.upToDate, err = theirs.IsAncestor(ours); err != nil {
		return nil, fmt.Errorf("check ancestry: %w", err)
	}
	if state.upToDate {
		return state, nil
	}

	if state.fastForward, err = ours.IsAncestor(theirs); err != nil {
		return nil, fmt.Errorf("check ancestry: %w", err)
	}
	return state, nil
}

// planMerge runs a path-level three-way merge of both commits against their merge base.
// Unrelated histories are merged against the empty tree.
func (r *GitRepository) planMerge(ctx context.Context, state *mergeState, strategy MergeStrategy) (*mergePlan, error) {
	base, err := r.mergeBase(state.ours.Hash, state.theirs.Hash)
	if err != nil {
		return nil, fmt.Errorf("merge base: %w", err)
	}

	baseFiles, err := flatten(base)
	if err != nil {
		return nil, err
	}
	oursFiles, err := flatten(state.ours)
	if err != nil {
		return nil, err
	}
	theirsFiles, err := flatten(state.theirs)
	if err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return threeWayMerge(baseFiles, oursFiles, theirsFiles, strategy), nil
}

// threeWayMerge merges path maps. A path changed on both sides to different results is a
// conflict, unless the strategy settles it by taking one side.
func threeWayMerge(base, ours, theirs map[string]treeEntry, strategy MergeStrategy) *mergePlan {
	paths := map[string]struct{}{}
	for _, m := range []map[string]treeEntry{base, ours, theirs} {
		for p := range m {
			paths[p] = struct{}{}
		}
	}

	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	side, oneSided := strategy.OneSided()
	plan := &mergePlan{merged: make(map[string]treeEntry, len(sorted))}

	for _, p := range sorted {
		b, inBase := base[p]
		o, inOurs := ours[p]
		t, inTheirs := theirs[p]

		var (
			entry treeEntry
			keep  bool
		)

		switch {
		case sameEntry(o, inOurs, t, inTheirs):
			entry, keep = o, inOurs
		case sameEntry(b, inBase, o, inOurs):
			entry, keep = t, inTheirs
		case sameEntry(b, inBase, t, inTheirs):
			entry, keep = o, inOurs
		case oneSided && side == Theirs:
			plan.resolved = append(plan.resolved, MergeConflict{Path: p})
			entry, keep = t, inTheirs
		case oneSided:
			plan.resolved = append(plan.resolved, MergeConflict{Path: p})
			entry, keep = o, inOurs
		default:
			plan.conflicts = append(plan.conflicts, MergeConflict{Path: p})
			continue
		}

		if keep {
			plan.merged[p] = entry
		}
	}

	return plan
}

func sameEntry(a treeEntry, aOK bool, b treeEntry, bOK bool) bool {
	if aOK != bOK {
		return false
	}
	return !aOK || (a.hash == b.hash && a.mode == b.mode)
}

// flatten lists every blob of a commit's tree. A nil commit yields an empty map.
func flatten(commit *object.Commit) (map[string]treeEntry, error) {
	files := map[string]treeEntry{}
	if commit == nil {
		return files, nil
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree of %s: %w", commit.Hash, err)
	}

	err = tree.Files().ForEach(func(f *object.File) error {
		files[f.Name] = treeEntry{hash: f.Hash, mode: f.Mode}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk tree of %s: %w", commit.Hash, err)
	}
	return files, nil
}

// applyTree rewrites the working tree from the current file set to the target one.
func (r *GitRepository) applyTree(current, target map[string]treeEntry) error {
	for p, entry := range target {
		if existing, ok := current[p]; ok && existing == entry {
			continue
		}
		if err := r.writeBlob(p, entry); err != nil {
			return err
		}
	}

	for p := range current {
		if _, ok := target[p]; ok {
			continue
		}
		full := filepath.Join(r.rootPath, filepath.FromSlash(p))
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
		for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if os.Remove(filepath.Join(r.rootPath, filepath.FromSlash(dir))) != nil {
				break
			}
		}
	}

	return nil
}

func (r *GitRepository) writeBlob(p string, entry treeEntry) error {
	blob, err := r.repo.BlobObject(entry.hash)
	if err != nil {
		return fmt.Errorf("load blob for %s: %w", p, err)
	}

	reader, err := blob.Reader()
	if err != nil {
		return fmt.Errorf("read blob for %s: %w", p, err)
	}
	defer func() { _ = reader.Close() }()

	full := filepath.Join(r.rootPath, filepath.FromSlash(p))
	if err := os.MkdirAll(filepath.Dir(full), dirPerm); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", p, err)
	}

	perm := os.FileMode(filePerm)
	if entry.mode == filemode.Executable {
		perm = execFilePerm
	}

	file, err := os.OpenFile(full, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm) //nolint:gosec // path comes from the repository tree
	if err != nil {
		return fmt.Errorf("open %s: %w", p, err)
	}
	if _, err := io.Copy(file, reader); err != nil {
		_ = file.Close()
		return fmt.Errorf("write %s: %w", p, err)
	}
	return file.Close()
}
