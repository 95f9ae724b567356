package vcs

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"github.com/fclairamb/notesync/internal/apperrors"
)

// CommitsBetween returns the commits reachable from to and not from from, parents first.
func (r *GitRepository) CommitsBetween(ctx context.Context, from, to string) ([]Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := r.open("log")
	if err != nil {
		return nil, err
	}

	excluded := map[plumbing.Hash]bool{}
	if from != "" {
		fromCommit, err := repo.CommitObject(plumbing.NewHash(from))
		if err != nil {
			return nil, apperrors.NewVcsError("log", err)
		}
		err = object.NewCommitPreorderIter(fromCommit, nil, nil).ForEach(func(c *object.Commit) error {
			excluded[c.Hash] = true
			return nil
		})
		if err != nil {
			return nil, apperrors.NewVcsError("log", err)
		}
	}

	tip, err := repo.CommitObject(plumbing.NewHash(to))
	if err != nil {
		return nil, apperrors.NewVcsError("log", err)
	}

	selected := map[plumbing.Hash]*object.Commit{}
	err = object.NewCommitPreorderIter(tip, excluded, nil).ForEach(func(c *object.Commit) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		selected[c.Hash] = c
		return nil
	})
	if err != nil {
		return nil, apperrors.NewVcsError("log", err)
	}

	ordered := topoSort(selected)
	commits := make([]Commit, 0, len(ordered))
	for _, c := range ordered {
		commits = append(commits, *toCommit(c))
	}
	return commits, nil
}

// topoSort orders commits so that parents come before their children.
// Ties are broken by committer time, then hash, to keep the order stable.
func topoSort(commits map[plumbing.Hash]*object.Commit) []*object.Commit {
	pending := make(map[plumbing.Hash]int, len(commits))
	children := make(map[plumbing.Hash][]plumbing.Hash, len(commits))
	for hash, c := range commits {
		for _, parent := range c.ParentHashes {
			if _, ok := commits[parent]; ok {
				pending[hash]++
				children[parent] = append(children[parent], hash)
			}
		}
	}

	less := func(a, b *object.Commit) bool {
		if !a.Committer.When.Equal(b.Committer.When) {
			return a.Committer.When.Before(b.Committer.When)
		}
		return a.Hash.String() < b.Hash.String()
	}

	var ready []*object.Commit
	for hash, c := range commits {
		if pending[hash] == 0 {
			ready = append(ready, c)
		}
	}

	ordered := make([]*object.Commit, 0, len(commits))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, next)

		for _, child := range children[next.Hash] {
			pending[child]--
			if pending[child] == 0 {
				ready = append(ready, commits[child])
			}
		}
	}
	return ordered
}

// ChangesIn returns the changes a commit introduced relative to its first parent.
func (r *GitRepository) ChangesIn(ctx context.Context, commitHash string) ([]Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := r.open("show")
	if err != nil {
		return nil, err
	}

	commit, err := repo.CommitObject(plumbing.NewHash(commitHash))
	if err != nil {
		return nil, apperrors.NewVcsError("show", err)
	}

	var parentTree *object.Tree
	if commit.NumParents() > 0 {
		parent, err := commit.Parent(0)
		if err != nil {
			return nil, apperrors.NewVcsError("show", err)
		}
		if parentTree, err = parent.Tree(); err != nil {
			return nil, apperrors.NewVcsError("show", err)
		}
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, apperrors.NewVcsError("show", err)
	}

	changes, err := diffTrees(ctx, parentTree, tree)
	if err != nil {
		return nil, apperrors.NewVcsError("show", err)
	}
	return changes, nil
}

// DiffBetween returns the changes between two commits. An empty from diffs against the empty tree.
func (r *GitRepository) DiffBetween(ctx context.Context, from, to string) ([]Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := r.open("diff")
	if err != nil {
		return nil, err
	}

	var fromTree *object.Tree
	if from != "" {
		c, err := repo.CommitObject(plumbing.NewHash(from))
		if err != nil {
			return nil, apperrors.NewVcsError("diff", err)
		}
		if fromTree, err = c.Tree(); err != nil {
			return nil, apperrors.NewVcsError("diff", err)
		}
	}

	tip, err := repo.CommitObject(plumbing.NewHash(to))
	if err != nil {
		return nil, apperrors.NewVcsError("diff", err)
	}
	toTree, err := tip.Tree()
	if err != nil {
		return nil, apperrors.NewVcsError("diff", err)
	}

	changes, err := diffTrees(ctx, fromTree, toTree)
	if err != nil {
		return nil, apperrors.NewVcsError("diff", err)
	}
	return changes, nil
}

// diffTrees runs a rename-detecting tree diff. A nil tree stands for the empty tree.
func diffTrees(ctx context.Context, from, to *object.Tree) ([]Change, error) {
	raw, err := object.DiffTreeWithOptions(ctx, from, to, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}

	changes := make([]Change, 0, len(raw))
	for _, c := range raw {
		action, err := c.Action()
		if err != nil {
			return nil, fmt.Errorf("classify change: %w", err)
		}

		switch action {
		case merkletrie.Insert:
			changes = append(changes, Change{Kind: ChangeAdd, Path: c.To.Name})
		case merkletrie.Delete:
			changes = append(changes, Change{Kind: ChangeDelete, Path: c.From.Name})
		case merkletrie.Modify:
			if c.From.Name != c.To.Name {
				changes = append(changes, Change{Kind: ChangeRename, Path: c.To.Name, FromPath: c.From.Name})
			} else {
				changes = append(changes, Change{Kind: ChangeModify, Path: c.To.Name})
			}
		}
	}

	sort.SliceStable(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

// CommonAncestor returns the best merge base of a and b, or nil when the histories are unrelated.
func (r *GitRepository) CommonAncestor(_ context.Context, a, b string) (*Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	base, err := r.mergeBase(plumbing.NewHash(a), plumbing.NewHash(b))
	if err != nil {
		return nil, apperrors.NewVcsError("merge-base", err)
	}
	if base == nil {
		return nil, nil
	}
	return toCommit(base), nil
}

func (r *GitRepository) mergeBase(a, b plumbing.Hash) (*object.Commit, error) {
	repo, err := r.open("merge-base")
	if err != nil {
		return nil, err
	}

	left, err := repo.CommitObject(a)
	if err != nil {
		return nil, err
	}
	right, err := repo.CommitObject(b)
	if err != nil {
		return nil, err
	}

	bases, err := left.MergeBase(right)
	if err != nil {
		return nil, err
	}
	if len(bases) == 0 {
		return nil, nil
	}
	return bases[0], nil
}
