// Package vcs is a narrow port over a single local git working copy.
//
// Commits, diffs and merge outcomes are returned as plain data so the sync engine
// never handles the underlying git object model.
package vcs

import (
	"context"
	"fmt"
	"time"
)

// Commit is an immutable snapshot in the repository history.
type Commit struct {
	Hash          string
	Message       string
	AuthorTime    time.Time
	CommitterTime time.Time
	ParentHashes  []string
}

// IsMerge reports whether the commit has more than one parent.
func (c *Commit) IsMerge() bool {
	return len(c.ParentHashes) > 1
}

// ShortHash returns the abbreviated commit hash.
func (c *Commit) ShortHash() string {
	if c == nil {
		return "<none>"
	}
	if len(c.Hash) > 7 {
		return c.Hash[:7]
	}
	return c.Hash
}

// Title returns the first line of the commit message.
func (c *Commit) Title() string {
	for i, r := range c.Message {
		if r == '\n' {
			return c.Message[:i]
		}
	}
	return c.Message
}

// ChangeKind tags a Change.
type ChangeKind string

// Change kinds produced by a tree diff.
const (
	ChangeAdd    ChangeKind = "add"
	ChangeModify ChangeKind = "modify"
	ChangeDelete ChangeKind = "delete"
	ChangeRename ChangeKind = "rename"
	ChangeCopy   ChangeKind = "copy"
)

// Change is one entry of a tree diff between two commits.
// FromPath is only set for renames and copies.
type Change struct {
	Kind     ChangeKind
	Path     string
	FromPath string
}

// String implements fmt.Stringer.
func (c Change) String() string {
	if c.FromPath != "" {
		return fmt.Sprintf("%s %s → %s", c.Kind, c.FromPath, c.Path)
	}
	return fmt.Sprintf("%s %s", c.Kind, c.Path)
}

// MergeConflict is a path whose content diverged between two merge parents.
type MergeConflict struct {
	Path string
}

// Side selects one of the two merge parents.
type Side int

// Merge sides.
const (
	Ours Side = iota
	Theirs
)

// String implements fmt.Stringer.
func (s Side) String() string {
	if s == Theirs {
		return "theirs"
	}
	return "ours"
}

// MergeStrategy decides how conflicting paths are handled during a merge.
// The zero value is ContentMerge.
type MergeStrategy struct {
	oneSided bool
	side     Side

	author *Signature
	when   time.Time
}

// ContentMerge fails the merge on any conflicting path.
func ContentMerge() MergeStrategy {
	return MergeStrategy{}
}

// TakeOneSide resolves every conflicting path to the given side's version.
func TakeOneSide(side Side) MergeStrategy {
	return MergeStrategy{oneSided: true, side: side}
}

// OneSided reports whether the strategy resolves conflicts to a fixed side, and which.
func (s MergeStrategy) OneSided() (Side, bool) {
	return s.side, s.oneSided
}

// WithSignature returns a copy of the strategy whose merge commit is authored by author
// at when. Without it, merge commits are signed by notesync at the current time.
func (s MergeStrategy) WithSignature(author Signature, when time.Time) MergeStrategy {
	s.author = &author
	s.when = when
	return s
}

// signature returns the author of the merge commit.
func (s MergeStrategy) signature() Signature {
	if s.author == nil {
		return Signature{Name: mergeAuthorName, Email: mergeAuthorEmail}
	}
	return *s.author
}

// String implements fmt.Stringer.
func (s MergeStrategy) String() string {
	if s.oneSided {
		return "take-" + s.side.String()
	}
	return "content"
}

// MergeResult is the outcome of a merge attempt.
type MergeResult struct {
	// Head is the new local head on success.
	Head *Commit
	// Conflicts lists the paths that prevented the merge on failure.
	Conflicts []MergeConflict
	// FastForward is set when the merge only moved the branch.
	FastForward bool
}

// Succeeded reports whether the merge completed.
func (r MergeResult) Succeeded() bool {
	return len(r.Conflicts) == 0
}

// Signature identifies the author of commits.
type Signature struct {
	Name  string
	Email string
}

// RemoteName is the name of the remote the working copy syncs with.
const RemoteName = "origin"

// RemoteBranch returns the remote-tracking ref name of a branch, as accepted by HeadCommit.
func RemoteBranch(branch string) string {
	return RemoteName + "/" + branch
}

// PullOptions configures Pull.
type PullOptions struct {
	Strategy MergeStrategy
}

// Repository is the port the sync engine uses to drive a git working copy.
// Every method may fail with an *apperrors.VcsError.
//
//nolint:interfacebloat // mirrors the git operations the sync engine sequences
type Repository interface {
	// Init creates or opens the working copy. It is idempotent.
	Init(ctx context.Context) error
	// CommitAll stages every change and commits it. When nothing changed and allowEmpty
	// is false, no commit is made and nil is returned.
	CommitAll(ctx context.Context, message string, author Signature, when time.Time, allowEmpty bool) (*Commit, error)
	// HeadCommit returns the tip of HEAD (branch "") or of the named ref
	// ("main" or "origin/main"). It returns nil when the ref does not exist.
	HeadCommit(ctx context.Context, branch string) (*Commit, error)
	// CurrentBranch returns the short name of the checked out branch.
	CurrentBranch(ctx context.Context) (string, error)
	// CheckoutBranch switches to the branch, creating it from HEAD if asked.
	CheckoutBranch(ctx context.Context, name string, create bool) error
	// Fetch updates the remote-tracking refs without touching the working tree.
	Fetch(ctx context.Context) error
	// MergeConflicts reports the conflicts merging with the commit would produce, without writing anything.
	MergeConflicts(ctx context.Context, with string) ([]MergeConflict, error)
	// Merge merges the commit into HEAD.
	Merge(ctx context.Context, with string, strategy MergeStrategy) (MergeResult, error)
	// AbortMerge restores the working copy to HEAD.
	AbortMerge(ctx context.Context) error
	// CommitsBetween returns the commits reachable from to but not from from, oldest first.
	// An empty from means the whole history of to.
	CommitsBetween(ctx context.Context, from, to string) ([]Commit, error)
	// ChangesIn returns the changes a commit introduced relative to its first parent.
	ChangesIn(ctx context.Context, commit string) ([]Change, error)
	// DiffBetween returns the tree diff between two commits. An empty from means the empty tree.
	DiffBetween(ctx context.Context, from, to string) ([]Change, error)
	// CommonAncestor returns the merge base of two commits, or nil for unrelated histories.
	CommonAncestor(ctx context.Context, a, b string) (*Commit, error)
	// Push publishes the current branch to the remote.
	Push(ctx context.Context) error
	// Pull fetches and merges the remote-tracking branch.
	Pull(ctx context.Context, opts PullOptions) (MergeResult, error)
	// IsDirty reports whether the working copy has staged, unstaged or untracked changes.
	IsDirty(ctx context.Context) (bool, error)
	// FileAt returns the content of a path at a commit.
	FileAt(ctx context.Context, commit, path string) ([]byte, bool, error)
	// Dir returns the working copy directory.
	Dir() string
	// Close releases the repository handle.
	Close() error
}
