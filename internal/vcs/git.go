package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/fclairamb/notesync/internal/apperrors"
)

const (
	// Directory permissions: rwxr-x---
	dirPerm = 0750
)

// GitRepository implements Repository with go-git.
type GitRepository struct {
	rootPath string
	remote   *RemoteConfig
	repo     *git.Repository
	mu       sync.Mutex
	logger   *slog.Logger
}

// Option configures GitRepository.
type Option func(*GitRepository)

// WithLogger sets a custom logger for the repository.
func WithLogger(l *slog.Logger) Option {
	return func(r *GitRepository) {
		r.logger = l
	}
}

// WithRemote sets the remote repository the working copy syncs with.
func WithRemote(cfg *RemoteConfig) Option {
	return func(r *GitRepository) {
		r.remote = cfg
	}
}

// NewGitRepository creates a repository handle for the given directory.
// Nothing is touched on disk until Init is called.
func NewGitRepository(path string, opts ...Option) *GitRepository {
	r := &GitRepository{
		rootPath: path,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Dir returns the working copy directory.
func (r *GitRepository) Dir() string {
	return r.rootPath
}

// Close releases the repository handle.
func (r *GitRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.repo = nil
	return nil
}

// Init opens the repository, or creates it with rename detection enabled, and
// makes sure the origin remote points at the configured URL.
func (r *GitRepository) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.repo != nil {
		return nil
	}

	if err := os.MkdirAll(r.rootPath, dirPerm); err != nil {
		return apperrors.NewVcsError("init", fmt.Errorf("create directory: %w", err))
	}

	repo, err := git.PlainOpen(r.rootPath)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		r.logger.InfoContext(ctx, "initializing repository", "dir", r.rootPath)
		repo, err = git.PlainInit(r.rootPath, false)
	}
	if err != nil {
		return apperrors.NewVcsError("init", err)
	}

	if err := r.configure(repo); err != nil {
		return apperrors.NewVcsError("init", err)
	}

	r.repo = repo
	return nil
}

// configure applies the git config the sync engine relies on.
func (r *GitRepository) configure(repo *git.Repository) error {
	cfg, err := repo.Config()
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	cfg.Raw.Section("diff").SetOption("renames", "true")

	if r.remote != nil && r.remote.URL != "" {
		existing, ok := cfg.Remotes[RemoteName]
		switch {
		case !ok:
			cfg.Remotes[RemoteName] = &config.RemoteConfig{
				Name:  RemoteName,
				URLs:  []string{r.remote.URL},
				Fetch: []config.RefSpec{config.RefSpec(fmt.Sprintf(config.DefaultFetchRefSpec, RemoteName))},
			}
		case len(existing.URLs) == 0 || existing.URLs[0] != r.remote.URL:
			r.logger.Info("updating remote url", "url", r.remote.URL)
			existing.URLs = []string{r.remote.URL}
		}
	}

	if err := repo.SetConfig(cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// open returns the initialized repository or an error.
func (r *GitRepository) open(op string) (*git.Repository, error) {
	if r.repo == nil {
		return nil, apperrors.NewVcsError(op, apperrors.ErrRepositoryNotInitialized)
	}
	return r.repo, nil
}

// CommitAll stages every change in the working tree and commits it.
func (r *GitRepository) CommitAll(
	ctx context.Context,
	message string,
	author Signature,
	when time.Time,
	allowEmpty bool,
) (*Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := r.open("commit")
	if err != nil {
		return nil, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, apperrors.NewVcsError("commit", fmt.Errorf("get worktree: %w", err))
	}

	// Stage all changes in the worktree (equivalent to git add -A)
	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return nil, apperrors.NewVcsError("commit", fmt.Errorf("git add: %w", err))
	}

	signature := &object.Signature{Name: author.Name, Email: author.Email, When: when}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author:            signature,
		Committer:         signature,
		AllowEmptyCommits: allowEmpty,
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		r.logger.DebugContext(ctx, "nothing to commit", "message", message)
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewVcsError("commit", err)
	}

	commit, err := r.commitObject(hash)
	if err != nil {
		return nil, apperrors.NewVcsError("commit", err)
	}

	r.logger.DebugContext(ctx, "committed", "hash", commit.ShortHash(), "message", message)
	return commit, nil
}

// HeadCommit returns the tip of HEAD or of a named branch.
func (r *GitRepository) HeadCommit(_ context.Context, branch string) (*Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash, err := r.resolve(branch)
	if err != nil {
		return nil, apperrors.NewVcsError("head", err)
	}
	if hash.IsZero() {
		return nil, nil
	}

	commit, err := r.commitObject(hash)
	if err != nil {
		return nil, apperrors.NewVcsError("head", err)
	}
	return commit, nil
}

// resolve maps "", "main" or "origin/main" to a commit hash. A missing ref yields the zero hash.
func (r *GitRepository) resolve(branch string) (plumbing.Hash, error) {
	repo, err := r.open("resolve")
	if err != nil {
		return plumbing.ZeroHash, err
	}

	var name plumbing.ReferenceName
	switch {
	case branch == "":
		name = plumbing.HEAD
	case strings.HasPrefix(branch, RemoteName+"/"):
		name = plumbing.NewRemoteReferenceName(RemoteName, strings.TrimPrefix(branch, RemoteName+"/"))
	default:
		name = plumbing.NewBranchReferenceName(branch)
	}

	ref, err := repo.Reference(name, true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, nil
	}
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return ref.Hash(), nil
}

// CurrentBranch returns the short name of the branch HEAD points to.
func (r *GitRepository) CurrentBranch(_ context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := r.open("current-branch")
	if err != nil {
		return "", err
	}

	head, err := repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return "", apperrors.NewVcsError("current-branch", err)
	}
	return head.Target().Short(), nil
}

// CheckoutBranch switches HEAD to the named branch. When create is set and the branch does
// not exist yet, it is created at the current HEAD and the previous branch is removed if it
// has become a duplicate.
func (r *GitRepository) CheckoutBranch(ctx context.Context, name string, create bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := r.open("checkout")
	if err != nil {
		return err
	}

	head, err := repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return apperrors.NewVcsError("checkout", err)
	}
	previous := head.Target()
	target := plumbing.NewBranchReferenceName(name)
	if previous == target {
		return nil
	}

	_, err = repo.Reference(target, false)
	exists := err == nil

	worktree, err := repo.Worktree()
	if err != nil {
		return apperrors.NewVcsError("checkout", err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{
		Branch: target,
		Create: create && !exists,
	}); err != nil {
		return apperrors.NewVcsError("checkout", err)
	}

	if create && !exists {
		if err := repo.Storer.RemoveReference(previous); err != nil {
			r.logger.WarnContext(ctx, "failed to remove previous branch", "branch", previous.Short(), "error", err)
		}
	}

	r.logger.DebugContext(ctx, "checked out branch", "branch", name)
	return nil
}

// Fetch updates the remote-tracking refs.
func (r *GitRepository) Fetch(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.fetch(ctx)
}

func (r *GitRepository) fetch(ctx context.Context) error {
	repo, err := r.open("fetch")
	if err != nil {
		return err
	}

	auth, err := r.remote.GetAuth()
	if err != nil {
		return apperrors.NewVcsError("fetch", fmt.Errorf("get auth: %w", err))
	}

	r.logger.DebugContext(ctx, "fetching from remote", "url", r.remote.URL)

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: RemoteName,
		Auth:       auth,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		r.logger.DebugContext(ctx, "already up to date")
		return nil
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		r.logger.DebugContext(ctx, "remote repository is empty, nothing to fetch")
		return nil
	default:
		return apperrors.NewVcsError("fetch", err)
	}
}

// Push pushes the current branch to the same branch on the remote.
func (r *GitRepository) Push(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := r.open("push")
	if err != nil {
		return err
	}

	auth, err := r.remote.GetAuth()
	if err != nil {
		return apperrors.NewVcsError("push", fmt.Errorf("get auth: %w", err))
	}

	head, err := repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return apperrors.NewVcsError("push", err)
	}
	branch := head.Target()

	r.logger.InfoContext(ctx, "pushing to remote", "url", r.remote.URL, "branch", branch.Short())

	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: RemoteName,
		Auth:       auth,
		RefSpecs:   []config.RefSpec{config.RefSpec(branch.String() + ":" + branch.String())},
	})
	switch {
	case err == nil:
		r.logger.InfoContext(ctx, "push complete")
		return nil
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		r.logger.InfoContext(ctx, "nothing to push")
		return nil
	case isPushRejection(err):
		return apperrors.NewVcsError("push", fmt.Errorf("%w: %w", apperrors.ErrPushRejected, err))
	default:
		return apperrors.NewVcsError("push", err)
	}
}

// isPushRejection recognizes go-git's non fast-forward failures, which are not exported.
func isPushRejection(err error) bool {
	if errors.Is(err, git.ErrNonFastForwardUpdate) || errors.Is(err, git.ErrForceNeeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "non-fast-forward") || strings.Contains(msg, "rejected")
}

// Pull fetches and merges the remote-tracking branch into HEAD.
func (r *GitRepository) Pull(ctx context.Context, opts PullOptions) (MergeResult, error) {
	branch, err := r.CurrentBranch(ctx)
	if err != nil {
		return MergeResult{}, err
	}
	if err := r.Fetch(ctx); err != nil {
		return MergeResult{}, err
	}

	upstream, err := r.HeadCommit(ctx, RemoteBranch(branch))
	if err != nil {
		return MergeResult{}, err
	}
	if upstream == nil {
		head, err := r.HeadCommit(ctx, "")
		return MergeResult{Head: head}, err
	}

	return r.Merge(ctx, upstream.Hash, opts.Strategy)
}

// IsDirty reports whether the working copy has any change not committed yet.
func (r *GitRepository) IsDirty(_ context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.isDirty()
}

func (r *GitRepository) isDirty() (bool, error) {
	repo, err := r.open("status")
	if err != nil {
		return false, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return false, apperrors.NewVcsError("status", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return false, apperrors.NewVcsError("status", err)
	}

	return !status.IsClean(), nil
}

// FileAt returns the content of path at the given commit.
func (r *GitRepository) FileAt(_ context.Context, commitHash, path string) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := r.open("show")
	if err != nil {
		return nil, false, err
	}

	commit, err := repo.CommitObject(plumbing.NewHash(commitHash))
	if err != nil {
		return nil, false, apperrors.NewVcsError("show", err)
	}

	file, err := commit.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.NewVcsError("show", err)
	}

	content, err := file.Contents()
	if err != nil {
		return nil, false, apperrors.NewVcsError("show", err)
	}
	return []byte(content), true, nil
}

// commitObject loads a commit and converts it to the port's representation.
func (r *GitRepository) commitObject(hash plumbing.Hash) (*Commit, error) {
	c, err := r.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", hash, err)
	}
	return toCommit(c), nil
}

func toCommit(c *object.Commit) *Commit {
	parents := make([]string, 0, len(c.ParentHashes))
	for _, p := range c.ParentHashes {
		parents = append(parents, p.String())
	}
	return &Commit{
		Hash:          c.Hash.String(),
		Message:       c.Message,
		AuthorTime:    c.Author.When,
		CommitterTime: c.Committer.When,
		ParentHashes:  parents,
	}
}
