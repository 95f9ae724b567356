// Package syncer keeps the notes database in sync with a remote git repository.
//
// A sync attempt commits locally edited notes, merges the remote history, replays the
// merged changes into the database and pushes the result. Concurrent edits of the same
// note are resolved by duplicating the local version into a new note, so no content is
// ever lost.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/fclairamb/notesync/internal/apperrors"
	"github.com/fclairamb/notesync/internal/notes"
	"github.com/fclairamb/notesync/internal/settings"
	"github.com/fclairamb/notesync/internal/vcs"
)

// Setting keys.
const (
	ConfigKey = "sync.config"
	StatusKey = "sync.status"
)

const lockDirPerm = 0750

// Database is what the sync engine needs from the notes database.
type Database interface {
	notes.Queries
	Transaction(ctx context.Context, fn func(notes.Queries) error) error
}

// Opener acquires the repository a sync attempt works on. The repository is closed at the
// end of the attempt.
type Opener func(ctx context.Context, cfg *Config) (vcs.Repository, error)

// GitOpener opens, and creates if needed, the git working copy at dir.
func GitOpener(dir string, logger *slog.Logger) Opener {
	return func(ctx context.Context, cfg *Config) (vcs.Repository, error) {
		repo := vcs.NewGitRepository(dir, vcs.WithRemote(cfg.RemoteConfig()), vcs.WithLogger(logger))
		if err := repo.Init(ctx); err != nil {
			return nil, err
		}
		return repo, nil
	}
}

// Syncer is the sync engine of one device.
type Syncer struct {
	db      Database
	config  *settings.Setting[*Config]
	status  *settings.Setting[Status]
	workDir string
	open    Opener

	logger     *slog.Logger
	clock      func() time.Time
	author     vcs.Signature
	deviceName string
	fallback   *vcs.Side
	lockPath   string

	running sync.Mutex
}

// Option configures Syncer.
type Option func(*Syncer)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) {
		s.logger = l
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Syncer) {
		s.clock = clock
	}
}

// WithAuthor sets the author of the commits the engine makes.
func WithAuthor(author vcs.Signature) Option {
	return func(s *Syncer) {
		s.author = author
	}
}

// WithDeviceName sets the device name recorded in the first commit.
func WithDeviceName(name string) Option {
	return func(s *Syncer) {
		s.deviceName = name
	}
}

// WithFallbackSide makes a merge that still conflicts after auto-resolution take the given
// side instead of failing.
func WithFallbackSide(side vcs.Side) Option {
	return func(s *Syncer) {
		s.fallback = &side
	}
}

// WithLockFile guards syncs against other processes with a file lock.
func WithLockFile(path string) Option {
	return func(s *Syncer) {
		s.lockPath = path
	}
}

// WithOpener replaces the default git opener.
func WithOpener(open Opener) Option {
	return func(s *Syncer) {
		s.open = open
	}
}

// New creates a sync engine. workDir is the git working copy, owned by the engine.
func New(db Database, store *settings.Store, workDir string, opts ...Option) *Syncer {
	s := &Syncer{
		db:         db,
		config:     settings.New[*Config](store, ConfigKey),
		status:     settings.New[Status](store, StatusKey),
		workDir:    workDir,
		logger:     slog.Default(),
		clock:      time.Now,
		author:     vcs.Signature{Name: "notesync", Email: "notesync@localhost"},
		deviceName: "unknown device",
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.open == nil {
		s.open = GitOpener(workDir, s.logger)
	}
	return s
}

// Config returns the stored sync configuration, or nil when syncing is disabled.
func (s *Syncer) Config(ctx context.Context) (*Config, error) {
	cfg, err := s.config.Get(ctx)
	if errors.Is(err, apperrors.ErrSettingNotSet) {
		return nil, nil
	}
	return cfg, err
}

// Status returns the current status of the engine.
func (s *Syncer) Status(ctx context.Context) (Status, error) {
	enabled, err := s.config.IsSet(ctx)
	if err != nil {
		return Status{}, err
	}

	status, err := s.status.Get(ctx)
	switch {
	case err == nil:
		return resolveStatus(enabled, status, true), nil
	case errors.Is(err, apperrors.ErrSettingNotSet):
		return resolveStatus(enabled, Status{}, false), nil
	default:
		return Status{}, err
	}
}

func resolveStatus(enabled bool, stored Status, hasStored bool) Status {
	switch {
	case !enabled:
		return Disabled()
	case hasStored && stored.State != StateDisabled:
		return stored
	default:
		return Idle(nil)
	}
}

// ObserveStatus emits the current status, then every change, until ctx is done.
func (s *Syncer) ObserveStatus(ctx context.Context) <-chan Status {
	out := make(chan Status)
	configs := s.config.Observe(ctx)
	statuses := s.status.Observe(ctx)

	go func() {
		defer close(out)

		var (
			config           settings.Value[*Config]
			status           settings.Value[Status]
			gotCfg, gotState bool
		)
		for {
			select {
			case v, ok := <-configs:
				if !ok {
					return
				}
				config, gotCfg = v, true
			case v, ok := <-statuses:
				if !ok {
					return
				}
				status, gotState = v, true
			}

			if !gotCfg || !gotState {
				continue
			}

			select {
			case out <- resolveStatus(config.Set, status.Value, status.Set):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Enable stores the sync configuration, which turns syncing on.
func (s *Syncer) Enable(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid sync config: %w", err)
	}
	if err := s.config.Set(ctx, cfg); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "sync enabled", "url", cfg.Remote.URL, "branch", cfg.Remote.DefaultBranch)
	return s.status.Set(ctx, Idle(nil))
}

// Disable turns syncing off. The working copy is deleted and every note is marked pending
// again so that enabling sync later commits everything from scratch.
func (s *Syncer) Disable(ctx context.Context) error {
	s.running.Lock()
	defer s.running.Unlock()

	if err := s.config.Clear(ctx); err != nil {
		return err
	}

	if err := os.RemoveAll(s.workDir); err != nil {
		return fmt.Errorf("remove working copy: %w", err)
	}

	for _, state := range []notes.SyncState{notes.InFlight, notes.Synced} {
		if err := s.db.SwapSyncStates(ctx, state, notes.Pending); err != nil {
			return err
		}
	}

	s.logger.InfoContext(ctx, "sync disabled", "dir", s.workDir)
	return s.status.Set(ctx, Disabled())
}

// Sync runs one sync attempt. A call made while another attempt is running returns
// apperrors.ErrSyncInProgress without doing anything.
func (s *Syncer) Sync(ctx context.Context) error {
	if !s.running.TryLock() {
		s.logger.InfoContext(ctx, "sync already in progress, skipping")
		return apperrors.ErrSyncInProgress
	}
	defer s.running.Unlock()

	cfg, err := s.Config(ctx)
	if err != nil {
		return err
	}
	if cfg == nil {
		return apperrors.ErrSyncDisabled
	}

	unlock, err := s.lockWorkingCopy()
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.status.Set(ctx, InFlight()); err != nil {
		return err
	}

	start := time.Now()
	s.logger.InfoContext(ctx, "sync started", "url", cfg.Remote.URL)

	if err := s.attempt(ctx, cfg); err != nil {
		s.logger.ErrorContext(ctx, "sync failed", "error", err, "duration", time.Since(start))
		if statusErr := s.status.Set(context.WithoutCancel(ctx), Failed(err.Error())); statusErr != nil {
			s.logger.ErrorContext(ctx, "failed to record sync status", "error", statusErr)
		}
		return err
	}

	now := s.clock()
	s.logger.InfoContext(ctx, "sync complete", "duration", time.Since(start))
	return s.status.Set(ctx, Idle(&now))
}

// lockWorkingCopy takes the cross-process lock, if configured.
func (s *Syncer) lockWorkingCopy() (func(), error) {
	if s.lockPath == "" {
		return func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(s.lockPath), lockDirPerm); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	lock := flock.New(s.lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", s.lockPath, err)
	}
	if !locked {
		s.logger.Info("sync running in another process, skipping", "lock", s.lockPath)
		return nil, apperrors.ErrSyncInProgress
	}

	return func() {
		if err := lock.Unlock(); err != nil {
			s.logger.Warn("failed to release sync lock", "lock", s.lockPath, "error", err)
		}
	}, nil
}

func (s *Syncer) attempt(ctx context.Context, cfg *Config) error {
	repo, err := s.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			s.logger.WarnContext(ctx, "failed to close repository", "error", err)
		}
	}()

	run, err := newSyncRun(s, cfg, repo)
	if err != nil {
		return err
	}
	return run.execute(ctx)
}
