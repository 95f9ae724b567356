// Package server runs notesync in the background: an HTTP API to inspect and trigger
// syncs, a worker that serializes them, and an optional watcher that syncs after local edits.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fclairamb/notesync/internal/notes"
	"github.com/fclairamb/notesync/internal/version"
)

const (
	// HTTP server timeouts.
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// Config holds configuration for the server.
type Config struct {
	Port   int
	Token  string // Bearer token for /api, optional
	Secret string // HMAC secret for POST /api/sync, optional
	// WatchPath is the notes database file. When set, local edits trigger a sync.
	WatchPath string
}

// PendingSource lists the notes waiting to be synced.
type PendingSource interface {
	PendingSyncNotes(ctx context.Context) ([]notes.Note, error)
}

// Server is the background sync server.
type Server struct {
	config     Config
	logger     *slog.Logger
	worker     *SyncWorker
	pending    PendingSource
	httpServer *http.Server
}

// NewServer creates a new server.
func NewServer(cfg Config, status StatusSource, pending PendingSource, worker *SyncWorker, logger *slog.Logger) *Server {
	handler := NewHandler(status, worker, cfg.Secret, logger)

	return &Server{
		config:  cfg,
		logger:  logger,
		worker:  worker,
		pending: pending,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           NewRouter(handler, cfg.Token, logger),
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// Start runs the server until ctx is canceled or one of its parts fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting server",
		"port", s.config.Port,
		"auth", s.config.Token != "",
		"signed_sync", s.config.Secret != "",
		"watch", s.config.WatchPath,
		"version", version.Version,
		"commit", version.Commit,
		"build_time", version.GitTime)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.worker.Start(ctx)
	})

	group.Go(func() error {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		s.logger.InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	if s.config.WatchPath != "" {
		group.Go(func() error {
			return Watch(ctx, s.config.WatchPath, s.logger, s.notifyIfPending)
		})
	}

	// Catch up with edits made while the server was down.
	s.worker.Notify()

	return group.Wait()
}

// notifyIfPending queues a sync when notes are waiting for one. Syncs write to the
// database too, so a change alone is not a reason to sync.
func (s *Server) notifyIfPending(ctx context.Context) {
	pending, err := s.pending.PendingSyncNotes(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to list pending notes", "error", err)
		return
	}
	if len(pending) > 0 {
		s.logger.DebugContext(ctx, "local changes detected", "pending", len(pending))
		s.worker.Notify()
	}
}

// Addr returns the server's address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}
