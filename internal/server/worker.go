package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/fclairamb/notesync/internal/apperrors"
)

const (
	defaultMaxRetries  = 3
	defaultRetryDelay  = 5 * time.Second
	retryBackoffFactor = 2.0
	defaultMinInterval = 30 * time.Second
)

// Syncer runs one sync attempt.
type Syncer interface {
	Sync(ctx context.Context) error
}

// SyncWorker runs syncs in the background when notified.
type SyncWorker struct {
	syncer      Syncer
	logger      *slog.Logger
	syncDelay   time.Duration
	minInterval time.Duration
	limiter     *rate.Limiter
	maxRetries  int
	retryDelay  time.Duration
	notify      chan struct{}
	done        func(error)
}

// SyncWorkerOption configures the SyncWorker.
type SyncWorkerOption func(*SyncWorker)

// WithSyncDelay sets the debounce delay before syncing.
// This allows multiple rapid notifications to coalesce into a single sync.
func WithSyncDelay(d time.Duration) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.syncDelay = d
	}
}

// WithMinInterval sets the minimum time between two syncs. Zero removes the limit.
func WithMinInterval(d time.Duration) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.minInterval = d
	}
}

// WithRetries sets how many times a rejected push is retried and the first retry delay.
func WithRetries(maxRetries int, delay time.Duration) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.maxRetries = maxRetries
		w.retryDelay = delay
	}
}

// WithWorkerLogger sets a custom logger.
func WithWorkerLogger(l *slog.Logger) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.logger = l
	}
}

// withDoneHook is called after every processed notification.
func withDoneHook(fn func(error)) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.done = fn
	}
}

// NewSyncWorker creates a new sync worker.
func NewSyncWorker(syncer Syncer, opts ...SyncWorkerOption) *SyncWorker {
	worker := &SyncWorker{
		syncer:      syncer,
		logger:      slog.Default(),
		minInterval: defaultMinInterval,
		maxRetries:  defaultMaxRetries,
		retryDelay:  defaultRetryDelay,
		notify:      make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(worker)
	}

	worker.limiter = rate.NewLimiter(rate.Inf, 1)
	if worker.minInterval > 0 {
		worker.limiter = rate.NewLimiter(rate.Every(worker.minInterval), 1)
	}

	return worker
}

// Notify signals that there is something to sync.
// This is non-blocking - if a notification is already pending, it's a no-op.
func (w *SyncWorker) Notify() {
	select {
	case w.notify <- struct{}{}:
		w.logger.Debug("sync worker notified")
	default:
		w.logger.Debug("sync worker notification skipped (already pending)")
	}
}

// Start runs the sync worker until the context is canceled or an invariant of the sync
// engine is broken. This method blocks.
func (w *SyncWorker) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "sync worker started", "sync_delay", w.syncDelay, "min_interval", w.minInterval)

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "sync worker stopping")
			return nil
		case <-w.notify:
			err := w.processWithDelay(ctx)
			if w.done != nil {
				w.done(err)
			}

			var violation *apperrors.InvariantViolation
			if errors.As(err, &violation) {
				w.logger.ErrorContext(ctx, "sync worker encountered fatal error, stopping", "error", err)
				return err
			}
		}
	}
}

// processWithDelay waits for the sync delay and the minimum interval, then syncs.
func (w *SyncWorker) processWithDelay(ctx context.Context) error {
	if w.syncDelay > 0 {
		w.logger.DebugContext(ctx, "waiting for sync delay", "delay", w.syncDelay)

		timer := time.NewTimer(w.syncDelay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}

	if err := w.limiter.Wait(ctx); err != nil {
		// Only fails when the context ends.
		return nil //nolint:nilerr // shutting down
	}

	return w.syncWithRetry(ctx)
}

// syncWithRetry runs a sync, retrying with exponential backoff when another device pushed
// in the meantime.
func (w *SyncWorker) syncWithRetry(ctx context.Context) error {
	var lastErr error
	delay := w.retryDelay

	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			w.logger.InfoContext(ctx, "retrying sync after delay",
				"attempt", attempt,
				"max_attempts", w.maxRetries,
				"delay", delay,
				"previous_error", lastErr)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay = time.Duration(float64(delay) * retryBackoffFactor)
		}

		err := w.syncer.Sync(ctx)
		switch {
		case err == nil:
			if attempt > 0 {
				w.logger.InfoContext(ctx, "sync succeeded after retry", "attempt", attempt+1)
			}
			return nil
		case errors.Is(err, apperrors.ErrSyncDisabled):
			w.logger.DebugContext(ctx, "sync disabled, nothing to do")
			return nil
		case errors.Is(err, apperrors.ErrSyncInProgress):
			w.logger.DebugContext(ctx, "sync already running elsewhere")
			return nil
		case errors.Is(err, apperrors.ErrPushRejected):
			lastErr = err
			w.logger.WarnContext(ctx, "push rejected",
				"attempt", attempt+1,
				"max_attempts", w.maxRetries+1,
				"error", err)
		default:
			w.logger.ErrorContext(ctx, "sync failed", "error", err)
			return err
		}
	}

	return fmt.Errorf("sync failed after %d attempts: %w: %w", w.maxRetries+1, apperrors.ErrMaxRetriesExceeded, lastErr)
}
