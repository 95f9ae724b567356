// Package settings persists typed application settings as JSON in the notes database.
package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fclairamb/notesync/internal/apperrors"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store holds every setting of the application in one table.
type Store struct {
	conn   *sql.DB
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
}

// Option configures Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore creates the settings table if needed.
func NewStore(conn *sql.DB, opts ...Option) (*Store, error) {
	if _, err := conn.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("settings: apply schema: %w", err)
	}

	s := &Store{
		conn:     conn,
		logger:   slog.Default(),
		watchers: map[string]map[chan struct{}]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, apperrors.ErrSettingNotSet)
	}
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", key, err)
	}
	return []byte(value), nil
}

func (s *Store) write(ctx context.Context, key string, value []byte) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(value), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("settings: write %s: %w", key, err)
	}
	s.notify(key)
	return nil
}

func (s *Store) remove(ctx context.Context, key string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("settings: clear %s: %w", key, err)
	}
	s.notify(key)
	return nil
}

func (s *Store) subscribe(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{}, 1)
	if s.watchers[key] == nil {
		s.watchers[key] = map[chan struct{}]struct{}{}
	}
	s.watchers[key][ch] = struct{}{}
	return ch
}

func (s *Store) unsubscribe(key string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.watchers[key], ch)
}

// notify wakes up every observer of key without blocking.
func (s *Store) notify(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.watchers[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Setting is a typed cell of the settings store.
type Setting[T any] struct {
	store *Store
	key   string
}

// New returns the setting stored under key.
func New[T any](store *Store, key string) *Setting[T] {
	return &Setting[T]{store: store, key: key}
}

// Key returns the storage key of the setting.
func (s *Setting[T]) Key() string {
	return s.key
}

// Get returns the stored value, or an error wrapping apperrors.ErrSettingNotSet.
func (s *Setting[T]) Get(ctx context.Context) (T, error) {
	var value T

	data, err := s.store.read(ctx, s.key)
	if err != nil {
		return value, err
	}
	if err := json.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("settings: decode %s: %w", s.key, err)
	}
	return value, nil
}

// IsSet reports whether a value is stored.
func (s *Setting[T]) IsSet(ctx context.Context) (bool, error) {
	_, err := s.store.read(ctx, s.key)
	if errors.Is(err, apperrors.ErrSettingNotSet) {
		return false, nil
	}
	return err == nil, err
}

// Set stores a value and notifies observers.
func (s *Setting[T]) Set(ctx context.Context, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("settings: encode %s: %w", s.key, err)
	}
	return s.store.write(ctx, s.key, data)
}

// Clear removes the stored value and notifies observers.
func (s *Setting[T]) Clear(ctx context.Context) error {
	return s.store.remove(ctx, s.key)
}

// Value is one observation of a setting. Set is false when no value is stored.
type Value[T any] struct {
	Value T
	Set   bool
}

// Observe emits the current value, then every change, until ctx is done.
func (s *Setting[T]) Observe(ctx context.Context) <-chan Value[T] {
	out := make(chan Value[T])
	wake := s.store.subscribe(s.key)

	go func() {
		defer close(out)
		defer s.store.unsubscribe(s.key, wake)

		for {
			value, err := s.Get(ctx)
			observed := Value[T]{Value: value, Set: err == nil}
			if err != nil && !errors.Is(err, apperrors.ErrSettingNotSet) {
				if ctx.Err() != nil {
					return
				}
				s.store.logger.WarnContext(ctx, "failed to read observed setting", "key", s.key, "error", err)
			} else {
				select {
				case out <- observed:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
