package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
)

const (
	// File and directory permissions.
	dirPerm  = 0750 // Directory permissions: rwxr-x---
	filePerm = 0600 // File permissions: rw-------
)

// LocalStore implements Store on the local filesystem.
type LocalStore struct {
	rootPath string
	mu       sync.RWMutex
	logger   *slog.Logger
}

// LocalStoreOption configures LocalStore.
type LocalStoreOption func(*LocalStore)

// WithLogger sets a custom logger for the store.
func WithLogger(l *slog.Logger) LocalStoreOption {
	return func(s *LocalStore) {
		s.logger = l
	}
}

// NewLocalStore creates a new local store rooted at the given path.
// The directory is created if it does not exist.
func NewLocalStore(root string, opts ...LocalStoreOption) (*LocalStore, error) {
	store := &LocalStore{
		rootPath: root,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(store)
	}

	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("create root directory: %w", err)
	}

	return store, nil
}

// Root returns the root directory of the store.
func (s *LocalStore) Root() string {
	return s.rootPath
}

func (s *LocalStore) fullPath(p string) string {
	return filepath.Join(s.rootPath, filepath.FromSlash(p))
}

// Read reads a file from the store.
func (s *LocalStore) Read(ctx context.Context, p string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.fullPath(p)) //nolint:gosec // path is application controlled
	if err != nil {
		s.logger.DebugContext(ctx, "read file failed", "path", p, "error", err)
		return nil, fmt.Errorf("read file %s: %w", p, err)
	}

	return data, nil
}

// Exists checks if a file exists.
func (s *LocalStore) Exists(ctx context.Context, p string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.fullPath(p))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	s.logger.DebugContext(ctx, "exists check failed", "path", p, "error", err)
	return false, err
}

// List lists the entries of a directory. A missing directory yields no entries.
func (s *LocalStore) List(ctx context.Context, dir string) ([]FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.fullPath(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		s.logger.DebugContext(ctx, "list directory failed", "dir", dir, "error", err)
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		files = append(files, FileInfo{
			Path:  path.Join(dir, entry.Name()),
			IsDir: entry.IsDir(),
		})
	}

	return files, nil
}

// Write atomically writes content to a file, creating parent directories.
func (s *LocalStore) Write(ctx context.Context, p string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.DebugContext(ctx, "writing file", "path", p, "size", len(content))

	fullPath := s.fullPath(p)
	if err := os.MkdirAll(filepath.Dir(fullPath), dirPerm); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", p, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write file %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close file %s: %w", p, err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod file %s: %w", p, err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into place %s: %w", p, err)
	}

	return nil
}

// Rename moves a file, creating the destination's parent directories.
func (s *LocalStore) Rename(ctx context.Context, oldPath, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.DebugContext(ctx, "renaming file", "from", oldPath, "to", newPath)

	dst := s.fullPath(newPath)
	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	if err := os.Rename(s.fullPath(oldPath), dst); err != nil {
		return fmt.Errorf("rename %s to %s: %w", oldPath, newPath, err)
	}

	s.removeEmptyParents(oldPath)
	return nil
}

// Delete deletes a file. Deleting a missing file is not an error.
func (s *LocalStore) Delete(ctx context.Context, p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.DebugContext(ctx, "deleting file", "path", p)

	if err := os.Remove(s.fullPath(p)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete file %s: %w", p, err)
	}

	s.removeEmptyParents(p)
	return nil
}

// removeEmptyParents removes directories left empty by a delete or rename,
// stopping at the store root. Git does not track empty directories.
func (s *LocalStore) removeEmptyParents(p string) {
	for dir := path.Dir(p); dir != "." && dir != "/" && dir != ""; dir = path.Dir(dir) {
		if err := os.Remove(s.fullPath(dir)); err != nil {
			return
		}
	}
}
