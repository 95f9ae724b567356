// Package store provides file operations on the sync working copy.
package store

import "context"

// FileInfo represents file metadata.
type FileInfo struct {
	Path  string
	IsDir bool
}

// Store abstracts read/write file operations relative to a root directory.
// Paths always use forward slashes, as they appear in the git tree.
//
//nolint:interfacebloat // Store needs all these methods for complete working copy operations
type Store interface {
	// Read operations
	Read(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	List(ctx context.Context, dir string) ([]FileInfo, error)

	// Write operations
	Write(ctx context.Context, path string, content []byte) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Delete(ctx context.Context, path string) error

	// Root returns the absolute directory the store operates on.
	Root() string
}
