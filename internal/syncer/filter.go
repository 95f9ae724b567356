package syncer

import (
	"strings"

	"github.com/fclairamb/notesync/internal/apperrors"
	"github.com/fclairamb/notesync/internal/registry"
)

// IsNoteRelevant reports whether a path in the repository holds a note. Notes are markdown
// files at the top level or directly in the archive folder. Markdown files nested anywhere
// else are rejected with an *apperrors.UnsupportedLayoutError.
func IsNoteRelevant(p string) (bool, error) {
	if !strings.HasSuffix(p, registry.NoteExtension) || registry.IsMetadata(p) {
		return false, nil
	}

	folder, name, nested := strings.Cut(p, "/")
	if !nested {
		return true, nil
	}
	if folder == registry.ArchiveFolder && !strings.Contains(name, "/") {
		return true, nil
	}
	return false, &apperrors.UnsupportedLayoutError{Path: p}
}

// isConflictRelevant is the lenient variant used for merge conflicts: any markdown file
// outside the metadata directory.
func isConflictRelevant(p string) bool {
	return strings.HasSuffix(p, registry.NoteExtension) && !registry.IsMetadata(p)
}
