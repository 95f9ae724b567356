// Package notes stores notes in SQLite and exposes the queries the sync engine runs against them.
package notes

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fclairamb/notesync/internal/apperrors"
	"github.com/fclairamb/notesync/internal/converter"
)

// SyncState tracks where a note stands relative to the remote repository.
type SyncState string

// Sync states. A note edited while a sync is running moves back to Pending,
// which is why InFlight exists between Pending and Synced.
const (
	Pending  SyncState = "pending"
	InFlight SyncState = "in_flight"
	Synced   SyncState = "synced"
)

// ParseSyncState parses a stored sync state.
func ParseSyncState(s string) (SyncState, error) {
	switch SyncState(s) {
	case Pending, InFlight, Synced:
		return SyncState(s), nil
	default:
		return "", fmt.Errorf("%w: %q", apperrors.ErrInvalidSyncState, s)
	}
}

// Note is a markdown note. The first line, if it starts with '#', is its heading.
type Note struct {
	ID                string    `json:"id"`
	Content           string    `json:"content"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	IsArchived        bool      `json:"is_archived"`
	IsPendingDeletion bool      `json:"is_pending_deletion"`
	SyncState         SyncState `json:"sync_state"`
}

// NewID generates a note identifier.
func NewID() string {
	return uuid.NewString()
}

// Heading returns the note's heading, or "" when it has none.
func (n *Note) Heading() string {
	heading, _ := converter.SplitHeadingAndBody(n.Content)
	return heading
}
