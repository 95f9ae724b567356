package syncer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fclairamb/notesync/internal/apperrors"
)

// State is the coarse state of the sync engine.
type State string

// Sync engine states.
const (
	StateDisabled State = "disabled"
	StateIdle     State = "idle"
	StateInFlight State = "in_flight"
	StateFailed   State = "failed"
)

// Status is what the sync engine reports to the outside.
type Status struct {
	State State
	// LastSyncedAt is only set when idle after at least one successful sync.
	LastSyncedAt *time.Time
	// Reason is only set when failed.
	Reason string
}

// Disabled is the status of an engine without configuration.
func Disabled() Status { return Status{State: StateDisabled} }

// Idle is the status between syncs.
func Idle(lastSyncedAt *time.Time) Status {
	return Status{State: StateIdle, LastSyncedAt: lastSyncedAt}
}

// InFlight is the status while a sync runs.
func InFlight() Status { return Status{State: StateInFlight} }

// Failed is the status after a sync failed.
func Failed(reason string) Status { return Status{State: StateFailed, Reason: reason} }

// String implements fmt.Stringer.
func (s Status) String() string {
	switch {
	case s.State == StateIdle && s.LastSyncedAt != nil:
		return fmt.Sprintf("idle (last synced at %s)", s.LastSyncedAt.Format(time.RFC3339))
	case s.State == StateIdle:
		return "idle (never synced)"
	case s.State == StateFailed:
		return "failed: " + s.Reason
	default:
		return string(s.State)
	}
}

type statusJSON struct {
	State        State      `json:"state"                    yaml:"state"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty" yaml:"last_synced_at,omitempty"`
	Reason       string     `json:"reason,omitempty"         yaml:"reason,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(statusJSON(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw statusJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch raw.State {
	case StateDisabled, StateIdle, StateInFlight, StateFailed:
	default:
		return fmt.Errorf("%w: %q", apperrors.ErrInvalidSyncState, raw.State)
	}

	*s = Status(raw)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Status) MarshalYAML() (any, error) {
	return statusJSON(s), nil
}
