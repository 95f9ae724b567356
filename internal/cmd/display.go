package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/fclairamb/notesync/internal/notes"
	"github.com/fclairamb/notesync/internal/syncer"
)

const (
	// Time duration constants for relative time formatting.
	hoursPerDay  = 24
	daysPerWeek  = 7
	daysPerMonth = 30

	untitled = "(untitled)"
)

// displayNoteList prints one line per note.
func displayNoteList(out io.Writer, list []notes.Note) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No notes.")
		return
	}

	for i := range list {
		note := &list[i]
		heading := note.Heading()
		if heading == "" {
			heading = untitled
		}

		archivedMark := ""
		if note.IsArchived {
			archivedMark = " [archived]"
		}

		fmt.Fprintf(out, "%s  %s%s (%s, updated %s)\n",
			note.ID,
			heading,
			archivedMark,
			note.SyncState,
			formatTimeSince(note.UpdatedAt))
	}
}

// displayStatus prints the sync status, and the remote when cfg is not nil.
func displayStatus(out io.Writer, status syncer.Status, cfg *syncer.Config) {
	if cfg != nil {
		displaySyncConfig(out, cfg)
	}

	switch status.State {
	case syncer.StateIdle:
		if status.LastSyncedAt == nil {
			fmt.Fprintln(out, "Status:   idle (never synced)")
			return
		}
		fmt.Fprintf(out, "Status:   idle (last synced %s)\n", formatTimeSince(*status.LastSyncedAt))
	case syncer.StateFailed:
		fmt.Fprintf(out, "Status:   failed\nReason:   %s\n", status.Reason)
	case syncer.StateDisabled:
		fmt.Fprintln(out, "Status:   disabled (run 'notesync enable' to start syncing)")
	default:
		fmt.Fprintf(out, "Status:   %s\n", status.State)
	}
}

// displayPending prints the number of notes waiting for the next sync.
func displayPending(out io.Writer, count int) {
	switch count {
	case 0:
		fmt.Fprintln(out, "Pending:  none")
	case 1:
		fmt.Fprintln(out, "Pending:  1 note")
	default:
		fmt.Fprintf(out, "Pending:  %d notes\n", count)
	}
}

// displaySyncConfig prints the remote configuration without secrets.
func displaySyncConfig(out io.Writer, cfg *syncer.Config) {
	remote := cfg.RemoteConfig()

	fmt.Fprintf(out, "URL:      %s\n", cfg.Remote.URL)
	if cfg.Remote.DisplayName != "" {
		fmt.Fprintf(out, "Name:     %s\n", cfg.Remote.DisplayName)
	}
	fmt.Fprintf(out, "Branch:   %s\n", cfg.Remote.DefaultBranch)

	switch {
	case remote.IsSSH() && cfg.SSHKey != "":
		fmt.Fprintln(out, "Auth:     SSH (private key)")
	case remote.IsSSH():
		fmt.Fprintln(out, "Auth:     SSH (using ssh-agent)")
	case remote.IsHTTP():
		fmt.Fprintln(out, "Auth:     HTTPS (token configured)")
	default:
		fmt.Fprintln(out, "Auth:     none (local repository)")
	}
}

// formatTimeSince formats a time duration in a human-readable way.
func formatTimeSince(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	duration := time.Since(t)

	switch {
	case duration < time.Minute:
		return "just now"
	case duration < time.Hour:
		return plural(int(duration.Minutes()), "minute")
	case duration < hoursPerDay*time.Hour:
		return plural(int(duration.Hours()), "hour")
	case duration < daysPerWeek*hoursPerDay*time.Hour:
		return plural(int(duration.Hours()/hoursPerDay), "day")
	case duration < daysPerMonth*hoursPerDay*time.Hour:
		return plural(int(duration.Hours()/hoursPerDay/daysPerWeek), "week")
	default:
		return plural(int(duration.Hours()/hoursPerDay/daysPerMonth), "month")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit + " ago"
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
