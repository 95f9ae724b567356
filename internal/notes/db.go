package notes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/fclairamb/notesync/internal/apperrors"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS notes (
	id                  TEXT PRIMARY KEY,
	content             TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL,
	is_archived         INTEGER NOT NULL DEFAULT 0,
	is_pending_deletion INTEGER NOT NULL DEFAULT 0,
	sync_state          TEXT NOT NULL DEFAULT 'pending'
);

CREATE INDEX IF NOT EXISTS idx_notes_sync_state ON notes(sync_state);
`

const noteColumns = `id, content, created_at, updated_at, is_archived, is_pending_deletion, sync_state`

// Queries are the note operations the sync engine runs, either directly or inside a transaction.
//
//nolint:interfacebloat // one method per statement the sync engine issues
type Queries interface {
	// PendingSyncNotes returns notes waiting to be committed, oldest edit first.
	PendingSyncNotes(ctx context.Context) ([]Note, error)
	// Note returns a single note, or an error wrapping apperrors.ErrNoteNotFound.
	Note(ctx context.Context, id string) (*Note, error)
	UpdateSyncState(ctx context.Context, ids []string, state SyncState) error
	UpdateContent(ctx context.Context, id, content string, updatedAt time.Time) error
	SetArchived(ctx context.Context, id string, archived bool, updatedAt time.Time) error
	MarkAsPendingDeletion(ctx context.Context, id string) error
	DeleteNote(ctx context.Context, id string) error
	Insert(ctx context.Context, note Note) error
	AllNotes(ctx context.Context) ([]Note, error)
	// SwapSyncStates moves every note in state from to state to.
	SwapSyncStates(ctx context.Context, from, to SyncState) error
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements Queries on top of a connection or a transaction.
type queries struct {
	db execer
}

// DB is the notes database.
type DB struct {
	queries

	conn   *sql.DB
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures DB.
type Option func(*DB)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(db *DB) {
		db.logger = l
	}
}

// WithClock overrides the time source used for edits.
func WithClock(clock func() time.Time) Option {
	return func(db *DB) {
		db.clock = clock
	}
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string, opts ...Option) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("notes: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("notes: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("notes: apply schema: %w", err)
	}

	db := &DB{
		queries: queries{db: conn},
		conn:    conn,
		logger:  slog.Default(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// Conn exposes the underlying connection so other tables can share the database file.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Transaction runs fn inside a single database transaction. Any error rolls it back.
func (db *DB) Transaction(ctx context.Context, fn func(Queries) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("notes: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("notes: commit tx: %w", err)
	}
	return nil
}

func (q *queries) PendingSyncNotes(ctx context.Context) ([]Note, error) {
	return q.list(ctx, `SELECT `+noteColumns+` FROM notes WHERE sync_state = ? ORDER BY updated_at, created_at, id`, string(Pending))
}

func (q *queries) AllNotes(ctx context.Context) ([]Note, error) {
	return q.list(ctx, `SELECT `+noteColumns+` FROM notes ORDER BY created_at, id`)
}

func (q *queries) Note(ctx context.Context, id string) (*Note, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, id)
	note, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("note %s: %w", id, apperrors.ErrNoteNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("notes: get %s: %w", id, err)
	}
	return note, nil
}

func (q *queries) UpdateSyncState(ctx context.Context, ids []string, state SyncState) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, string(state))
	for _, id := range ids {
		args = append(args, id)
	}

	//nolint:gosec // placeholders only
	query := `UPDATE notes SET sync_state = ? WHERE id IN (` + placeholders + `)`
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("notes: update sync state: %w", err)
	}
	return nil
}

func (q *queries) UpdateContent(ctx context.Context, id, content string, updatedAt time.Time) error {
	return q.exec(ctx, "update content",
		`UPDATE notes SET content = ?, updated_at = ? WHERE id = ?`, content, updatedAt.UnixMilli(), id)
}

func (q *queries) SetArchived(ctx context.Context, id string, archived bool, updatedAt time.Time) error {
	return q.exec(ctx, "set archived",
		`UPDATE notes SET is_archived = ?, updated_at = ? WHERE id = ?`, archived, updatedAt.UnixMilli(), id)
}

func (q *queries) MarkAsPendingDeletion(ctx context.Context, id string) error {
	return q.exec(ctx, "mark pending deletion", `UPDATE notes SET is_pending_deletion = 1 WHERE id = ?`, id)
}

func (q *queries) DeleteNote(ctx context.Context, id string) error {
	return q.exec(ctx, "delete", `DELETE FROM notes WHERE id = ?`, id)
}

func (q *queries) Insert(ctx context.Context, note Note) error {
	state := note.SyncState
	if state == "" {
		state = Pending
	}
	return q.exec(ctx, "insert",
		`INSERT INTO notes (`+noteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		note.ID, note.Content, note.CreatedAt.UnixMilli(), note.UpdatedAt.UnixMilli(),
		note.IsArchived, note.IsPendingDeletion, string(state))
}

func (q *queries) SwapSyncStates(ctx context.Context, from, to SyncState) error {
	return q.exec(ctx, "swap sync states", `UPDATE notes SET sync_state = ? WHERE sync_state = ?`, string(to), string(from))
}

func (q *queries) exec(ctx context.Context, what, query string, args ...any) error {
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("notes: %s: %w", what, err)
	}
	return nil
}

func (q *queries) list(ctx context.Context, query string, args ...any) ([]Note, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("notes: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("notes: scan: %w", err)
		}
		out = append(out, *note)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNote(s scanner) (*Note, error) {
	var (
		note                 Note
		createdAt, updatedAt int64
		state                string
	)
	if err := s.Scan(&note.ID, &note.Content, &createdAt, &updatedAt,
		&note.IsArchived, &note.IsPendingDeletion, &state); err != nil {
		return nil, err
	}

	parsed, err := ParseSyncState(state)
	if err != nil {
		return nil, err
	}

	note.CreatedAt = time.UnixMilli(createdAt).UTC()
	note.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	note.SyncState = parsed
	return &note, nil
}
