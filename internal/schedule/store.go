package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store persists schedule entries in an embedded SQLite database.
//
// The database is opened in WAL mode so sync reads from connection
// goroutines do not block the write path. The store provides atomic
// per-row updates only; there is no multi-row transaction surface.
type Store struct {
	conn *sql.DB
	path string
}

// OpenStore opens (creating if necessary) the entry database at path.
//
// The caller MUST call Close() when done.
func OpenStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// OpenMemoryStore opens a private in-memory store, used by tests.
func OpenMemoryStore() (*Store, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// A single connection keeps every query on the same in-memory database.
	conn.SetMaxOpenConns(1)
	return &Store{conn: conn, path: ":memory:"}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the entry table and indexes. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schedule_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		start_time INTEGER NOT NULL,  -- unix milliseconds
		end_time INTEGER NOT NULL,    -- unix milliseconds
		location TEXT NOT NULL DEFAULT '',
		remarks TEXT NOT NULL DEFAULT '',
		done INTEGER NOT NULL DEFAULT 0,
		priority TEXT NOT NULL DEFAULT 'normal',
		conflict_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_user_start
	    ON schedule_entries(user_id, start_time);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

const entryColumns = `id, user_id, title, start_time, end_time, location,
	remarks, done, priority, conflict_json, created_at, updated_at`

// Create inserts a new entry. The entry's ID must already be assigned.
func (s *Store) Create(ctx context.Context, e *Entry) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO schedule_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Title,
		e.StartTime.UnixMilli(), e.EndTime.UnixMilli(),
		e.Location, e.Remarks, boolToInt(e.Done), string(e.Priority),
		nullableJSON(e.ConflictJSON),
		e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert entry %s: %w", e.ID, err)
	}
	return nil
}

// Update overwrites an existing entry row (last writer wins).
// Returns sql.ErrNoRows if the entry does not exist.
func (s *Store) Update(ctx context.Context, e *Entry) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE schedule_entries SET
			title = ?, start_time = ?, end_time = ?, location = ?,
			remarks = ?, done = ?, priority = ?, conflict_json = ?,
			updated_at = ?
		WHERE id = ? AND user_id = ?`,
		e.Title, e.StartTime.UnixMilli(), e.EndTime.UnixMilli(), e.Location,
		e.Remarks, boolToInt(e.Done), string(e.Priority),
		nullableJSON(e.ConflictJSON), e.UpdatedAt.UnixMilli(),
		e.ID, e.UserID)
	if err != nil {
		return fmt.Errorf("failed to update entry %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateConflict replaces only the cached conflict report for an entry.
func (s *Store) UpdateConflict(ctx context.Context, id string, conflictJSON []byte) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE schedule_entries SET conflict_json = ? WHERE id = ?`,
		nullableJSON(conflictJSON), id)
	if err != nil {
		return fmt.Errorf("failed to update conflict cache for %s: %w", id, err)
	}
	return nil
}

// Delete removes an entry. Returns sql.ErrNoRows if it does not exist.
func (s *Store) Delete(ctx context.Context, id, userID string) error {
	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM schedule_entries WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Get fetches a single entry by id. Returns (nil, nil) when not found.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM schedule_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry %s: %w", id, err)
	}
	return e, nil
}

// EntriesForUserBetween returns the user's entries whose start time falls
// in [from, to), ordered by start time. This is the query capability the
// sync coordinator and conflict recompute both depend on.
func (s *Store) EntriesForUserBetween(ctx context.Context, userID string, from, to time.Time) ([]Entry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM schedule_entries
		WHERE user_id = ? AND start_time >= ? AND start_time < ?
		ORDER BY start_time ASC`,
		userID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query entries for %s: %w", userID, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entries: %w", err)
	}
	return entries, nil
}

// EntriesStartingBetween returns every user's entries starting in
// [from, to), ordered by start time. Used by the reminder scan.
func (s *Store) EntriesStartingBetween(ctx context.Context, from, to time.Time) ([]Entry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM schedule_entries
		WHERE start_time >= ? AND start_time < ?
		ORDER BY start_time ASC`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query upcoming entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entries: %w", err)
	}
	return entries, nil
}

// EntriesUpdatedSince returns the user's entries created or modified at
// or after the given time, ordered by start time. This is the query the
// sync coordinator answers sync_requests from: an entry counts as missed
// when it changed after the device last synced, regardless of when it is
// scheduled to start.
func (s *Store) EntriesUpdatedSince(ctx context.Context, userID string, since time.Time) ([]Entry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM schedule_entries
		WHERE user_id = ? AND updated_at >= ?
		ORDER BY start_time ASC`,
		userID, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query changed entries for %s: %w", userID, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entries: %w", err)
	}
	return entries, nil
}

// SameDayEntries returns the user's entries on the calendar day containing t.
func (s *Store) SameDayEntries(ctx context.Context, userID string, t time.Time) ([]Entry, error) {
	from, to := DayWindow(t)
	return s.EntriesForUserBetween(ctx, userID, from, to)
}

// scanner abstracts sql.Row and sql.Rows for scanEntry.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e                    Entry
		startMs, endMs       int64
		createdMs, updatedMs int64
		done                 int
		priority             string
		conflictJSON         sql.NullString
	)
	if err := sc.Scan(&e.ID, &e.UserID, &e.Title, &startMs, &endMs,
		&e.Location, &e.Remarks, &done, &priority, &conflictJSON,
		&createdMs, &updatedMs); err != nil {
		return nil, err
	}
	e.StartTime = time.UnixMilli(startMs)
	e.EndTime = time.UnixMilli(endMs)
	e.CreatedAt = time.UnixMilli(createdMs)
	e.UpdatedAt = time.UnixMilli(updatedMs)
	e.Done = done != 0
	e.Priority = Priority(priority)
	if conflictJSON.Valid && conflictJSON.String != "" {
		e.ConflictJSON = []byte(conflictJSON.String)
	}
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
