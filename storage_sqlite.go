package nomad

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SchemaVersion is the current version of the offline database.
// Bump it when a store is added; migrations only ever create what is missing.
const SchemaVersion = 2

// migrations[i] upgrades a database from version i to i+1.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS pending_sessions (
		id         TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		data       TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS pending_recordings (
		id         TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		data       TEXT NOT NULL,
		audio      BLOB
	);
	CREATE TABLE IF NOT EXISTS cached_sessions (
		id         TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		data       TEXT NOT NULL
	);`,
}

var storeTables = map[string]string{
	StorePendingSessions:   "pending_sessions",
	StorePendingRecordings: "pending_recordings",
	StoreCachedSessions:    "cached_sessions",
}

// SQLiteStorage persists the offline stores in a SQLite database.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLiteStorage opens (creating if needed) the offline database at path
// and upgrades its schema. Use ":memory:" for a throwaway database.
func OpenSQLiteStorage(path string) (*SQLiteStorage, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle, for sharing the file with other stores.
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for v := version; v < len(migrations); v++ {
		if _, err := s.db.ExecContext(ctx, migrations[v]); err != nil {
			return fmt.Errorf("migrate schema to version %d: %w", v+1, err)
		}
	}
	if version < SchemaVersion {
		// PRAGMA does not accept bound parameters.
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, SchemaVersion)); err != nil {
			return fmt.Errorf("write schema version: %w", err)
		}
	}
	return nil
}

// SchemaVersion returns the version recorded in the database.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version)
	return version, err
}

// StoreNames lists the object stores present in the database.
func (s *SQLiteStorage) StoreNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var names []string
	for _, store := range []string{StorePendingSessions, StorePendingRecordings, StoreCachedSessions} {
		if present[storeTables[store]] {
			names = append(names, store)
		}
	}
	return names, nil
}

// ── Pending sessions ─────────────────────────────────────

func (s *SQLiteStorage) PutPendingSession(ctx context.Context, ps *PendingSession) error {
	data, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_sessions (id, created_at, data)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at = excluded.created_at,
			data = excluded.data
	`, ps.ID, ps.CreatedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ListPendingSessions(ctx context.Context) ([]*PendingSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM pending_sessions
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*PendingSession
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var ps PendingSession
		if err := json.Unmarshal([]byte(data), &ps); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		sessions = append(sessions, &ps)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStorage) DeletePendingSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ── Pending recordings ───────────────────────────────────

func (s *SQLiteStorage) PutPendingRecording(ctx context.Context, r *PendingRecording) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode recording: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_recordings (id, created_at, data, audio)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at = excluded.created_at,
			data = excluded.data,
			audio = excluded.audio
	`, r.ID, r.CreatedAt.UnixNano(), string(data), r.Audio)
	if err != nil {
		return fmt.Errorf("upsert recording: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ListPendingRecordings(ctx context.Context) ([]*PendingRecording, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data, audio FROM pending_recordings
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query recordings: %w", err)
	}
	defer rows.Close()

	var recordings []*PendingRecording
	for rows.Next() {
		var data string
		var audio []byte
		if err := rows.Scan(&data, &audio); err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		var r PendingRecording
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("decode recording: %w", err)
		}
		r.Audio = audio
		recordings = append(recordings, &r)
	}
	return recordings, rows.Err()
}

func (s *SQLiteStorage) DeletePendingRecording(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_recordings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}
	return nil
}

// CountPending counts rows without reading the audio column.
func (s *SQLiteStorage) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM pending_sessions) + (SELECT COUNT(*) FROM pending_recordings)
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

