// Package store persists the append-only edit event log in SQLite. The log
// exists solely so heat state can be rebuilt after a restart; live
// broadcasts never read from it.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/lineheat/lineheat/internal/protocol"
)

// Store wraps a sql.DB connection to the SQLite event log.
type Store struct {
	conn *sql.DB
}

// Open creates a new Store and runs all pending migrations.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Conn returns the underlying *sql.DB for use by other packages if needed.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// --- Migrations ---

type migration struct {
	version int
	fn      func(tx *sql.Tx) error
}

var migrations = []migration{
	{version: 1, fn: migrate001},
}

func (s *Store) migrate() error {
	// Ensure schema_migrations table exists.
	_, err := s.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}

		if err := m.fn(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

func migrate001(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE edit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			server_ts INTEGER NOT NULL,
			repo_id TEXT NOT NULL,
			file_path TEXT NOT NULL,
			function_id TEXT NOT NULL,
			anchor_line INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			emoji TEXT NOT NULL
		)`,

		`CREATE INDEX idx_edit_events_room ON edit_events(repo_id, file_path, server_ts)`,
		`CREATE INDEX idx_edit_events_ts ON edit_events(server_ts)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// --- Event Methods ---

// Insert appends an edit event to the log. Insertion order is the only
// ordering guarantee beyond server_ts.
func (s *Store) Insert(e *protocol.EditEvent) error {
	_, err := s.conn.Exec(
		`INSERT INTO edit_events (server_ts, repo_id, file_path, function_id, anchor_line, user_id, display_name, emoji)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ServerTs, e.RepoID, e.FilePath, e.FunctionID, e.AnchorLine, e.UserID, e.DisplayName, e.Emoji,
	)
	if err != nil {
		return fmt.Errorf("insert edit event: %w", err)
	}
	return nil
}

// ListSince returns all retained events with server_ts >= cutoffTs, ordered
// by server_ts ascending with insertion id as the tiebreaker. Called once at
// startup to rebuild heat state.
func (s *Store) ListSince(cutoffTs int64) ([]protocol.EditEvent, error) {
	rows, err := s.conn.Query(
		`SELECT server_ts, repo_id, file_path, function_id, anchor_line, user_id, display_name, emoji
		 FROM edit_events
		 WHERE server_ts >= ?
		 ORDER BY server_ts ASC, id ASC`, cutoffTs,
	)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", cutoffTs, err)
	}
	defer rows.Close() //nolint:errcheck

	var events []protocol.EditEvent
	for rows.Next() {
		var e protocol.EditEvent
		if err := rows.Scan(&e.ServerTs, &e.RepoID, &e.FilePath, &e.FunctionID, &e.AnchorLine, &e.UserID, &e.DisplayName, &e.Emoji); err != nil {
			return nil, fmt.Errorf("scan edit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteBefore removes all events older than cutoffTs and returns the count.
// Idempotent: a second call with the same cutoff deletes nothing.
func (s *Store) DeleteBefore(cutoffTs int64) (int64, error) {
	res, err := s.conn.Exec(`DELETE FROM edit_events WHERE server_ts < ?`, cutoffTs)
	if err != nil {
		return 0, fmt.Errorf("delete events before %d: %w", cutoffTs, err)
	}
	return res.RowsAffected()
}
