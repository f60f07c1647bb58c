package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a build, step or log does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// dsn sets the busy timeout on every pooled connection.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)"
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS build_numbers (
			builder TEXT PRIMARY KEY,
			last_number INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS builds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			builder TEXT NOT NULL,
			number INTEGER NOT NULL,
			worker TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			request_ids_json TEXT NOT NULL DEFAULT '[]',
			result TEXT,
			text_json TEXT NOT NULL DEFAULT '[]',
			properties_json TEXT NOT NULL DEFAULT '{}',
			started_utc TEXT NOT NULL,
			finished_utc TEXT,
			UNIQUE(builder, number)
		);`,
		`CREATE TABLE IF NOT EXISTS steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			builder TEXT NOT NULL,
			build_number INTEGER NOT NULL,
			number INTEGER NOT NULL,
			name TEXT NOT NULL,
			result TEXT,
			text_json TEXT NOT NULL DEFAULT '[]',
			started_utc TEXT,
			finished_utc TEXT,
			UNIQUE(builder, build_number, number)
		);`,
		`CREATE TABLE IF NOT EXISTS log_chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			builder TEXT NOT NULL,
			build_number INTEGER NOT NULL,
			step_number INTEGER NOT NULL,
			log_name TEXT NOT NULL,
			channel INTEGER NOT NULL,
			text TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_log_chunks_step ON log_chunks(builder, build_number, step_number, log_name);`,
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			builder TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			source_json TEXT NOT NULL DEFAULT '{}',
			properties_json TEXT NOT NULL DEFAULT '{}',
			submitted_utc TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_requests_builder_submitted ON requests(builder, submitted_utc);`,
		`CREATE TABLE IF NOT EXISTS expectations (
			builder TEXT NOT NULL,
			step TEXT NOT NULL,
			seconds REAL NOT NULL,
			output_bytes INTEGER NOT NULL DEFAULT 0,
			updated_utc TEXT NOT NULL,
			PRIMARY KEY(builder, step)
		);`,
		`CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_utc TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	if err := s.addColumnIfMissing("builds", "properties_json", "TEXT NOT NULL DEFAULT '{}'"); err != nil {
		return err
	}
	if err := s.addColumnIfMissing("expectations", "output_bytes", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

func (s *Store) addColumnIfMissing(table, col, typ string) error {
	_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col, typ))
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
		return fmt.Errorf("add column %s.%s: %w", table, col, err)
	}
	return nil
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func retrySQLiteBusy(fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || attempt >= 2 {
			return err
		}
		time.Sleep(time.Duration(100*(attempt+1)) * time.Millisecond)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
