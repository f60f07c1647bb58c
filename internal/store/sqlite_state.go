package store

import (
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) SetAppState(key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.Exec(`
		INSERT INTO app_state (key, value, updated_utc)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_utc=excluded.updated_utc
	`, key, value, now); err != nil {
		return fmt.Errorf("set app state: %w", err)
	}
	return nil
}

func (s *Store) GetAppState(key string) (string, bool, error) {
	var value string
	row := s.db.QueryRow(`SELECT value FROM app_state WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get app state: %w", err)
	}
	return value, true, nil
}
