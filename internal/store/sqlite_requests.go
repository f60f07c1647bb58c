package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/izzyreal/buildmaster/internal/build"
	"github.com/izzyreal/buildmaster/internal/protocol"
)

// EnqueueRequest persists a build request until a build claims it.
func (s *Store) EnqueueRequest(req protocol.BuildRequest) error {
	if strings.TrimSpace(req.ID) == "" {
		return fmt.Errorf("request id is required")
	}
	if strings.TrimSpace(req.Builder) == "" {
		return fmt.Errorf("request builder is required")
	}
	source, _ := json.Marshal(req.Source)
	props, _ := json.Marshal(nonNilMap(req.Properties))
	submitted := req.SubmittedUTC
	if submitted.IsZero() {
		submitted = time.Now()
	}
	err := retrySQLiteBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO requests (id, builder, reason, source_json, properties_json, submitted_utc)
			VALUES (?, ?, ?, ?, ?, ?)
		`, req.ID, req.Builder, req.Reason, string(source), string(props), formatTime(submitted))
		return err
	})
	if err != nil {
		return fmt.Errorf("enqueue request: %w", err)
	}
	return nil
}

// PendingRequests lists the queued requests of builder in submission order.
// An empty builder lists every builder's requests.
func (s *Store) PendingRequests(builder string) ([]protocol.BuildRequest, error) {
	query := `SELECT id, builder, reason, source_json, properties_json, submitted_utc FROM requests`
	args := []any{}
	if b := strings.TrimSpace(builder); b != "" {
		query += ` WHERE builder = ?`
		args = append(args, b)
	}
	query += ` ORDER BY rowid`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()
	out := []protocol.BuildRequest{}
	for rows.Next() {
		var (
			req                       protocol.BuildRequest
			sourceJSON, propsJSON, at string
		)
		if err := rows.Scan(&req.ID, &req.Builder, &req.Reason, &sourceJSON, &propsJSON, &at); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		_ = json.Unmarshal([]byte(sourceJSON), &req.Source)
		_ = json.Unmarshal([]byte(propsJSON), &req.Properties)
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			req.SubmittedUTC = t
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}

// DeleteRequests removes requests that a build has claimed.
func (s *Store) DeleteRequests(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return retrySQLiteBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		for _, id := range ids {
			if _, err := tx.Exec(`DELETE FROM requests WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete request %s: %w", id, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// SaveExpectations replaces the stored step expectations of builder.
func (s *Store) SaveExpectations(builder string, e *build.Expectations) error {
	if e == nil {
		return nil
	}
	now := formatTime(time.Now())
	return retrySQLiteBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.Exec(`DELETE FROM expectations WHERE builder = ?`, builder); err != nil {
			return fmt.Errorf("clear expectations: %w", err)
		}
		for step, d := range e.Steps() {
			if _, err := tx.Exec(`
				INSERT INTO expectations (builder, step, seconds, output_bytes, updated_utc)
				VALUES (?, ?, ?, ?, ?)
			`, builder, step, d.Seconds(), e.StepOutput(step), now); err != nil {
				return fmt.Errorf("insert expectation: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// LoadExpectations returns the stored expectations of builder. A builder
// without history gets empty expectations.
func (s *Store) LoadExpectations(builder string) (*build.Expectations, error) {
	rows, err := s.db.Query(`SELECT step, seconds, output_bytes FROM expectations WHERE builder = ?`, builder)
	if err != nil {
		return nil, fmt.Errorf("load expectations: %w", err)
	}
	defer rows.Close()
	e := build.NewExpectations()
	for rows.Next() {
		var (
			step    string
			seconds float64
			output  int
		)
		if err := rows.Scan(&step, &seconds, &output); err != nil {
			return nil, fmt.Errorf("scan expectation: %w", err)
		}
		e.Set(step, time.Duration(seconds*float64(time.Second)), output)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expectations: %w", err)
	}
	return e, nil
}
