package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/izzyreal/buildmaster/internal/protocol"
	"github.com/izzyreal/buildmaster/internal/status"
)

var _ status.Recorder = (*Store)(nil)

// NextBuildNumber allocates the next build number for builder. Numbers start
// at 1 and are never reused.
func (s *Store) NextBuildNumber(builder string) (int, error) {
	var n int
	err := retrySQLiteBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.Exec(`
			INSERT INTO build_numbers (builder, last_number)
			VALUES (?, COALESCE((SELECT MAX(number) FROM builds WHERE builder = ?), 0) + 1)
			ON CONFLICT(builder) DO UPDATE SET last_number = last_number + 1
		`, builder, builder); err != nil {
			return err
		}
		if err := tx.QueryRow(`SELECT last_number FROM build_numbers WHERE builder = ?`, builder).Scan(&n); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("allocate build number: %w", err)
	}
	return n, nil
}

func resultString(r *protocol.Result) any {
	if r == nil {
		return nil
	}
	return r.String()
}

func parseResult(v sql.NullString) *protocol.Result {
	if !v.Valid || v.String == "" {
		return nil
	}
	r, err := protocol.ParseResult(v.String)
	if err != nil {
		return nil
	}
	return &r
}

func (s *Store) BuildStarted(b status.BuildInfo) {
	requestIDs, _ := json.Marshal(nonNilStrings(b.RequestIDs))
	props, _ := json.Marshal(nonNilMap(b.Properties))
	err := retrySQLiteBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO builds (builder, number, worker, reason, request_ids_json, properties_json, started_utc)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(builder, number) DO UPDATE SET worker=excluded.worker, started_utc=excluded.started_utc
		`, b.Builder, b.Number, b.Worker, b.Reason, string(requestIDs), string(props), formatTime(startedOrNow(b.Started)))
		return err
	})
	if err != nil {
		slog.Error("record build start", "builder", b.Builder, "number", b.Number, "error", err)
	}
}

func (s *Store) BuildFinished(b status.BuildInfo) {
	text, _ := json.Marshal(nonNilStrings(b.Text))
	props, _ := json.Marshal(nonNilMap(b.Properties))
	err := retrySQLiteBusy(func() error {
		_, err := s.db.Exec(`
			UPDATE builds
			SET result = ?, text_json = ?, properties_json = ?, finished_utc = ?
			WHERE builder = ? AND number = ?
		`, resultString(b.Result), string(text), string(props), nullTime(b.Finished), b.Builder, b.Number)
		return err
	})
	if err != nil {
		slog.Error("record build finish", "builder", b.Builder, "number", b.Number, "error", err)
	}
}

func (s *Store) StepStarted(st status.StepInfo) {
	s.saveStep(st)
}

func (s *Store) StepFinished(st status.StepInfo) {
	s.saveStep(st)
}

func (s *Store) saveStep(st status.StepInfo) {
	text, _ := json.Marshal(nonNilStrings(st.Text))
	err := retrySQLiteBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO steps (builder, build_number, number, name, result, text_json, started_utc, finished_utc)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(builder, build_number, number) DO UPDATE SET
				result=excluded.result,
				text_json=excluded.text_json,
				started_utc=COALESCE(excluded.started_utc, steps.started_utc),
				finished_utc=excluded.finished_utc
		`, st.Builder, st.Build, st.Number, st.Name, resultString(st.Result), string(text), nullTime(st.Started), nullTime(st.Finished))
		return err
	})
	if err != nil {
		slog.Error("record step", "builder", st.Builder, "number", st.Build, "step", st.Name, "error", err)
	}
}

func (s *Store) LogChunk(st status.StepInfo, log string, channel int, text string) {
	err := retrySQLiteBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO log_chunks (builder, build_number, step_number, log_name, channel, text)
			VALUES (?, ?, ?, ?, ?, ?)
		`, st.Builder, st.Build, st.Number, log, channel, text)
		return err
	})
	if err != nil {
		slog.Error("record log chunk", "builder", st.Builder, "number", st.Build, "step", st.Name, "log", log, "error", err)
	}
}

// AbandonUnfinished marks builds that were running when the master stopped as
// exceptions. It returns how many builds were updated.
func (s *Store) AbandonUnfinished() (int, error) {
	text, _ := json.Marshal([]string{"exception", "interrupted"})
	now := formatTime(time.Now())
	res, err := s.db.Exec(`
		UPDATE builds
		SET result = ?, text_json = ?, finished_utc = ?
		WHERE finished_utc IS NULL
	`, protocol.Exception.String(), string(text), now)
	if err != nil {
		return 0, fmt.Errorf("abandon unfinished builds: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const buildColumns = `id, builder, number, worker, reason, request_ids_json, result, text_json, properties_json, started_utc, finished_utc`

func scanBuild(scanner interface{ Scan(dest ...any) error }) (protocol.BuildView, error) {
	var (
		v                               protocol.BuildView
		requestIDsJSON, textJSON, props string
		result                          sql.NullString
		startedUTC, finishedUTC         sql.NullString
	)
	if err := scanner.Scan(&v.ID, &v.Builder, &v.Number, &v.Worker, &v.Reason, &requestIDsJSON, &result, &textJSON, &props, &startedUTC, &finishedUTC); err != nil {
		return protocol.BuildView{}, err
	}
	_ = json.Unmarshal([]byte(requestIDsJSON), &v.RequestIDs)
	_ = json.Unmarshal([]byte(textJSON), &v.Text)
	_ = json.Unmarshal([]byte(props), &v.Properties)
	v.Result = parseResult(result)
	v.StartedUTC = parseTime(startedUTC)
	v.FinishedUTC = parseTime(finishedUTC)
	return v, nil
}

// ListBuilds returns the newest builds first. An empty builder lists all
// builders.
func (s *Store) ListBuilds(builder string, limit int) ([]protocol.BuildView, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + buildColumns + ` FROM builds`
	args := []any{}
	if b := strings.TrimSpace(builder); b != "" {
		query += ` WHERE builder = ?`
		args = append(args, b)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()
	out := []protocol.BuildView{}
	for rows.Next() {
		v, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate builds: %w", err)
	}
	return out, nil
}

// GetBuild returns a build with its steps and log sizes.
func (s *Store) GetBuild(builder string, number int) (protocol.BuildView, error) {
	row := s.db.QueryRow(`SELECT `+buildColumns+` FROM builds WHERE builder = ? AND number = ?`, builder, number)
	v, err := scanBuild(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return protocol.BuildView{}, ErrNotFound
		}
		return protocol.BuildView{}, fmt.Errorf("get build: %w", err)
	}
	steps, err := s.listSteps(builder, number)
	if err != nil {
		return protocol.BuildView{}, err
	}
	v.Steps = steps
	return v, nil
}

func (s *Store) listSteps(builder string, number int) ([]protocol.StepView, error) {
	rows, err := s.db.Query(`
		SELECT number, name, result, text_json, started_utc, finished_utc
		FROM steps
		WHERE builder = ? AND build_number = ?
		ORDER BY number
	`, builder, number)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()
	var out []protocol.StepView
	for rows.Next() {
		var (
			sv                      protocol.StepView
			result                  sql.NullString
			textJSON                string
			startedUTC, finishedUTC sql.NullString
		)
		if err := rows.Scan(&sv.Number, &sv.Name, &result, &textJSON, &startedUTC, &finishedUTC); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		_ = json.Unmarshal([]byte(textJSON), &sv.Text)
		sv.Result = parseResult(result)
		sv.Skipped = sv.Result != nil && *sv.Result == protocol.Skipped
		sv.StartedUTC = parseTime(startedUTC)
		sv.FinishedUTC = parseTime(finishedUTC)
		out = append(out, sv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	rows.Close()

	for i := range out {
		logs, err := s.logSizes(builder, number, out[i].Number)
		if err != nil {
			return nil, err
		}
		out[i].Logs = logs
	}
	return out, nil
}

func (s *Store) logSizes(builder string, number, step int) ([]protocol.LogView, error) {
	rows, err := s.db.Query(`
		SELECT log_name, SUM(LENGTH(CAST(text AS BLOB)))
		FROM log_chunks
		WHERE builder = ? AND build_number = ? AND step_number = ?
		GROUP BY log_name
		ORDER BY MIN(id)
	`, builder, number, step)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()
	var out []protocol.LogView
	for rows.Next() {
		var lv protocol.LogView
		if err := rows.Scan(&lv.Name, &lv.Size); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		out = append(out, lv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return out, nil
}

// StepLog concatenates a stored log. Header chunks are included unless
// withHeaders is false.
func (s *Store) StepLog(builder string, number int, stepName, logName string, withHeaders bool) (string, error) {
	var step int
	err := s.db.QueryRow(`
		SELECT number FROM steps WHERE builder = ? AND build_number = ? AND name = ?
	`, builder, number, stepName).Scan(&step)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("find step: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT channel, text FROM log_chunks
		WHERE builder = ? AND build_number = ? AND step_number = ? AND log_name = ?
		ORDER BY id
	`, builder, number, step, logName)
	if err != nil {
		return "", fmt.Errorf("read log: %w", err)
	}
	defer rows.Close()
	var (
		b     strings.Builder
		found bool
	)
	for rows.Next() {
		var (
			channel int
			text    string
		)
		if err := rows.Scan(&channel, &text); err != nil {
			return "", fmt.Errorf("scan log chunk: %w", err)
		}
		found = true
		if channel == status.ChannelHeader && !withHeaders {
			continue
		}
		b.WriteString(text)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate log chunks: %w", err)
	}
	if !found {
		return "", ErrNotFound
	}
	return b.String(), nil
}

func startedOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilMap(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}
