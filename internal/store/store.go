// Package store provides the SQLite-backed session store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register sqlite driver

	"github.com/theirongolddev/cdispatch/internal/apperr"
	"github.com/theirongolddev/cdispatch/internal/model"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store persists sessions, their logs, stats and quality checks.
type Store struct {
	db  *sql.DB
	now func() time.Time

	// failpoint, when set, is called between the statements of multi-statement
	// mutations. A non-nil return aborts and rolls back the transaction.
	failpoint func(stage string) error
}

// Open opens or creates the session database at the given path.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}
	// All mutations go through one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) stamp() string {
	return formatTime(s.now())
}

func (s *Store) fail(stage string) error {
	if s.failpoint == nil {
		return nil
	}
	return s.failpoint(stage)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.ParseInLocation(timeLayout, v, time.UTC)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t
}

// CreateSession inserts a pending session and its zeroed stats row atomically.
func (s *Store) CreateSession(ctx context.Context, workspacePath, provider string, task *string) (model.Session, error) {
	now := s.now()
	sess := model.Session{
		ID:            uuid.NewString(),
		WorkspacePath: workspacePath,
		Provider:      provider,
		Task:          task,
		Status:        model.StatusPending,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
	ts := formatTime(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Session{}, apperr.Persistence("create session", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO sessions
		(id, workspace_path, provider, task, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, workspacePath, provider, nullString(task), string(sess.Status), ts, ts,
	)
	if err != nil {
		return model.Session{}, apperr.Persistence("create session", err)
	}

	if err := s.fail("create:after-session"); err != nil {
		return model.Session{}, apperr.Persistence("create session", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO session_stats (session_id, updated_at) VALUES (?, ?)`, sess.ID, ts)
	if err != nil {
		return model.Session{}, apperr.Persistence("create session", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Session{}, apperr.Persistence("create session", err)
	}
	return sess, nil
}

const sessionColumns = `id, workspace_path, provider, task, status, native_session_id, pid, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.Session, error) {
	var (
		sess             model.Session
		task, native     sql.NullString
		pid              sql.NullInt64
		status           string
		created, updated string
	)
	if err := row.Scan(&sess.ID, &sess.WorkspacePath, &sess.Provider, &task, &status,
		&native, &pid, &created, &updated); err != nil {
		return model.Session{}, err
	}
	sess.Status = model.Status(status)
	if task.Valid {
		sess.Task = &task.String
	}
	if native.Valid {
		sess.NativeSessionID = &native.String
	}
	if pid.Valid {
		p := int(pid.Int64)
		sess.PID = &p
	}
	sess.CreatedAt = parseTime(created)
	sess.UpdatedAt = parseTime(updated)
	return sess, nil
}

// GetSession returns the session with id, or ok=false if absent.
func (s *Store) GetSession(ctx context.Context, id string) (model.Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, apperr.Persistence("get session", err)
	}
	return sess, true, nil
}

func (s *Store) updateSession(ctx context.Context, op, column string, value any, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+column+` = ?, updated_at = ? WHERE id = ?`, value, s.stamp(), id)
	if err != nil {
		return apperr.Persistence(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Persistence(op, err)
	}
	if n == 0 {
		return apperr.SessionNotFound(id)
	}
	return nil
}

// UpdateSessionStatus sets the session status.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status model.Status) error {
	if !status.Valid() {
		return apperr.InvalidInput(fmt.Sprintf("unknown session status %q", status))
	}
	return s.updateSession(ctx, "update status", "status", string(status), id)
}

// UpdateSessionPID records the OS pid, or clears it when pid is nil.
func (s *Store) UpdateSessionPID(ctx context.Context, id string, pid *int) error {
	var v any
	if pid != nil {
		v = *pid
	}
	return s.updateSession(ctx, "update pid", "pid", v, id)
}

// UpdateNativeSessionID records the provider's own resume token.
func (s *Store) UpdateNativeSessionID(ctx context.Context, id, nativeID string) error {
	return s.updateSession(ctx, "update native session id", "native_session_id", nativeID, id)
}

// ListSessions returns sessions matching every set filter, newest first.
func (s *Store) ListSessions(ctx context.Context, f model.SessionFilter) ([]model.Session, error) {
	var (
		where []string
		args  []any
	)
	if f.WorkspacePath != "" {
		where = append(where, "workspace_path = ?")
		args = append(args, f.WorkspacePath)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, f.Provider)
	}

	q := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperr.Persistence("list sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, apperr.Persistence("list sessions", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("list sessions", err)
	}
	return sessions, nil
}

// DeleteSession removes a session with its logs, stats and quality checks
// in one transaction.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Persistence("delete session", err)
	}
	defer func() { _ = tx.Rollback() }()

	steps := []struct {
		stage string
		query string
	}{
		{"delete:quality", "DELETE FROM quality_checks WHERE session_id = ?"},
		{"delete:logs", "DELETE FROM session_logs WHERE session_id = ?"},
		{"delete:stats", "DELETE FROM session_stats WHERE session_id = ?"},
		{"delete:session", "DELETE FROM sessions WHERE id = ?"},
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.query, id); err != nil {
			return apperr.Persistence("delete session", err)
		}
		if err := s.fail(step.stage); err != nil {
			return apperr.Persistence("delete session", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Persistence("delete session", err)
	}
	return nil
}

// DeleteOldSessions deletes sessions created more than olderThanDays ago,
// optionally only those with the given status. Each deletion is atomic.
func (s *Store) DeleteOldSessions(ctx context.Context, olderThanDays int, status model.Status) (int, error) {
	cutoff := formatTime(s.now().AddDate(0, 0, -olderThanDays))

	q := `SELECT id FROM sessions WHERE created_at < ?`
	args := []any{cutoff}
	if status != "" {
		q += " AND status = ?"
		args = append(args, string(status))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return 0, apperr.Persistence("delete old sessions", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, apperr.Persistence("delete old sessions", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, apperr.Persistence("delete old sessions", err)
	}

	deleted := 0
	for _, id := range ids {
		if err := s.DeleteSession(ctx, id); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// AddSessionLog appends a log entry. The session is not required to exist.
func (s *Store) AddSessionLog(ctx context.Context, sessionID string, role model.Role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_logs (session_id, role, content, timestamp) VALUES (?, ?, ?, ?)`,
		sessionID, string(role), content, s.stamp())
	if err != nil {
		return apperr.Persistence("add session log", err)
	}
	return nil
}

// GetSessionLogs returns a session's log entries in insertion order.
func (s *Store) GetSessionLogs(ctx context.Context, sessionID string) ([]model.SessionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, timestamp FROM session_logs
		 WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, apperr.Persistence("get session logs", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []model.SessionLog
	for rows.Next() {
		var (
			l    model.SessionLog
			role string
			ts   string
		)
		if err := rows.Scan(&l.ID, &l.SessionID, &role, &l.Content, &ts); err != nil {
			return nil, apperr.Persistence("get session logs", err)
		}
		l.Role = model.Role(role)
		l.Timestamp = parseTime(ts)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("get session logs", err)
	}
	return logs, nil
}

// GetSessionStats returns the stats row for a session, or ok=false if absent.
func (s *Store) GetSessionStats(ctx context.Context, sessionID string) (model.SessionStats, bool, error) {
	var (
		st      model.SessionStats
		updated string
	)
	err := s.db.QueryRowContext(ctx, `SELECT session_id, tokens_in, tokens_out, cost_estimate,
		files_changed, lines_added, lines_removed, duration_seconds, updated_at
		FROM session_stats WHERE session_id = ?`, sessionID).Scan(
		&st.SessionID, &st.TokensIn, &st.TokensOut, &st.CostEstimate,
		&st.FilesChanged, &st.LinesAdded, &st.LinesRemoved, &st.DurationSeconds, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SessionStats{}, false, nil
	}
	if err != nil {
		return model.SessionStats{}, false, apperr.Persistence("get session stats", err)
	}
	st.UpdatedAt = parseTime(updated)
	return st, true, nil
}

// UpdateSessionStats applies a partial update. Token and cost fields are
// added to the stored values; the rest overwrite them. An empty update is a
// no-op and issues no write.
func (s *Store) UpdateSessionStats(ctx context.Context, sessionID string, u model.StatsUpdate) error {
	if u.IsEmpty() {
		return nil
	}

	var (
		sets []string
		args []any
	)
	add := func(clause string, v any) {
		sets = append(sets, clause)
		args = append(args, v)
	}
	if u.TokensIn != nil {
		add("tokens_in = tokens_in + ?", *u.TokensIn)
	}
	if u.TokensOut != nil {
		add("tokens_out = tokens_out + ?", *u.TokensOut)
	}
	if u.CostEstimate != nil {
		add("cost_estimate = cost_estimate + ?", *u.CostEstimate)
	}
	if u.FilesChanged != nil {
		add("files_changed = ?", *u.FilesChanged)
	}
	if u.LinesAdded != nil {
		add("lines_added = ?", *u.LinesAdded)
	}
	if u.LinesRemoved != nil {
		add("lines_removed = ?", *u.LinesRemoved)
	}
	if u.DurationSeconds != nil {
		add("duration_seconds = ?", *u.DurationSeconds)
	}
	add("updated_at = ?", s.stamp())
	args = append(args, sessionID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE session_stats SET `+strings.Join(sets, ", ")+` WHERE session_id = ?`, args...)
	if err != nil {
		return apperr.Persistence("update session stats", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Persistence("update session stats", err)
	}
	if n == 0 {
		return apperr.SessionNotFound(sessionID)
	}
	return nil
}

// AddQualityCheck records the result of a post-run check.
func (s *Store) AddQualityCheck(ctx context.Context, sessionID, name string, passed bool, output string) (model.QualityCheck, error) {
	now := s.now()
	passedInt := 0
	if passed {
		passedInt = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO quality_checks (session_id, name, passed, output, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, name, passedInt, output, formatTime(now))
	if err != nil {
		return model.QualityCheck{}, apperr.Persistence("add quality check", err)
	}
	id, _ := res.LastInsertId()
	return model.QualityCheck{
		ID:        id,
		SessionID: sessionID,
		Name:      name,
		Passed:    passed,
		Output:    output,
		CreatedAt: now.UTC(),
	}, nil
}

// GetQualityChecks returns a session's quality checks in insertion order.
func (s *Store) GetQualityChecks(ctx context.Context, sessionID string) ([]model.QualityCheck, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, name, passed, output, created_at FROM quality_checks
		 WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, apperr.Persistence("get quality checks", err)
	}
	defer func() { _ = rows.Close() }()

	var checks []model.QualityCheck
	for rows.Next() {
		var (
			qc      model.QualityCheck
			passed  int
			output  sql.NullString
			created string
		)
		if err := rows.Scan(&qc.ID, &qc.SessionID, &qc.Name, &passed, &output, &created); err != nil {
			return nil, apperr.Persistence("get quality checks", err)
		}
		qc.Passed = passed != 0
		qc.Output = output.String
		qc.CreatedAt = parseTime(created)
		checks = append(checks, qc)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("get quality checks", err)
	}
	return checks, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
