package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/joestump/evolve-learn/internal/evolution"
)

// timeLayout is fixed width so that lexical order of the stored TEXT
// columns matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// DB wraps a sql.DB connection to the SQLite database.
type DB struct {
	conn *sql.DB
}

// StorageError reports a failed read or write against the database.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// Session is an evolution session record.
type Session struct {
	ID            string
	TargetFiles   []string
	Objectives    map[string]any
	MaxIterations int
	StartTime     time.Time
	EndTime       *time.Time
	Status        evolution.SessionStatus
	FinalReport   json.RawMessage
}

// Open creates a new DB connection and applies all pending migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	d := &DB{conn: conn}
	if err := d.migrate(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for use by other packages if needed.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

func (d *DB) migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, d.conn, sub)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error.
func (d *DB) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		var se *StorageError
		if errors.As(err, &se) || errors.Is(err, evolution.ErrStepNotFound) || errors.Is(err, evolution.ErrSessionNotFound) ||
			errors.Is(err, evolution.ErrDecisionNotFound) {
			return err
		}
		return storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

// --- Session Methods ---

// CreateSession inserts a new session record.
func (d *DB) CreateSession(ctx context.Context, s *Session) error {
	targets, err := marshalJSON(nonNil(s.TargetFiles))
	if err != nil {
		return storageErr("create session", err)
	}
	objectives, err := marshalJSON(nonNilMap(s.Objectives))
	if err != nil {
		return storageErr("create session", err)
	}
	status := s.Status
	if status == "" {
		status = evolution.SessionActive
	}
	return d.withTx(ctx, "create session", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (session_id, target_files, objectives, max_iterations, start_time, end_time, status, final_report)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, targets, objectives, s.MaxIterations, formatTime(s.StartTime), formatTimePtr(s.EndTime), string(status), rawOrNil(s.FinalReport),
		)
		return err
	})
}

// GetSession returns a session by ID, or nil if not found.
func (d *DB) GetSession(ctx context.Context, id string) (*Session, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT session_id, target_files, objectives, max_iterations, start_time, end_time, status, final_report
		 FROM sessions WHERE session_id = ?`, id,
	)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get session", err)
	}
	return s, nil
}

// ListSessions returns sessions ordered by start time descending.
func (d *DB) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT session_id, target_files, objectives, max_iterations, start_time, end_time, status, final_report
		 FROM sessions ORDER BY start_time DESC LIMIT ?`, sqlLimit(limit),
	)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer rows.Close() //nolint:errcheck

	sessions := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, storageErr("scan session", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list sessions", err)
	}
	return sessions, nil
}

// FinalizeSession marks a session completed with its end time and report.
func (d *DB) FinalizeSession(ctx context.Context, id string, endTime time.Time, report any) error {
	data, err := marshalJSON(report)
	if err != nil {
		return storageErr("finalize session", err)
	}
	return d.withTx(ctx, "finalize session", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, end_time = ?, final_report = ? WHERE session_id = ?`,
			string(evolution.SessionCompleted), formatTime(endTime), data, id,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", evolution.ErrSessionNotFound, id)
		}
		return nil
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var (
		s          Session
		targets    string
		objectives string
		start      string
		end        sql.NullString
		status     string
		report     sql.NullString
	)
	if err := sc.Scan(&s.ID, &targets, &objectives, &s.MaxIterations, &start, &end, &status, &report); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(targets), &s.TargetFiles); err != nil {
		return nil, fmt.Errorf("decode target_files: %w", err)
	}
	if err := json.Unmarshal([]byte(objectives), &s.Objectives); err != nil {
		return nil, fmt.Errorf("decode objectives: %w", err)
	}
	var err error
	if s.StartTime, err = parseTime(start); err != nil {
		return nil, err
	}
	if s.EndTime, err = parseTimeNull(end); err != nil {
		return nil, err
	}
	s.Status = evolution.SessionStatus(status)
	if report.Valid {
		s.FinalReport = json.RawMessage(report.String)
	}
	return &s, nil
}

// --- helpers ---

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimeNull(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

func rawOrNil(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nonNilMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return m
}

// finiteMetrics drops NaN and infinite values, which JSON cannot encode.
func finiteMetrics(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[k] = v
	}
	return out
}

// sqlLimit maps a non-positive limit to SQLite's "no limit".
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
