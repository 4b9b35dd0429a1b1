package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/joestump/evolve-learn/internal/evolution"
)

// PatternAnalysis is a stored pattern recognition result. Never mutated.
type PatternAnalysis struct {
	ID          int64
	SessionID   string
	FilePath    string
	PatternType string
	PatternData json.RawMessage
	Confidence  float64
	Frequency   int
	SuccessRate float64
	Timestamp   time.Time
}

// MetricAggregate summarizes one metric name across a session.
type MetricAggregate struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// PerformanceAnalytics is the per-session aggregate view of the store.
type PerformanceAnalytics struct {
	SessionID        string                     `json:"session_id"`
	StepCount        int                        `json:"step_count"`
	CompletedSteps   int                        `json:"completed_steps"`
	SuccessfulSteps  int                        `json:"successful_steps"`
	SuccessRatio     float64                    `json:"success_ratio"`
	AvgExecutionTime float64                    `json:"avg_execution_time"`
	MinExecutionTime float64                    `json:"min_execution_time"`
	MaxExecutionTime float64                    `json:"max_execution_time"`
	Metrics          map[string]MetricAggregate `json:"metrics"`
}

// CleanupResult counts the rows removed by CleanupOlderThan.
type CleanupResult struct {
	Sessions        int64 `json:"sessions"`
	Steps           int64 `json:"steps"`
	Decisions       int64 `json:"decisions"`
	MetricSamples   int64 `json:"metric_samples"`
	LearningRecords int64 `json:"learning_records"`
	Errors          int64 `json:"errors"`
	PatternAnalyses int64 `json:"pattern_analyses"`
}

// Stats holds row counts per table and the database size.
type Stats struct {
	Sessions        int64 `json:"sessions"`
	Steps           int64 `json:"steps"`
	Decisions       int64 `json:"decisions"`
	MetricSamples   int64 `json:"metric_samples"`
	LearningRecords int64 `json:"learning_records"`
	PatternAnalyses int64 `json:"pattern_analyses"`
	Errors          int64 `json:"errors"`
	StorageBytes    int64 `json:"storage_bytes"`
}

// --- Pattern Analysis Methods ---

// StorePatternAnalysis inserts a pattern analysis record and returns its ID.
func (d *DB) StorePatternAnalysis(ctx context.Context, p *PatternAnalysis) (int64, error) {
	data := p.PatternData
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	var id int64
	err := d.withTx(ctx, "store pattern analysis", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO pattern_analysis (session_id, file_path, pattern_type, pattern_data, confidence, frequency, success_rate, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			nullString(p.SessionID), nullString(p.FilePath), p.PatternType, string(data),
			p.Confidence, p.Frequency, p.SuccessRate, formatTime(p.Timestamp),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ListPatternAnalyses returns analyses newest first. An empty sessionID
// lists analyses across all sessions.
func (d *DB) ListPatternAnalyses(ctx context.Context, sessionID string, limit int) ([]PatternAnalysis, error) {
	query := `SELECT analysis_id, session_id, file_path, pattern_type, pattern_data, confidence, frequency, success_rate, timestamp
		FROM pattern_analysis`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY timestamp DESC, analysis_id DESC LIMIT ?`
	args = append(args, sqlLimit(limit))

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list pattern analyses", err)
	}
	defer rows.Close() //nolint:errcheck

	out := []PatternAnalysis{}
	for rows.Next() {
		var (
			p             PatternAnalysis
			session, file sql.NullString
			data, ts      string
		)
		if err := rows.Scan(&p.ID, &session, &file, &p.PatternType, &data, &p.Confidence, &p.Frequency, &p.SuccessRate, &ts); err != nil {
			return nil, storageErr("scan pattern analysis", err)
		}
		p.SessionID, p.FilePath = session.String, file.String
		p.PatternData = json.RawMessage(data)
		if p.Timestamp, err = parseTime(ts); err != nil {
			return nil, storageErr("scan pattern analysis", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list pattern analyses", err)
	}
	return out, nil
}

// --- Analytics ---

// GetPerformanceAnalytics aggregates execution times, success ratio, and
// per-metric statistics for a session. Unknown sessions yield zeroed
// aggregates.
func (d *DB) GetPerformanceAnalytics(ctx context.Context, sessionID string) (*PerformanceAnalytics, error) {
	pa := &PerformanceAnalytics{SessionID: sessionID, Metrics: map[string]MetricAggregate{}}

	err := d.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(execution_time), 0), COALESCE(MIN(execution_time), 0), COALESCE(MAX(execution_time), 0)
		 FROM steps WHERE session_id = ?`, sessionID,
	).Scan(&pa.StepCount, &pa.AvgExecutionTime, &pa.MinExecutionTime, &pa.MaxExecutionTime)
	if err != nil {
		return nil, storageErr("performance analytics", err)
	}

	history, err := d.GetStepHistory(ctx, HistoryFilter{SessionID: sessionID, Limit: -1})
	if err != nil {
		return nil, err
	}
	for _, e := range history {
		if e.Status == evolution.StepCompleted {
			pa.CompletedSteps++
		}
		if e.Success {
			pa.SuccessfulSteps++
		}
	}
	if pa.StepCount > 0 {
		pa.SuccessRatio = float64(pa.SuccessfulSteps) / float64(pa.StepCount)
	}

	rows, err := d.conn.QueryContext(ctx,
		`SELECT metric_name, COUNT(*), AVG(metric_value), MIN(metric_value), MAX(metric_value)
		 FROM performance_metrics WHERE session_id = ? GROUP BY metric_name`, sessionID,
	)
	if err != nil {
		return nil, storageErr("performance analytics", err)
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var (
			name string
			agg  MetricAggregate
		)
		if err := rows.Scan(&name, &agg.Count, &agg.Avg, &agg.Min, &agg.Max); err != nil {
			return nil, storageErr("scan metric aggregate", err)
		}
		pa.Metrics[name] = agg
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("performance analytics", err)
	}
	return pa, nil
}

// expiredSessions selects completed sessions that started before the cutoff.
const expiredSessions = `SELECT session_id FROM sessions WHERE status = 'completed' AND start_time < ?`

// CleanupOlderThan deletes completed sessions that started more than days
// ago, together with every row that references them, and session-less
// pattern analyses older than the same cutoff. Active sessions are never
// removed regardless of age.
func (d *DB) CleanupOlderThan(ctx context.Context, days int) (*CleanupResult, error) {
	cutoff := formatTime(time.Now().AddDate(0, 0, -days))
	res := &CleanupResult{}

	stmts := []struct {
		query string
		count *int64
	}{
		{`DELETE FROM learning_data WHERE step_id IN (SELECT step_id FROM steps WHERE session_id IN (` + expiredSessions + `))`, &res.LearningRecords},
		{`DELETE FROM error_tracking WHERE step_id IN (SELECT step_id FROM steps WHERE session_id IN (` + expiredSessions + `))`, &res.Errors},
		{`DELETE FROM performance_metrics WHERE session_id IN (` + expiredSessions + `)`, &res.MetricSamples},
		{`DELETE FROM decision_nodes WHERE session_id IN (` + expiredSessions + `)`, &res.Decisions},
		{`DELETE FROM pattern_analysis WHERE session_id IN (` + expiredSessions + `)`, &res.PatternAnalyses},
		{`DELETE FROM pattern_analysis WHERE session_id IS NULL AND timestamp < ?`, &res.PatternAnalyses},
		{`DELETE FROM steps WHERE session_id IN (` + expiredSessions + `)`, &res.Steps},
		{`DELETE FROM sessions WHERE session_id IN (` + expiredSessions + `)`, &res.Sessions},
	}

	err := d.withTx(ctx, "cleanup", func(tx *sql.Tx) error {
		for _, s := range stmts {
			r, err := tx.ExecContext(ctx, s.query, cutoff)
			if err != nil {
				return err
			}
			n, err := r.RowsAffected()
			if err != nil {
				return err
			}
			*s.count += n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetStats returns row counts for every table and the database size in bytes.
func (d *DB) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	counts := []struct {
		table string
		dst   *int64
	}{
		{"sessions", &st.Sessions},
		{"steps", &st.Steps},
		{"decision_nodes", &st.Decisions},
		{"performance_metrics", &st.MetricSamples},
		{"learning_data", &st.LearningRecords},
		{"pattern_analysis", &st.PatternAnalyses},
		{"error_tracking", &st.Errors},
	}
	for _, c := range counts {
		if err := d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+c.table).Scan(c.dst); err != nil {
			return nil, storageErr("stats "+c.table, err)
		}
	}

	var pageCount, pageSize int64
	if err := d.conn.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return nil, storageErr("stats page_count", err)
	}
	if err := d.conn.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return nil, storageErr("stats page_size", err)
	}
	st.StorageBytes = pageCount * pageSize
	return st, nil
}
