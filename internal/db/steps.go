package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joestump/evolve-learn/internal/evolution"
)

// DefaultHistoryLimit caps GetStepHistory when the filter sets no limit.
const DefaultHistoryLimit = 100

// Step is a persisted evolution step.
type Step struct {
	ID            string
	SessionID     string
	StepType      string
	FilePath      string
	Prompt        string
	Context       evolution.StepContext
	StartTime     time.Time
	EndTime       *time.Time
	ExecutionTime *float64 // seconds; nil while running
	Status        evolution.StepStatus
	Result        *evolution.Result
	Metrics       map[string]float64
	Errors        []evolution.ErrorRecord
}

// StepCompletion carries the terminal state written by CompleteStep.
type StepCompletion struct {
	Status        evolution.StepStatus
	EndTime       time.Time
	ExecutionTime float64
	Result        *evolution.Result
	Context       *evolution.StepContext // replaces the stored context when set
}

// DecisionRecord is a persisted decision tree node.
type DecisionRecord struct {
	ID           string
	SessionID    string
	StepID       string
	ParentID     string
	DecisionType string
	Context      map[string]any
	Outcome      any
	Metrics      map[string]float64
	Timestamp    time.Time
}

// MetricSample is one appended metric observation.
type MetricSample struct {
	ID        int64
	SessionID string
	StepID    string
	Name      string
	Value     float64
	Timestamp time.Time
}

// LearningRecord ties a step's context and result to its success score.
type LearningRecord struct {
	ID           int64
	StepID       string
	Context      evolution.StepContext
	Result       *evolution.Result
	SuccessScore float64
	Timestamp    time.Time
}

// HistoryFilter narrows GetStepHistory. Zero values match everything.
// Limit 0 uses DefaultHistoryLimit; a negative limit returns all rows.
type HistoryFilter struct {
	FilePath  string
	SessionID string
	Limit     int
}

// --- Step Methods ---

// StoreStep inserts a new step.
func (d *DB) StoreStep(ctx context.Context, s *Step) error {
	stepCtx, err := marshalJSON(s.Context)
	if err != nil {
		return storageErr("store step", err)
	}
	metrics, err := marshalJSON(finiteMetrics(s.Metrics))
	if err != nil {
		return storageErr("store step", err)
	}
	errs, err := marshalJSON(nonNil(s.Errors))
	if err != nil {
		return storageErr("store step", err)
	}
	result, err := marshalResult(s.Result)
	if err != nil {
		return storageErr("store step", err)
	}
	status := s.Status
	if status == "" {
		status = evolution.StepRunning
	}
	return d.withTx(ctx, "store step", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO steps (step_id, session_id, step_type, file_path, prompt, context, start_time, end_time, execution_time, status, result, metrics, errors)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, s.SessionID, s.StepType, s.FilePath, s.Prompt, stepCtx,
			formatTime(s.StartTime), formatTimePtr(s.EndTime), s.ExecutionTime,
			string(status), result, metrics, errs,
		)
		return err
	})
}

// UpdateStepMetrics merges metrics into the step's metric map and appends
// one MetricSample per value.
func (d *DB) UpdateStepMetrics(ctx context.Context, stepID string, metrics map[string]float64) error {
	metrics = finiteMetrics(metrics)
	now := formatTime(time.Now())
	return d.withTx(ctx, "update step metrics", func(tx *sql.Tx) error {
		var sessionID, raw string
		err := tx.QueryRowContext(ctx,
			`SELECT session_id, metrics FROM steps WHERE step_id = ?`, stepID,
		).Scan(&sessionID, &raw)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", evolution.ErrStepNotFound, stepID)
		}
		if err != nil {
			return err
		}
		merged := map[string]float64{}
		if err := json.Unmarshal([]byte(raw), &merged); err != nil {
			return fmt.Errorf("decode metrics: %w", err)
		}
		for k, v := range metrics {
			merged[k] = v
		}
		data, err := marshalJSON(merged)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE steps SET metrics = ? WHERE step_id = ?`, data, stepID); err != nil {
			return err
		}
		for name, value := range metrics {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO performance_metrics (session_id, step_id, metric_name, metric_value, timestamp)
				 VALUES (?, ?, ?, ?, ?)`,
				sessionID, stepID, name, value, now,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordStepError appends an error to the step, writes an error_tracking
// row, and sets the step status. A non-nil execTime replaces the stored
// execution time.
func (d *DB) RecordStepError(ctx context.Context, rec *evolution.ErrorRecord, status evolution.StepStatus, execTime *float64) error {
	errCtx, err := marshalJSON(nonNilMap(rec.Context))
	if err != nil {
		return storageErr("record step error", err)
	}
	return d.withTx(ctx, "record step error", func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT errors FROM steps WHERE step_id = ?`, rec.StepID).Scan(&raw)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", evolution.ErrStepNotFound, rec.StepID)
		}
		if err != nil {
			return err
		}
		var errs []evolution.ErrorRecord
		if err := json.Unmarshal([]byte(raw), &errs); err != nil {
			return fmt.Errorf("decode errors: %w", err)
		}
		errs = append(errs, *rec)
		data, err := marshalJSON(errs)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE steps SET errors = ?, status = ?, execution_time = COALESCE(?, execution_time) WHERE step_id = ?`,
			data, string(status), execTime, rec.StepID,
		); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO error_tracking (step_id, error_type, error_message, context, timestamp)
			 VALUES (?, ?, ?, ?, ?)`,
			rec.StepID, rec.ErrorType, rec.Message, errCtx, formatTime(rec.Timestamp),
		)
		return err
	})
}

// ListStepErrors returns the error_tracking rows for a step, oldest first.
func (d *DB) ListStepErrors(ctx context.Context, stepID string) ([]evolution.ErrorRecord, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT step_id, error_type, error_message, context, timestamp
		 FROM error_tracking WHERE step_id = ? ORDER BY error_id`, stepID,
	)
	if err != nil {
		return nil, storageErr("list step errors", err)
	}
	defer rows.Close() //nolint:errcheck

	out := []evolution.ErrorRecord{}
	for rows.Next() {
		var (
			r      evolution.ErrorRecord
			rawCtx string
			ts     string
		)
		if err := rows.Scan(&r.StepID, &r.ErrorType, &r.Message, &rawCtx, &ts); err != nil {
			return nil, storageErr("scan step error", err)
		}
		if err := json.Unmarshal([]byte(rawCtx), &r.Context); err != nil {
			return nil, storageErr("decode error context", err)
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, storageErr("scan step error", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list step errors", err)
	}
	return out, nil
}

// CompleteStep writes the terminal state of a step.
func (d *DB) CompleteStep(ctx context.Context, stepID string, c StepCompletion) error {
	result, err := marshalResult(c.Result)
	if err != nil {
		return storageErr("complete step", err)
	}
	var stepCtx any
	if c.Context != nil {
		s, err := marshalJSON(c.Context)
		if err != nil {
			return storageErr("complete step", err)
		}
		stepCtx = s
	}
	status := c.Status
	if status == "" {
		status = evolution.StepCompleted
	}
	return d.withTx(ctx, "complete step", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE steps SET status = ?, end_time = ?, execution_time = ?, result = ?, context = COALESCE(?, context)
			 WHERE step_id = ?`,
			string(status), formatTime(c.EndTime), c.ExecutionTime, result, stepCtx, stepID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", evolution.ErrStepNotFound, stepID)
		}
		return nil
	})
}

// ListMetricSamples returns the samples recorded for a step, oldest first.
func (d *DB) ListMetricSamples(ctx context.Context, stepID string) ([]MetricSample, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT metric_id, session_id, step_id, metric_name, metric_value, timestamp
		 FROM performance_metrics WHERE step_id = ? ORDER BY metric_id`, stepID,
	)
	if err != nil {
		return nil, storageErr("list metric samples", err)
	}
	defer rows.Close() //nolint:errcheck

	out := []MetricSample{}
	for rows.Next() {
		var (
			m  MetricSample
			ts string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.StepID, &m.Name, &m.Value, &ts); err != nil {
			return nil, storageErr("scan metric sample", err)
		}
		if m.Timestamp, err = parseTime(ts); err != nil {
			return nil, storageErr("scan metric sample", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list metric samples", err)
	}
	return out, nil
}

// --- Decision Methods ---

// StoreDecision inserts a decision node. A node with an empty ParentID is
// the root of its session's tree.
func (d *DB) StoreDecision(ctx context.Context, r *DecisionRecord) error {
	nodeCtx, err := marshalJSON(nonNilMap(r.Context))
	if err != nil {
		return storageErr("store decision", err)
	}
	metrics, err := marshalJSON(finiteMetrics(r.Metrics))
	if err != nil {
		return storageErr("store decision", err)
	}
	outcome, err := marshalOutcome(r.Outcome)
	if err != nil {
		return storageErr("store decision", err)
	}
	return d.withTx(ctx, "store decision", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO decision_nodes (node_id, session_id, step_id, parent_node_id, decision_type, context, outcome, metrics, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.SessionID, nullString(r.StepID), nullString(r.ParentID), r.DecisionType,
			nodeCtx, outcome, metrics, formatTime(r.Timestamp),
		)
		return err
	})
}

// SetDecisionOutcome records the resolved outcome and metrics of a node.
func (d *DB) SetDecisionOutcome(ctx context.Context, nodeID string, outcome any, metrics map[string]float64) error {
	out, err := marshalOutcome(outcome)
	if err != nil {
		return storageErr("set decision outcome", err)
	}
	m, err := marshalJSON(finiteMetrics(metrics))
	if err != nil {
		return storageErr("set decision outcome", err)
	}
	return d.withTx(ctx, "set decision outcome", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE decision_nodes SET outcome = ?, metrics = ? WHERE node_id = ?`, out, m, nodeID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", evolution.ErrDecisionNotFound, nodeID)
		}
		return nil
	})
}

// ListDecisions returns a session's decision nodes in insertion order.
func (d *DB) ListDecisions(ctx context.Context, sessionID string) ([]DecisionRecord, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT node_id, session_id, step_id, parent_node_id, decision_type, context, outcome, metrics, timestamp
		 FROM decision_nodes WHERE session_id = ? ORDER BY timestamp, rowid`, sessionID,
	)
	if err != nil {
		return nil, storageErr("list decisions", err)
	}
	defer rows.Close() //nolint:errcheck

	out := []DecisionRecord{}
	for rows.Next() {
		var (
			r                DecisionRecord
			stepID, parentID sql.NullString
			rawCtx, rawM, ts string
			rawOutcome       sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &stepID, &parentID, &r.DecisionType, &rawCtx, &rawOutcome, &rawM, &ts); err != nil {
			return nil, storageErr("scan decision", err)
		}
		r.StepID, r.ParentID = stepID.String, parentID.String
		if err := json.Unmarshal([]byte(rawCtx), &r.Context); err != nil {
			return nil, storageErr("decode decision context", err)
		}
		if err := json.Unmarshal([]byte(rawM), &r.Metrics); err != nil {
			return nil, storageErr("decode decision metrics", err)
		}
		if rawOutcome.Valid {
			if err := json.Unmarshal([]byte(rawOutcome.String), &r.Outcome); err != nil {
				return nil, storageErr("decode decision outcome", err)
			}
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, storageErr("scan decision", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list decisions", err)
	}
	return out, nil
}

// --- Learning Methods ---

// StoreLearningRecord inserts a learning record and returns its ID.
func (d *DB) StoreLearningRecord(ctx context.Context, r *LearningRecord) (int64, error) {
	lctx, err := marshalJSON(r.Context)
	if err != nil {
		return 0, storageErr("store learning record", err)
	}
	result, err := marshalResult(r.Result)
	if err != nil {
		return 0, storageErr("store learning record", err)
	}
	var id int64
	err = d.withTx(ctx, "store learning record", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO learning_data (step_id, context, result, success_score, timestamp)
			 VALUES (?, ?, ?, ?, ?)`,
			r.StepID, lctx, result, r.SuccessScore, formatTime(r.Timestamp),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// GetStepHistory returns steps joined with their latest learning record,
// newest first. Steps without a learning record are scored from their
// stored result.
func (d *DB) GetStepHistory(ctx context.Context, f HistoryFilter) ([]evolution.HistoryEntry, error) {
	query := `SELECT s.step_id, s.session_id, s.step_type, s.file_path, s.prompt, s.context,
		s.start_time, s.end_time, s.execution_time, s.status, s.result, s.metrics, s.errors, l.success_score
		FROM steps s
		LEFT JOIN learning_data l ON l.learning_id = (
			SELECT MAX(learning_id) FROM learning_data WHERE step_id = s.step_id)
		WHERE 1=1`
	var args []any
	if f.FilePath != "" {
		query += ` AND s.file_path = ?`
		args = append(args, f.FilePath)
	}
	if f.SessionID != "" {
		query += ` AND s.session_id = ?`
		args = append(args, f.SessionID)
	}
	limit := f.Limit
	if limit == 0 {
		limit = DefaultHistoryLimit
	}
	query += ` ORDER BY s.start_time DESC, s.rowid DESC LIMIT ?`
	args = append(args, sqlLimit(limit))

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("get step history", err)
	}
	defer rows.Close() //nolint:errcheck

	entries := []evolution.HistoryEntry{}
	for rows.Next() {
		e, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, storageErr("scan step history", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("get step history", err)
	}
	return entries, nil
}

func scanHistoryEntry(sc scanner) (evolution.HistoryEntry, error) {
	var (
		e                      evolution.HistoryEntry
		filePath, prompt       sql.NullString
		rawCtx, start, status  string
		rawMetrics, rawErrs    string
		end, rawResult         sql.NullString
		execTime, learnedScore sql.NullFloat64
	)
	if err := sc.Scan(&e.StepID, &e.SessionID, &e.StepType, &filePath, &prompt, &rawCtx,
		&start, &end, &execTime, &status, &rawResult, &rawMetrics, &rawErrs, &learnedScore); err != nil {
		return e, err
	}
	e.FilePath, e.Prompt = filePath.String, prompt.String
	e.Status = evolution.StepStatus(status)
	e.ExecutionTime = execTime.Float64
	if err := json.Unmarshal([]byte(rawCtx), &e.Context); err != nil {
		return e, fmt.Errorf("decode context: %w", err)
	}
	if err := json.Unmarshal([]byte(rawMetrics), &e.Metrics); err != nil {
		return e, fmt.Errorf("decode metrics: %w", err)
	}
	if err := json.Unmarshal([]byte(rawErrs), &e.Errors); err != nil {
		return e, fmt.Errorf("decode errors: %w", err)
	}
	if rawResult.Valid {
		e.Result = &evolution.Result{}
		if err := json.Unmarshal([]byte(rawResult.String), e.Result); err != nil {
			return e, fmt.Errorf("decode result: %w", err)
		}
	}
	var err error
	if e.StartTime, err = parseTime(start); err != nil {
		return e, err
	}
	if e.EndTime, err = parseTimeNull(end); err != nil {
		return e, err
	}
	if learnedScore.Valid {
		e.SuccessScore = learnedScore.Float64
	} else {
		e.SuccessScore = evolution.SuccessScore(e.Result)
	}
	e.Success = evolution.DeriveSuccess(e.Status, len(e.Errors), e.SuccessScore)
	return e, nil
}

func marshalResult(r *evolution.Result) (any, error) {
	if r == nil {
		return nil, nil
	}
	return marshalJSON(r)
}

func marshalOutcome(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return marshalJSON(v)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
