// Package session tracks the lifecycle of evolution sessions and their
// steps, records the decision tree of each session, and persists every
// transition through the store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joestump/evolve-learn/internal/db"
	"github.com/joestump/evolve-learn/internal/decision"
	"github.com/joestump/evolve-learn/internal/evolution"
	"github.com/joestump/evolve-learn/internal/hub"
)

var tracer = otel.Tracer("evolearn.session")

// Store is the persistence the tracker writes through.
type Store interface {
	CreateSession(ctx context.Context, s *db.Session) error
	StoreStep(ctx context.Context, s *db.Step) error
	StoreDecision(ctx context.Context, r *db.DecisionRecord) error
	SetDecisionOutcome(ctx context.Context, nodeID string, outcome any, metrics map[string]float64) error
	UpdateStepMetrics(ctx context.Context, stepID string, metrics map[string]float64) error
	RecordStepError(ctx context.Context, rec *evolution.ErrorRecord, status evolution.StepStatus, execTime *float64) error
	CompleteStep(ctx context.Context, stepID string, c db.StepCompletion) error
	FinalizeSession(ctx context.Context, id string, endTime time.Time, report any) error
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(e hub.Event)
}

// SessionConfig describes a new session.
type SessionConfig struct {
	ID            string // generated when empty
	TargetFiles   []string
	Objectives    map[string]any
	MaxIterations int
}

// StepSpec describes a step being started.
type StepSpec struct {
	StepType string
	FilePath string
	Prompt   string
	Context  evolution.StepContext
}

// DecisionSpec describes a decision recorded within a step. ParentID names
// the node to attach below; when empty the step's latest node is used.
type DecisionSpec struct {
	Type     string
	Context  map[string]any
	Outcome  any
	ParentID string
}

// Step is the in-memory view of a step. Values returned by the tracker are
// copies.
type Step struct {
	ID            string
	SessionID     string
	StepType      string
	FilePath      string
	Prompt        string
	Context       evolution.StepContext
	StartTime     time.Time
	EndTime       *time.Time
	ExecutionTime float64
	Status        evolution.StepStatus
	Result        *evolution.Result
	Metrics       map[string]float64
	Errors        []evolution.ErrorRecord
	Decisions     []string

	node string // latest decision node recorded for this step
}

// Entry converts the step into the history read model.
func (s *Step) Entry() evolution.HistoryEntry {
	score := evolution.SuccessScore(s.Result)
	return evolution.HistoryEntry{
		StepID:        s.ID,
		SessionID:     s.SessionID,
		StepType:      s.StepType,
		FilePath:      s.FilePath,
		Prompt:        s.Prompt,
		Context:       s.Context,
		Result:        s.Result,
		Metrics:       copyMetrics(s.Metrics),
		Errors:        append([]evolution.ErrorRecord(nil), s.Errors...),
		Status:        s.Status,
		StartTime:     s.StartTime,
		EndTime:       s.EndTime,
		ExecutionTime: s.ExecutionTime,
		SuccessScore:  score,
		Success:       evolution.DeriveSuccess(s.Status, len(s.Errors), score),
	}
}

func (s *Step) clone() Step {
	c := *s
	c.Metrics = copyMetrics(s.Metrics)
	c.Errors = append([]evolution.ErrorRecord(nil), s.Errors...)
	c.Decisions = append([]string(nil), s.Decisions...)
	return c
}

// state is the owned context of one session. mu serializes every mutation
// of the session's steps and tree.
type state struct {
	mu        sync.Mutex
	cfg       SessionConfig
	startTime time.Time
	endTime   *time.Time
	steps     map[string]*Step
	order     []string
	tree      *decision.Tree
	cursor    string // latest node in the tree
}

// Tracker drives step lifecycles for any number of concurrent sessions.
type Tracker struct {
	store    Store
	events   Publisher
	redactor *RedactionFilter
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*state
	pending  map[string]struct{} // session IDs being persisted
	steps    map[string]string   // step ID -> session ID
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPublisher routes lifecycle events to p.
func WithPublisher(p Publisher) Option { return func(t *Tracker) { t.events = p } }

// WithRedactor scrubs prompts and error messages before persistence.
func WithRedactor(r *RedactionFilter) Option { return func(t *Tracker) { t.redactor = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(t *Tracker) { t.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// NewTracker returns a tracker writing through store.
func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*state),
		pending:  make(map[string]struct{}),
		steps:    make(map[string]string),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// StartSession persists the session record and then creates the session
// state. The ID is reserved while the record is written, so a concurrent
// start with the same ID fails without blocking other sessions.
func (t *Tracker) StartSession(ctx context.Context, cfg SessionConfig) (string, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	ctx, span := tracer.Start(ctx, "session.StartSession", trace.WithAttributes(attribute.String("session.id", cfg.ID)))
	defer span.End()

	t.mu.Lock()
	_, tracked := t.sessions[cfg.ID]
	_, reserved := t.pending[cfg.ID]
	if tracked || reserved {
		t.mu.Unlock()
		return "", fail(span, fmt.Errorf("start session %s: already tracked", cfg.ID))
	}
	t.pending[cfg.ID] = struct{}{}
	t.mu.Unlock()

	start := t.now().UTC()
	err := t.store.CreateSession(ctx, &db.Session{
		ID:            cfg.ID,
		TargetFiles:   cfg.TargetFiles,
		Objectives:    cfg.Objectives,
		MaxIterations: cfg.MaxIterations,
		StartTime:     start,
		Status:        evolution.SessionActive,
	})

	t.mu.Lock()
	delete(t.pending, cfg.ID)
	if err == nil {
		t.sessions[cfg.ID] = &state{
			cfg:       cfg,
			startTime: start,
			steps:     make(map[string]*Step),
			tree:      decision.New(cfg.ID),
		}
	}
	t.mu.Unlock()
	if err != nil {
		t.logger.Error("persist session failed", "session_id", cfg.ID, "error", err)
		return "", fail(span, err)
	}
	t.logger.Info("session started", "session_id", cfg.ID, "targets", len(cfg.TargetFiles))
	return cfg.ID, nil
}

// StartStep opens a new step in the session and returns its ID. The first
// step of a session becomes the root of the decision tree; later steps
// attach below the session's latest node.
func (t *Tracker) StartStep(ctx context.Context, sessionID string, spec StepSpec) (string, error) {
	ctx, span := tracer.Start(ctx, "session.StartStep", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("step.type", spec.StepType),
	))
	defer span.End()

	st, err := t.session(sessionID)
	if err != nil {
		return "", fail(span, err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.endTime != nil {
		return "", fail(span, fmt.Errorf("%w: %s", evolution.ErrSessionEnded, sessionID))
	}

	ctxErr := spec.Context.Validate()
	if ctxErr != nil {
		spec.Context = spec.Context.Sanitized()
	}

	step := &Step{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StepType:  spec.StepType,
		FilePath:  spec.FilePath,
		Prompt:    t.redactor.Redact(spec.Prompt),
		Context:   spec.Context,
		StartTime: t.now().UTC(),
		Status:    evolution.StepRunning,
		Metrics:   map[string]float64{},
	}
	if err := t.store.StoreStep(ctx, &db.Step{
		ID:        step.ID,
		SessionID: sessionID,
		StepType:  step.StepType,
		FilePath:  step.FilePath,
		Prompt:    step.Prompt,
		Context:   step.Context,
		StartTime: step.StartTime,
		Status:    step.Status,
	}); err != nil {
		t.logger.Error("persist step failed", "session_id", sessionID, "error", err)
		return "", fail(span, err)
	}

	nodeCtx := map[string]any{"step_id": step.ID, "file_path": step.FilePath}
	var node decision.Node
	if st.tree.Root() == "" {
		node, err = st.tree.CreateRoot(step.ID, step.StepType, nodeCtx)
	} else {
		node, err = st.tree.AddDecision(step.ID, step.StepType, nodeCtx, st.cursor)
	}
	if err != nil {
		return "", fail(span, fmt.Errorf("grow decision tree: %w", err))
	}
	if err := t.persistNode(ctx, node); err != nil {
		t.discardNode(st, node.ID)
		return "", fail(span, err)
	}

	st.cursor, step.node = node.ID, node.ID
	st.steps[step.ID] = step
	st.order = append(st.order, step.ID)
	t.mu.Lock()
	t.steps[step.ID] = sessionID
	t.mu.Unlock()
	t.attachFeatureError(ctx, step, ctxErr)

	span.SetAttributes(attribute.String("step.id", step.ID))
	t.publish(hub.Event{Kind: hub.StepStarted, SessionID: sessionID, StepID: step.ID})
	return step.ID, nil
}

// RecordDecision adds a decision to the step and to the session tree and
// returns the new node ID, which callers may pass as the next ParentID.
func (t *Tracker) RecordDecision(ctx context.Context, stepID string, spec DecisionSpec) (string, error) {
	ctx, span := tracer.Start(ctx, "session.RecordDecision", trace.WithAttributes(
		attribute.String("step.id", stepID),
		attribute.String("decision.type", spec.Type),
	))
	defer span.End()

	st, step, err := t.lockStep(stepID)
	if err != nil {
		return "", fail(span, err)
	}
	defer st.mu.Unlock()
	if !step.Status.Open() {
		return "", fail(span, fmt.Errorf("%w: %s is %s", evolution.ErrStepClosed, stepID, step.Status))
	}

	parent := spec.ParentID
	if parent == "" {
		parent = step.node
	}
	node, err := st.tree.AddDecision(stepID, spec.Type, spec.Context, parent)
	if err != nil {
		return "", fail(span, fmt.Errorf("add decision: %w", err))
	}
	if spec.Outcome != nil {
		if err := st.tree.SetOutcome(node.ID, spec.Outcome, nil); err != nil {
			t.discardNode(st, node.ID)
			return "", fail(span, err)
		}
		node, _ = st.tree.Node(node.ID)
	}
	if err := t.persistNode(ctx, node); err != nil {
		t.discardNode(st, node.ID)
		return "", fail(span, err)
	}
	st.cursor, step.node = node.ID, node.ID
	step.Decisions = append(step.Decisions, node.ID)
	return node.ID, nil
}

// RecordMetrics merges metrics into the step; the latest value per name wins.
func (t *Tracker) RecordMetrics(ctx context.Context, stepID string, metrics map[string]float64) error {
	ctx, span := tracer.Start(ctx, "session.RecordMetrics", trace.WithAttributes(attribute.String("step.id", stepID)))
	defer span.End()

	st, step, err := t.lockStep(stepID)
	if err != nil {
		return fail(span, err)
	}
	defer st.mu.Unlock()
	if !step.Status.Open() {
		return fail(span, fmt.Errorf("%w: %s is %s", evolution.ErrStepClosed, stepID, step.Status))
	}

	if err := t.store.UpdateStepMetrics(ctx, stepID, metrics); err != nil {
		t.logger.Error("persist metrics failed", "step_id", stepID, "error", err)
		return fail(span, err)
	}
	for k, v := range metrics {
		step.Metrics[k] = v
	}
	return nil
}

// RecordError appends an error record and moves the step to the error
// status. The step still accepts metrics, decisions, and further errors.
// A positive execTime is recorded as the step's execution time.
func (t *Tracker) RecordError(ctx context.Context, stepID, message string, execTime time.Duration) error {
	ctx, span := tracer.Start(ctx, "session.RecordError", trace.WithAttributes(attribute.String("step.id", stepID)))
	defer span.End()
	return fail(span, t.recordFailure(ctx, stepID, evolution.ErrorTypeExecution, message, evolution.StepError, execTime, hub.StepFailed))
}

// CancelStep records an external cancellation. It has the side effects of
// RecordError and leaves the step in the cancelled status.
func (t *Tracker) CancelStep(ctx context.Context, stepID, reason string) error {
	ctx, span := tracer.Start(ctx, "session.CancelStep", trace.WithAttributes(attribute.String("step.id", stepID)))
	defer span.End()
	if reason == "" {
		reason = "cancelled"
	}
	return fail(span, t.recordFailure(ctx, stepID, evolution.ErrorTypeCancelled, reason, evolution.StepCancelled, 0, hub.StepCancelled))
}

func (t *Tracker) recordFailure(ctx context.Context, stepID, errType, message string, status evolution.StepStatus, execTime time.Duration, kind hub.Kind) error {
	st, step, err := t.lockStep(stepID)
	if err != nil {
		return err
	}
	defer st.mu.Unlock()
	if !step.Status.Open() {
		return fmt.Errorf("%w: %s is %s", evolution.ErrStepClosed, stepID, step.Status)
	}

	now := t.now().UTC()
	rec := evolution.ErrorRecord{
		StepID:    stepID,
		ErrorType: errType,
		Message:   t.redactor.Redact(message),
		Context:   map[string]any{"step_type": step.StepType, "file_path": step.FilePath},
		Timestamp: now,
	}
	var exec *float64
	switch {
	case execTime > 0:
		v := execTime.Seconds()
		exec = &v
	case status == evolution.StepCancelled:
		v := now.Sub(step.StartTime).Seconds()
		exec = &v
	}
	if err := t.store.RecordStepError(ctx, &rec, status, exec); err != nil {
		t.logger.Error("persist step error failed", "step_id", stepID, "error", err)
		return err
	}

	step.Errors = append(step.Errors, rec)
	step.Status = status
	if exec != nil {
		step.ExecutionTime = *exec
	}
	if status == evolution.StepCancelled {
		step.EndTime = &now
	}
	entry := step.Entry()
	t.publish(hub.Event{Kind: kind, SessionID: step.SessionID, StepID: stepID, Entry: &entry})
	return nil
}

// CompleteStep closes a running step with its result. A positive execTime
// is used as given; otherwise the elapsed time since the step started is
// recorded. A malformed result is stored sanitized and a feature
// extraction error is appended to the step, so the step cannot count as
// successful.
func (t *Tracker) CompleteStep(ctx context.Context, stepID string, result *evolution.Result, execTime time.Duration) (evolution.HistoryEntry, error) {
	ctx, span := tracer.Start(ctx, "session.CompleteStep", trace.WithAttributes(attribute.String("step.id", stepID)))
	defer span.End()

	st, step, err := t.lockStep(stepID)
	if err != nil {
		return evolution.HistoryEntry{}, fail(span, err)
	}
	defer st.mu.Unlock()
	if step.Status != evolution.StepRunning {
		return evolution.HistoryEntry{}, fail(span, fmt.Errorf("%w: %s is %s", evolution.ErrStepClosed, stepID, step.Status))
	}

	now := t.now().UTC()
	elapsed := execTime.Seconds()
	if execTime <= 0 {
		elapsed = now.Sub(step.StartTime).Seconds()
	}

	var stored *evolution.Result
	var invalid error
	if result != nil {
		r := *result
		if invalid = r.Validate(); invalid != nil {
			r = r.Sanitized()
		}
		stored = &r
	}

	// The step's latest node takes the step outcome unless it already has one.
	var outcome map[string]any
	if node, ok := st.tree.Node(step.node); ok && !node.Resolved() {
		outcome = map[string]any{"success": false, "improvement": 0.0}
		if stored != nil {
			outcome = stored.Outcome()
		}
		if err := t.store.SetDecisionOutcome(ctx, node.ID, outcome, step.Metrics); err != nil {
			t.logger.Error("persist decision outcome failed", "node_id", node.ID, "error", err)
			return evolution.HistoryEntry{}, fail(span, err)
		}
	}

	if err := t.store.CompleteStep(ctx, stepID, db.StepCompletion{
		Status:        evolution.StepCompleted,
		EndTime:       now,
		ExecutionTime: elapsed,
		Result:        stored,
	}); err != nil {
		t.logger.Error("persist step completion failed", "step_id", stepID, "error", err)
		return evolution.HistoryEntry{}, fail(span, err)
	}
	step.Status = evolution.StepCompleted
	step.EndTime = &now
	step.ExecutionTime = elapsed
	step.Result = stored
	if outcome != nil {
		_ = st.tree.SetOutcome(step.node, outcome, step.Metrics)
	}

	t.attachFeatureError(ctx, step, invalid)

	entry := step.Entry()
	span.SetAttributes(attribute.Bool("step.success", entry.Success), attribute.Float64("step.execution_time", elapsed))
	t.publish(hub.Event{Kind: hub.StepCompleted, SessionID: step.SessionID, StepID: stepID, Entry: &entry})
	return entry, nil
}

// Summary is the report stored when a session ends.
type Summary struct {
	SessionID       string                       `json:"session_id"`
	StartTime       time.Time                    `json:"start_time"`
	EndTime         time.Time                    `json:"end_time"`
	DurationSeconds float64                      `json:"duration_seconds"`
	TotalSteps      int                          `json:"total_steps"`
	StepsByStatus   map[evolution.StepStatus]int `json:"steps_by_status"`
	SuccessfulSteps int                          `json:"successful_steps"`
	Decisions       decision.Analysis            `json:"decisions"`
}

// EndSession stamps the end time, finalizes the stored session, and
// returns its summary. State is retained until Forget.
func (t *Tracker) EndSession(ctx context.Context, sessionID string) (Summary, error) {
	ctx, span := tracer.Start(ctx, "session.EndSession", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	st, err := t.session(sessionID)
	if err != nil {
		return Summary{}, fail(span, err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.endTime != nil {
		return Summary{}, fail(span, fmt.Errorf("%w: %s", evolution.ErrSessionEnded, sessionID))
	}

	end := t.now().UTC()
	sum := Summary{
		SessionID:       sessionID,
		StartTime:       st.startTime,
		EndTime:         end,
		DurationSeconds: end.Sub(st.startTime).Seconds(),
		TotalSteps:      len(st.order),
		StepsByStatus:   map[evolution.StepStatus]int{},
		Decisions:       st.tree.Analyze(),
	}
	for _, id := range st.order {
		s := st.steps[id]
		sum.StepsByStatus[s.Status]++
		if s.Entry().Success {
			sum.SuccessfulSteps++
		}
	}
	if err := t.store.FinalizeSession(ctx, sessionID, end, sum); err != nil {
		t.logger.Error("persist session end failed", "session_id", sessionID, "error", err)
		return Summary{}, fail(span, err)
	}
	st.endTime = &end
	t.publish(hub.Event{Kind: hub.SessionEnded, SessionID: sessionID})
	t.logger.Info("session ended", "session_id", sessionID, "steps", sum.TotalSteps, "duration", end.Sub(st.startTime))
	return sum, nil
}

// Forget drops a session's in-memory state.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	st, ok := t.sessions[sessionID]
	delete(t.sessions, sessionID)
	t.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	ids := append([]string(nil), st.order...)
	st.mu.Unlock()

	t.mu.Lock()
	for _, id := range ids {
		delete(t.steps, id)
	}
	t.mu.Unlock()
}

// Step returns a copy of a tracked step.
func (t *Tracker) Step(stepID string) (Step, error) {
	st, step, err := t.lockStep(stepID)
	if err != nil {
		return Step{}, err
	}
	defer st.mu.Unlock()
	return step.clone(), nil
}

// Steps returns copies of the session's steps in start order.
func (t *Tracker) Steps(sessionID string) ([]Step, error) {
	st, err := t.session(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Step, 0, len(st.order))
	for _, id := range st.order {
		out = append(out, st.steps[id].clone())
	}
	return out, nil
}

// Decisions returns the analysis of the session's decision tree.
func (t *Tracker) Decisions(sessionID string) (decision.Analysis, error) {
	st, err := t.session(sessionID)
	if err != nil {
		return decision.Analysis{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.tree.Analyze(), nil
}

// PathToNode returns the root-to-node path in the session's tree.
func (t *Tracker) PathToNode(sessionID, nodeID string) ([]decision.Node, error) {
	st, err := t.session(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.tree.PathToNode(nodeID)
}

func (t *Tracker) session(id string) (*state, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", evolution.ErrSessionNotFound, id)
	}
	return st, nil
}

// lockStep resolves a step and returns it with its session locked.
func (t *Tracker) lockStep(stepID string) (*state, *Step, error) {
	t.mu.RLock()
	sessionID, ok := t.steps[stepID]
	var st *state
	if ok {
		st = t.sessions[sessionID]
	}
	t.mu.RUnlock()
	if st == nil {
		return nil, nil, fmt.Errorf("%w: %s", evolution.ErrStepNotFound, stepID)
	}
	st.mu.Lock()
	step, ok := st.steps[stepID]
	if !ok {
		st.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", evolution.ErrStepNotFound, stepID)
	}
	return st, step, nil
}

// attachFeatureError records a malformed context or result on the step
// without changing its status.
func (t *Tracker) attachFeatureError(ctx context.Context, step *Step, err error) {
	var fe *evolution.FeatureExtractionError
	if !errors.As(err, &fe) {
		return
	}
	fe.StepID = step.ID
	rec := evolution.ErrorRecord{
		StepID:    step.ID,
		ErrorType: evolution.ErrorTypeFeatureExtraction,
		Message:   fe.Error(),
		Context:   map[string]any{"field": fe.Field},
		Timestamp: t.now().UTC(),
	}
	if err := t.store.RecordStepError(ctx, &rec, step.Status, nil); err != nil {
		t.logger.Error("persist feature extraction error failed", "step_id", step.ID, "error", err)
	}
	step.Errors = append(step.Errors, rec)
	t.logger.Warn("malformed step payload", "step_id", step.ID, "field", fe.Field)
}

func (t *Tracker) persistNode(ctx context.Context, n decision.Node) error {
	err := t.store.StoreDecision(ctx, &db.DecisionRecord{
		ID:           n.ID,
		SessionID:    n.SessionID,
		StepID:       n.StepID,
		ParentID:     n.ParentID,
		DecisionType: n.DecisionType,
		Context:      n.Context,
		Outcome:      n.Outcome,
		Metrics:      n.Metrics,
		Timestamp:    n.Timestamp,
	})
	if err != nil {
		t.logger.Error("persist decision failed", "node_id", n.ID, "session_id", n.SessionID, "error", err)
	}
	return err
}

// discardNode undoes a node that never reached the store. Caller holds st.mu.
func (t *Tracker) discardNode(st *state, id string) {
	if err := st.tree.Remove(id); err != nil {
		t.logger.Error("discard decision node failed", "node_id", id, "error", err)
	}
}

func (t *Tracker) publish(e hub.Event) {
	if t.events != nil {
		t.events.Publish(e)
	}
}

func fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func copyMetrics(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
