// Package learning ties the store, pattern recognizer, adaptive predictor
// and performance monitor together: it enhances a step's context before it
// runs, learns from its result afterwards, and retrains in the background.
package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/joestump/evolve-learn/internal/adaptive"
	"github.com/joestump/evolve-learn/internal/db"
	"github.com/joestump/evolve-learn/internal/evolution"
	"github.com/joestump/evolve-learn/internal/monitor"
	"github.com/joestump/evolve-learn/internal/patterns"
)

// PatternTypeClusters labels stored cluster analyses.
const PatternTypeClusters = "success_clusters"

// Store is the persistence the learning system reads and writes.
type Store interface {
	GetStepHistory(ctx context.Context, f db.HistoryFilter) ([]evolution.HistoryEntry, error)
	StoreLearningRecord(ctx context.Context, r *db.LearningRecord) (int64, error)
	StorePatternAnalysis(ctx context.Context, p *db.PatternAnalysis) (int64, error)
	GetPerformanceAnalytics(ctx context.Context, sessionID string) (*db.PerformanceAnalytics, error)
	CleanupOlderThan(ctx context.Context, days int) (*db.CleanupResult, error)
}

// Config holds the tunables of the learning loop.
type Config struct {
	HistoryLimit    int    // entries read per EnhanceContext
	SnapshotLimit   int    // entries read per retrain
	RecentWindow    int    // entries used to adapt strategy weights
	TopStrategies   int    // strategies suggested per enhancement
	RetentionDays   int    // completed sessions older than this are purged
	RetrainCheck    string // cron spec for the retrain check
	CleanupSchedule string // cron spec for retention cleanup
	ObserveOnLearn  bool   // feed Learn's entries to the monitor
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:    100,
		SnapshotLimit:   1000,
		RecentWindow:    10,
		TopStrategies:   3,
		RetentionDays:   30,
		RetrainCheck:    "@every 5m",
		CleanupSchedule: "@daily",
	}
}

// StepRequest describes a step about to run.
type StepRequest struct {
	SessionID string                `json:"session_id,omitempty"`
	StepType  string                `json:"step_type"`
	FilePath  string                `json:"file_path"`
	Prompt    string                `json:"prompt"`
	Context   evolution.StepContext `json:"context"`
}

// Enhancement is the advice attached to a step before it runs.
type Enhancement struct {
	Prediction            adaptive.Prediction `json:"prediction"`
	Pattern               *patterns.Cluster   `json:"pattern,omitempty"`
	RecommendedStrategies []string            `json:"recommended_strategies"`
	HistorySize           int                 `json:"history_size"`
	HistoricalSuccessRate float64             `json:"historical_success_rate"`
	Keywords              []string            `json:"keywords,omitempty"`
}

// RetrainResult reports one retrain pass.
type RetrainResult struct {
	Skipped    bool                 `json:"skipped"`
	SampleSize int                  `json:"sample_size"`
	Training   adaptive.TrainResult `json:"training"`
	Patterns   patterns.Analysis    `json:"patterns"`
	AnalysisID int64                `json:"analysis_id,omitempty"`
}

// SessionSummary combines stored aggregates with the analyzer's view of a
// session. Counts are always present; Status and Confidence mark how much
// the analysis can be trusted.
type SessionSummary struct {
	SessionID   string                     `json:"session_id"`
	Analytics   *db.PerformanceAnalytics   `json:"analytics"`
	Performance monitor.SessionPerformance `json:"performance"`
	Status      string                     `json:"status"`
	Confidence  float64                    `json:"confidence"`
}

// Stats counts the work done since the last reset. Model state is not a
// counter; see Algorithm().Trained.
type Stats struct {
	Enhancements   int64     `json:"enhancements"`
	Predictions    int64     `json:"predictions"`
	Learned        int64     `json:"learned"`
	Retrains       int64     `json:"retrains"`
	RetrainsFailed int64     `json:"retrains_failed"`
	Cleanups       int64     `json:"cleanups"`
	LastRetrain    time.Time `json:"last_retrain,omitzero"`
}

type counters struct {
	enhancements   atomic.Int64
	predictions    atomic.Int64
	learned        atomic.Int64
	retrains       atomic.Int64
	retrainsFailed atomic.Int64
	cleanups       atomic.Int64
	lastRetrain    atomic.Int64 // unix nanos
}

// System is the continuous learning orchestrator. It is safe for
// concurrent use.
type System struct {
	store      Store
	recognizer *patterns.Recognizer
	algorithm  *adaptive.Algorithm
	monitor    *monitor.Monitor
	analyzer   *monitor.Analyzer
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	flight singleflight.Group
	stats  counters

	cronMu sync.Mutex
	cron   *cron.Cron
}

// Option configures a System.
type Option func(*System)

// WithRecognizer sets the pattern recognizer.
func WithRecognizer(r *patterns.Recognizer) Option { return func(s *System) { s.recognizer = r } }

// WithAlgorithm sets the adaptive algorithm.
func WithAlgorithm(a *adaptive.Algorithm) Option { return func(s *System) { s.algorithm = a } }

// WithMonitor sets the performance monitor; its analyzer is used for
// session summaries.
func WithMonitor(m *monitor.Monitor) Option { return func(s *System) { s.monitor = m } }

// WithConfig replaces the default configuration.
func WithConfig(c Config) Option { return func(s *System) { s.cfg = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *System) { s.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *System) { s.now = now } }

// New returns a System reading and writing through store.
func New(store Store, opts ...Option) *System {
	s := &System{
		store:  store,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.recognizer == nil {
		s.recognizer = patterns.NewRecognizer(nil, s.logger)
	}
	if s.algorithm == nil {
		s.algorithm = adaptive.New(adaptive.WithLogger(s.logger), adaptive.WithClock(s.now))
	}
	if s.monitor != nil {
		s.analyzer = s.monitor.Analyzer()
	} else {
		s.analyzer = monitor.NewAnalyzer(monitor.DefaultThresholds())
	}
	return s
}

// Algorithm returns the adaptive algorithm.
func (s *System) Algorithm() *adaptive.Algorithm { return s.algorithm }

// Recognizer returns the pattern recognizer.
func (s *System) Recognizer() *patterns.Recognizer { return s.recognizer }

// EnhanceContext reads the recent history of the target file and returns
// a success prediction, the nearest known pattern and the strategies that
// have worked best so far.
func (s *System) EnhanceContext(ctx context.Context, req StepRequest) (Enhancement, error) {
	history, err := s.store.GetStepHistory(ctx, db.HistoryFilter{FilePath: req.FilePath, Limit: s.cfg.HistoryLimit})
	if err != nil {
		return Enhancement{}, fmt.Errorf("enhance context: %w", err)
	}

	candidate := evolution.HistoryEntry{
		SessionID: req.SessionID,
		StepType:  req.StepType,
		FilePath:  req.FilePath,
		Prompt:    req.Prompt,
		Context:   req.Context,
		Status:    evolution.StepRunning,
	}
	input := adaptive.NewInput(req.Context, req.Prompt, history)

	var (
		out     Enhancement
		cluster patterns.Cluster
		matched bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cluster, matched = s.recognizer.Match(candidate)
		return gctx.Err()
	})
	g.Go(func() error {
		out.Prediction = s.algorithm.Predict(input)
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return Enhancement{}, fmt.Errorf("enhance context: %w", err)
	}

	if matched {
		out.Pattern = &cluster
	}
	out.RecommendedStrategies = s.algorithm.TopStrategies(s.cfg.TopStrategies)
	out.HistorySize = len(history)
	out.HistoricalSuccessRate = input.HistoricalSuccessRate
	out.Keywords = patterns.PromptKeywords(req.Prompt)

	s.stats.enhancements.Add(1)
	s.stats.predictions.Add(1)
	return out, nil
}

// Learn stores a learning record for a finished step and adapts the
// strategy weights from the most recent results.
func (s *System) Learn(ctx context.Context, entry evolution.HistoryEntry) error {
	if entry.Status == evolution.StepRunning {
		return fmt.Errorf("learn from step %s: %w", entry.StepID, evolution.ErrStepClosed)
	}
	score := evolution.SuccessScore(entry.Result)
	if _, err := s.store.StoreLearningRecord(ctx, &db.LearningRecord{
		StepID:       entry.StepID,
		Context:      entry.Context,
		Result:       entry.Result,
		SuccessScore: score,
		Timestamp:    s.now(),
	}); err != nil {
		return fmt.Errorf("learn from step %s: %w", entry.StepID, err)
	}

	recent, err := s.store.GetStepHistory(ctx, db.HistoryFilter{Limit: s.cfg.RecentWindow})
	if err != nil {
		return fmt.Errorf("learn from step %s: %w", entry.StepID, err)
	}
	weights := s.algorithm.AdaptStrategyWeights(recent)

	if s.cfg.ObserveOnLearn && s.monitor != nil {
		entry.SuccessScore = score
		s.monitor.Observe(entry)
	}
	s.stats.learned.Add(1)
	s.logger.Debug("learned from step", "step_id", entry.StepID, "success_score", score, "strategies", len(weights))
	return nil
}

// MaybeRetrain retrains when the model is missing or stale. Concurrent
// callers share a single pass.
func (s *System) MaybeRetrain(ctx context.Context) (RetrainResult, error) {
	if !s.algorithm.ShouldRetrain(s.now()) {
		return RetrainResult{Skipped: true}, nil
	}
	return s.Retrain(ctx)
}

// Retrain reads a bounded history snapshot, fits the predictor, reruns
// pattern analysis and stores the resulting PatternAnalysis.
func (s *System) Retrain(ctx context.Context) (RetrainResult, error) {
	v, err, _ := s.flight.Do("retrain", func() (any, error) {
		return s.retrain(ctx)
	})
	if err != nil {
		s.stats.retrainsFailed.Add(1)
		return RetrainResult{}, err
	}
	return v.(RetrainResult), nil
}

func (s *System) retrain(ctx context.Context) (RetrainResult, error) {
	snapshot, err := s.store.GetStepHistory(ctx, db.HistoryFilter{Limit: s.cfg.SnapshotLimit})
	if err != nil {
		return RetrainResult{}, fmt.Errorf("retrain snapshot: %w", err)
	}
	res := RetrainResult{SampleSize: len(snapshot)}
	res.Training = s.algorithm.Train(snapshot)
	res.Patterns = s.recognizer.Analyze(snapshot)
	s.stats.retrains.Add(1)
	s.stats.lastRetrain.Store(s.now().UnixNano())

	// Analyses without clusters are not stored.
	if res.Patterns.Status != evolution.StatusOK {
		s.logger.Debug("retrain finished without patterns",
			"samples", res.SampleSize,
			"training", res.Training.Status,
			"patterns", res.Patterns.Status,
		)
		return res, nil
	}

	data, err := json.Marshal(res.Patterns)
	if err != nil {
		return RetrainResult{}, fmt.Errorf("encode pattern analysis: %w", err)
	}
	var successes int
	for _, e := range snapshot {
		if e.Success {
			successes++
		}
	}
	rate := 0.0
	if len(snapshot) > 0 {
		rate = float64(successes) / float64(len(snapshot))
	}
	res.AnalysisID, err = s.store.StorePatternAnalysis(ctx, &db.PatternAnalysis{
		PatternType: PatternTypeClusters,
		PatternData: data,
		Confidence:  res.Patterns.Confidence,
		Frequency:   len(res.Patterns.Patterns),
		SuccessRate: rate,
		Timestamp:   s.now(),
	})
	if err != nil {
		return RetrainResult{}, fmt.Errorf("store pattern analysis: %w", err)
	}

	s.logger.Info("retrain finished",
		"samples", res.SampleSize,
		"training", res.Training.Status,
		"patterns", res.Patterns.Status,
		"clusters", len(res.Patterns.Patterns),
	)
	return res, nil
}

// Cleanup purges completed sessions past the retention period.
func (s *System) Cleanup(ctx context.Context) (*db.CleanupResult, error) {
	res, err := s.store.CleanupOlderThan(ctx, s.cfg.RetentionDays)
	if err != nil {
		return nil, fmt.Errorf("cleanup: %w", err)
	}
	s.stats.cleanups.Add(1)
	s.logger.Info("retention cleanup", "days", s.cfg.RetentionDays, "sessions", res.Sessions, "steps", res.Steps)
	return res, nil
}

// SessionSummary reports stored aggregates and analyzer output for one
// session.
func (s *System) SessionSummary(ctx context.Context, sessionID string) (SessionSummary, error) {
	analytics, err := s.store.GetPerformanceAnalytics(ctx, sessionID)
	if err != nil {
		return SessionSummary{}, fmt.Errorf("session summary: %w", err)
	}
	history, err := s.store.GetStepHistory(ctx, db.HistoryFilter{SessionID: sessionID, Limit: -1})
	if err != nil {
		return SessionSummary{}, fmt.Errorf("session summary: %w", err)
	}
	sum := SessionSummary{
		SessionID:   sessionID,
		Analytics:   analytics,
		Performance: s.analyzer.AnalyzeSessionPerformance(history),
		Status:      evolution.StatusOK,
		Confidence:  min(1, float64(len(history))/10),
	}
	if sum.Performance.ExecutionTimeTrend.Direction == evolution.StatusInsufficientData {
		sum.Status = evolution.StatusInsufficientData
	}
	return sum, nil
}

// Start schedules the retrain check and retention cleanup. Jobs run with
// ctx until Stop.
func (s *System) Start(ctx context.Context) error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("learning scheduler already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.RetrainCheck, func() {
		if _, err := s.MaybeRetrain(ctx); err != nil {
			s.logger.Error("scheduled retrain failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule retrain %q: %w", s.cfg.RetrainCheck, err)
	}
	if s.cfg.RetentionDays > 0 {
		if _, err := c.AddFunc(s.cfg.CleanupSchedule, func() {
			if _, err := s.Cleanup(ctx); err != nil {
				s.logger.Error("scheduled cleanup failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule cleanup %q: %w", s.cfg.CleanupSchedule, err)
		}
	}
	c.Start()
	s.cron = c
	s.logger.Info("learning scheduler started", "retrain_check", s.cfg.RetrainCheck, "cleanup", s.cfg.CleanupSchedule)
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (s *System) Stop() {
	s.cronMu.Lock()
	c := s.cron
	s.cron = nil
	s.cronMu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("learning scheduler stopped")
}

// Stats returns the counters since the last reset.
func (s *System) Stats() Stats {
	st := Stats{
		Enhancements:   s.stats.enhancements.Load(),
		Predictions:    s.stats.predictions.Load(),
		Learned:        s.stats.learned.Load(),
		Retrains:       s.stats.retrains.Load(),
		RetrainsFailed: s.stats.retrainsFailed.Load(),
		Cleanups:       s.stats.cleanups.Load(),
	}
	if ns := s.stats.lastRetrain.Load(); ns != 0 {
		st.LastRetrain = time.Unix(0, ns).UTC()
	}
	return st
}

// ResetStats zeroes the counters and the monitor's statistics. Resetting
// twice leaves the same baseline as resetting once. The trained model and
// strategy weights are kept.
func (s *System) ResetStats() {
	for _, c := range []*atomic.Int64{
		&s.stats.enhancements, &s.stats.predictions, &s.stats.learned,
		&s.stats.retrains, &s.stats.retrainsFailed, &s.stats.cleanups, &s.stats.lastRetrain,
	} {
		c.Store(0)
	}
	if s.monitor != nil {
		s.monitor.ResetStats()
	}
}
