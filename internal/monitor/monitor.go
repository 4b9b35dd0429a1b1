package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joestump/evolve-learn/internal/evolution"
	"github.com/joestump/evolve-learn/internal/hub"
)

const namespace = "evolearn"

// Collector metric names fed by Observe.
const (
	MetricExecutionTime = "execution_time"
	MetricSuccessScore  = "success_score"
	MetricImprovement   = "performance_improvement"
)

// Stats are the monitor's counters since the last reset.
type Stats struct {
	Observed  int                    `json:"observed"`
	Completed int                    `json:"completed"`
	Failed    int                    `json:"failed"`
	Cancelled int                    `json:"cancelled"`
	Succeeded int                    `json:"succeeded"`
	Metrics   map[string]MetricStats `json:"metrics"`
}

// Monitor observes finished steps. It feeds a MetricCollector and the
// Prometheus instruments registered on its registerer.
type Monitor struct {
	collector *MetricCollector
	analyzer  *Analyzer
	logger    *slog.Logger

	stepDuration *prometheus.HistogramVec
	stepsTotal   *prometheus.CounterVec
	successScore *prometheus.HistogramVec
	lastScore    *prometheus.GaugeVec

	mu    sync.Mutex
	stats Stats
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithWindow sets the collector window size.
func WithWindow(n int) Option { return func(m *Monitor) { m.collector = NewMetricCollector(n) } }

// WithThresholds sets the analyzer thresholds.
func WithThresholds(th Thresholds) Option { return func(m *Monitor) { m.analyzer = NewAnalyzer(th) } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.logger = l } }

// New creates a Monitor and registers its instruments on reg. A nil reg
// uses a private registry.
func New(reg prometheus.Registerer, opts ...Option) (*Monitor, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Monitor{
		collector: NewMetricCollector(DefaultWindow),
		analyzer:  NewAnalyzer(DefaultThresholds()),
		logger:    slog.Default(),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Execution time of finished evolution steps.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 15, 30, 60, 120, 300},
		}, []string{"step_type"}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Finished evolution steps by type, status and derived success.",
		}, []string{"step_type", "status", "success"}),
		successScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_success_score",
			Help:      "Success score of finished evolution steps.",
			Buckets:   prometheus.LinearBuckets(-1, 0.25, 9),
		}, []string{"step_type"}),
		lastScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "step_type_last_success_score",
			Help:      "Success score of the most recent finished step of each type.",
		}, []string{"step_type"}),
		stats: Stats{Metrics: map[string]MetricStats{}},
	}
	for _, o := range opts {
		o(m)
	}
	for _, c := range []prometheus.Collector{m.stepDuration, m.stepsTotal, m.successScore, m.lastScore} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register monitor metrics: %w", err)
		}
	}
	return m, nil
}

// Collector returns the sliding-window collector.
func (m *Monitor) Collector() *MetricCollector { return m.collector }

// Analyzer returns the session analyzer.
func (m *Monitor) Analyzer() *Analyzer { return m.analyzer }

// Observe records a finished step. Running steps are ignored.
func (m *Monitor) Observe(e evolution.HistoryEntry) {
	if e.Status == evolution.StepRunning {
		return
	}
	ts := e.StartTime
	if e.EndTime != nil {
		ts = *e.EndTime
	}
	m.collector.Record(MetricExecutionTime, e.ExecutionTime, ts)
	m.collector.Record(MetricSuccessScore, e.SuccessScore, ts)
	if e.Result != nil && e.Result.EvolutionMetrics != nil {
		m.collector.Record(MetricImprovement, e.Result.PerformanceImprovement(), ts)
	}
	for name, v := range e.Metrics {
		m.collector.Record(name, v, ts)
	}

	m.stepDuration.WithLabelValues(e.StepType).Observe(e.ExecutionTime)
	m.stepsTotal.WithLabelValues(e.StepType, string(e.Status), fmt.Sprint(e.Success)).Inc()
	m.successScore.WithLabelValues(e.StepType).Observe(e.SuccessScore)
	m.lastScore.WithLabelValues(e.StepType).Set(e.SuccessScore)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Observed++
	switch e.Status {
	case evolution.StepCompleted:
		m.stats.Completed++
	case evolution.StepError:
		m.stats.Failed++
	case evolution.StepCancelled:
		m.stats.Cancelled++
	}
	if e.Success {
		m.stats.Succeeded++
	}
}

// Run observes terminal step events until ctx is done or events closes.
func (m *Monitor) Run(ctx context.Context, events <-chan hub.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case hub.StepCompleted, hub.StepFailed, hub.StepCancelled:
				if ev.Entry != nil {
					m.Observe(*ev.Entry)
				}
			}
		}
	}
}

// Stats returns the counters and per-metric window statistics.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	out := m.stats
	m.mu.Unlock()
	out.Metrics = map[string]MetricStats{}
	for _, name := range m.collector.Names() {
		out.Metrics[name] = m.collector.Stats(name)
	}
	return out
}

// ResetStats returns the monitor to its zero baseline. Calling it twice is
// the same as calling it once.
func (m *Monitor) ResetStats() {
	m.collector.Reset()
	m.stepDuration.Reset()
	m.stepsTotal.Reset()
	m.successScore.Reset()
	m.lastScore.Reset()
	m.mu.Lock()
	m.stats = Stats{Metrics: map[string]MetricStats{}}
	m.mu.Unlock()
	m.logger.Debug("monitor stats reset")
}
