// Package monitor collects step metrics in sliding windows, analyzes
// session performance, and exports Prometheus instruments.
package monitor

import (
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/joestump/evolve-learn/internal/evolution"
)

const (
	// DefaultWindow is the number of samples kept per metric.
	DefaultWindow = 100
	// DefaultTrendWindow is the number of recent samples Trend fits.
	DefaultTrendWindow = 20

	stableSlope    = 0.001
	minTrendPoints = 3
)

// Trend directions.
const (
	TrendStable     = "stable"
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
)

// Sample is one recorded metric value.
type Sample struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricStats summarizes the window of one metric.
type MetricStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
}

// Trend is a linear fit over recent samples. Confidence is the absolute
// Pearson correlation of value against sample index.
type Trend struct {
	Direction  string  `json:"direction"`
	Slope      float64 `json:"slope"`
	Confidence float64 `json:"confidence"`
	Points     int     `json:"points"`
}

// MetricCollector keeps the most recent samples of each metric.
type MetricCollector struct {
	window int

	mu      sync.RWMutex
	samples map[string][]Sample
}

// NewMetricCollector returns a collector holding window samples per metric.
func NewMetricCollector(window int) *MetricCollector {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MetricCollector{window: window, samples: map[string][]Sample{}}
}

// Record appends a sample, evicting the oldest once the window is full.
// A zero timestamp means now. Non-finite values are ignored.
func (c *MetricCollector) Record(name string, value float64, ts time.Time) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := append(c.samples[name], Sample{Value: value, Timestamp: ts})
	if len(s) > c.window {
		s = append(s[:0:0], s[len(s)-c.window:]...)
	}
	c.samples[name] = s
}

// Samples returns a copy of the window of one metric, oldest first.
func (c *MetricCollector) Samples(name string) []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Sample(nil), c.samples[name]...)
}

// Names returns the recorded metric names, sorted.
func (c *MetricCollector) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.samples))
	for k := range c.samples {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Stats summarizes one metric. An unknown metric yields a zero value.
func (c *MetricCollector) Stats(name string) MetricStats {
	return Summarize(c.values(name))
}

// Trend fits the last window samples of a metric; window <= 0 uses
// DefaultTrendWindow.
func (c *MetricCollector) Trend(name string, window int) Trend {
	if window <= 0 {
		window = DefaultTrendWindow
	}
	v := c.values(name)
	if len(v) > window {
		v = v[len(v)-window:]
	}
	return FitTrend(v)
}

// Reset drops every sample.
func (c *MetricCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = map[string][]Sample{}
}

func (c *MetricCollector) values(name string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.samples[name]
	out := make([]float64, len(s))
	for i, x := range s {
		out[i] = x.Value
	}
	return out
}

// Summarize computes descriptive statistics of values. Std is the
// population standard deviation.
func Summarize(values []float64) MetricStats {
	n := len(values)
	if n == 0 {
		return MetricStats{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mean, variance := stat.PopMeanVariance(sorted, nil)
	return MetricStats{
		Count:  n,
		Mean:   mean,
		Median: percentile(sorted, 50),
		Std:    math.Sqrt(variance),
		Min:    sorted[0],
		Max:    sorted[n-1],
		P95:    percentile(sorted, 95),
		P99:    percentile(sorted, 99),
	}
}

// percentile interpolates linearly between closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// FitTrend fits a line to values against their index. Fewer than three
// values yield insufficient_data.
func FitTrend(values []float64) Trend {
	n := len(values)
	if n < minTrendPoints {
		return Trend{Direction: evolution.StatusInsufficientData, Points: n}
	}
	x := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
	}
	_, slope := stat.LinearRegression(x, values, nil, false)
	r := stat.Correlation(x, values, nil)
	if math.IsNaN(r) {
		r = 0
	}
	t := Trend{Slope: slope, Confidence: math.Abs(r), Points: n}
	switch {
	case math.Abs(slope) < stableSlope:
		t.Direction = TrendStable
	case slope > 0:
		t.Direction = TrendIncreasing
	default:
		t.Direction = TrendDecreasing
	}
	return t
}
