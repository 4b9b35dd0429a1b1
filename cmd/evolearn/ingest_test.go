package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joestump/evolve-learn/internal/db"
	"github.com/joestump/evolve-learn/internal/evolution"
	"github.com/joestump/evolve-learn/internal/hub"
	"github.com/joestump/evolve-learn/internal/learning"
	"github.com/joestump/evolve-learn/internal/monitor"
	"github.com/joestump/evolve-learn/internal/session"
)

type fakeLearner struct {
	mu       sync.Mutex
	entries  []evolution.HistoryEntry
	retrains int
}

func (f *fakeLearner) Learn(_ context.Context, e evolution.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeLearner) MaybeRetrain(context.Context) (learning.RetrainResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrains++
	return learning.RetrainResult{Skipped: true}, nil
}

const ingestLog = `{"step_type":"optimize","file_path":"a.go","prompt":"optimize loop","context":{"complexity_metrics":{"cyclomatic_complexity":4,"lines_of_code":120,"function_count":6}},"result":{"success":true,"evolution_metrics":{"performance_improvement":0.4,"maintainability_score":0.2,"complexity_improvement":0.1}},"metrics":{"tokens":512},"execution_time":2.5}

{"step_type":"refactor","file_path":"a.go","prompt":"split function","error":"compile failed","execution_time":1}
{"step_type":"refactor","file_path":"b.go","prompt":"rename","cancelled":"user abort"}
`

func newIngestFixture(t *testing.T) (*session.Tracker, *hub.Hub, *monitor.Monitor) {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	h := hub.New()
	mon, err := monitor.New(nil)
	require.NoError(t, err)
	return session.NewTracker(d, session.WithPublisher(h)), h, mon
}

func TestReplay(t *testing.T) {
	tracker, h, mon := newIngestFixture(t)
	l := &fakeLearner{}

	res, err := replay(context.Background(), strings.NewReader(ingestLog), tracker, h, mon, l, []string{"a.go", "b.go"}, slog.Default())
	require.NoError(t, err)

	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Cancelled)
	assert.Equal(t, 3, res.Summary.TotalSteps)
	assert.Equal(t, 1, res.Summary.SuccessfulSteps)

	require.Len(t, l.entries, 3)
	assert.Equal(t, evolution.StepCompleted, l.entries[0].Status)
	assert.True(t, l.entries[0].Success)
	assert.Equal(t, evolution.StepError, l.entries[1].Status)
	assert.Equal(t, evolution.StepCancelled, l.entries[2].Status)
	assert.Equal(t, 1, l.retrains)

	st := mon.Stats()
	assert.Equal(t, 3, st.Observed)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 1, st.Cancelled)

	_, err = tracker.Steps(res.SessionID)
	require.ErrorIs(t, err, evolution.ErrSessionNotFound)
}

func TestReplay_BadLine(t *testing.T) {
	tracker, h, mon := newIngestFixture(t)

	_, err := replay(context.Background(), strings.NewReader("{not json}\n"), tracker, h, mon, &fakeLearner{}, nil, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestReplay_RecordWithoutOutcome(t *testing.T) {
	tracker, h, mon := newIngestFixture(t)

	_, err := replay(context.Background(), strings.NewReader(`{"step_type":"optimize"}`+"\n"), tracker, h, mon, &fakeLearner{}, nil, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no result")
}
