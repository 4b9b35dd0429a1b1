package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joestump/evolve-learn/internal/evolution"
	"github.com/joestump/evolve-learn/internal/hub"
	"github.com/joestump/evolve-learn/internal/learning"
	"github.com/joestump/evolve-learn/internal/monitor"
	"github.com/joestump/evolve-learn/internal/session"
)

// stepRecord is one line of an ingest log: a finished step as reported by
// an evolution engine. Exactly one of Result, Error and Cancelled is
// expected.
type stepRecord struct {
	StepType      string                `json:"step_type"`
	FilePath      string                `json:"file_path"`
	Prompt        string                `json:"prompt"`
	Context       evolution.StepContext `json:"context"`
	Result        *evolution.Result     `json:"result,omitempty"`
	Metrics       map[string]float64    `json:"metrics,omitempty"`
	Error         string                `json:"error,omitempty"`
	Cancelled     string                `json:"cancelled,omitempty"`
	ExecutionTime float64               `json:"execution_time"`
}

// ingestResult counts what a replay produced.
type ingestResult struct {
	SessionID string
	Steps     int
	Completed int
	Failed    int
	Cancelled int
	Summary   session.Summary
}

// learner is the part of the learning system a replay feeds.
type learner interface {
	Learn(ctx context.Context, entry evolution.HistoryEntry) error
	MaybeRetrain(ctx context.Context) (learning.RetrainResult, error)
}

// replay runs every record in r through the tracker as a single session and
// hands each finished step to the learner. Lifecycle events reach mon via
// the hub. The session's in-memory state is released on return.
func replay(ctx context.Context, r io.Reader, tracker *session.Tracker, h *hub.Hub, mon *monitor.Monitor, l learner, targets []string, logger *slog.Logger) (ingestResult, error) {
	var res ingestResult

	events, unsubscribe := h.SubscribeAll()
	done := make(chan struct{})
	go func() {
		defer close(done)
		mon.Run(ctx, events)
	}()
	defer func() {
		unsubscribe()
		<-done
	}()

	sessionID, err := tracker.StartSession(ctx, session.SessionConfig{TargetFiles: targets})
	if err != nil {
		return res, fmt.Errorf("start session: %w", err)
	}
	res.SessionID = sessionID
	defer tracker.Forget(sessionID)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec stepRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return res, fmt.Errorf("line %d: %w", line, err)
		}
		entry, err := replayStep(ctx, tracker, sessionID, rec)
		if err != nil {
			return res, fmt.Errorf("line %d: %w", line, err)
		}
		res.Steps++
		switch entry.Status {
		case evolution.StepCompleted:
			res.Completed++
		case evolution.StepCancelled:
			res.Cancelled++
		default:
			res.Failed++
		}
		if err := l.Learn(ctx, entry); err != nil {
			logger.Warn("learn from step", "step_id", entry.StepID, "error", err)
		}
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("read steps: %w", err)
	}

	if res.Summary, err = tracker.EndSession(ctx, sessionID); err != nil {
		return res, fmt.Errorf("end session: %w", err)
	}
	if _, err := l.MaybeRetrain(ctx); err != nil {
		logger.Warn("retrain after ingest", "error", err)
	}
	return res, nil
}

func replayStep(ctx context.Context, tracker *session.Tracker, sessionID string, rec stepRecord) (evolution.HistoryEntry, error) {
	stepID, err := tracker.StartStep(ctx, sessionID, session.StepSpec{
		StepType: rec.StepType,
		FilePath: rec.FilePath,
		Prompt:   rec.Prompt,
		Context:  rec.Context,
	})
	if err != nil {
		return evolution.HistoryEntry{}, err
	}
	if len(rec.Metrics) > 0 {
		if err := tracker.RecordMetrics(ctx, stepID, rec.Metrics); err != nil {
			return evolution.HistoryEntry{}, err
		}
	}

	execTime := time.Duration(rec.ExecutionTime * float64(time.Second))
	switch {
	case rec.Cancelled != "":
		err = tracker.CancelStep(ctx, stepID, rec.Cancelled)
	case rec.Error != "":
		err = tracker.RecordError(ctx, stepID, rec.Error, execTime)
	case rec.Result != nil:
		return tracker.CompleteStep(ctx, stepID, rec.Result, execTime)
	default:
		err = errors.New("record has no result, error or cancellation")
	}
	if err != nil {
		return evolution.HistoryEntry{}, err
	}
	step, err := tracker.Step(stepID)
	if err != nil {
		return evolution.HistoryEntry{}, err
	}
	return step.Entry(), nil
}

func (a *app) ingestCmd() *cobra.Command {
	var (
		path    string
		targets []string
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Replay a JSON-lines step log as a tracked session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			e, err := a.open(ctx, os.Stderr)
			if err != nil {
				return err
			}
			defer e.Close()

			in := io.Reader(os.Stdin)
			if path != "" && path != "-" {
				fh, err := os.Open(path)
				if err != nil {
					return err
				}
				defer fh.Close() //nolint:errcheck
				in = fh
			}

			h := hub.New()
			tracker := session.NewTracker(e.db,
				session.WithPublisher(h),
				session.WithRedactor(e.redactor),
				session.WithLogger(e.logger),
			)
			res, err := replay(ctx, in, tracker, h, e.monitor, e.system, targets, e.logger)
			if err != nil {
				return err
			}

			fmt.Printf("Session %s\n", res.SessionID)
			fmt.Printf("  Steps: %d (completed %d, failed %d, cancelled %d)\n",
				res.Steps, res.Completed, res.Failed, res.Cancelled)
			fmt.Printf("  Successful: %d\n", res.Summary.SuccessfulSteps)
			fmt.Printf("  Duration: %.1fs\n", res.Summary.DurationSeconds)
			st := e.monitor.Stats()
			fmt.Printf("  Observed by monitor: %d\n", st.Observed)
			if h.Dropped() > 0 {
				fmt.Printf("  Dropped events: %d\n", h.Dropped())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", "-", "JSON-lines step log (- for stdin)")
	cmd.Flags().StringSliceVar(&targets, "target", nil, "target file of the session (repeatable)")
	return cmd
}
