package evolution

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a caller passes an unknown session ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStepNotFound is returned when a caller passes an unknown step ID.
	ErrStepNotFound = errors.New("step not found")
	// ErrDecisionNotFound is returned when a stored decision node does not exist.
	ErrDecisionNotFound = errors.New("decision not found")
	// ErrStepClosed is returned when a step no longer accepts the requested mutation.
	ErrStepClosed = errors.New("step closed")
	// ErrSessionEnded is returned when a session is ended twice or used after it ended.
	ErrSessionEnded = errors.New("session ended")

	errNotFinite           = errors.New("value is not finite")
	errNotFiniteOrNegative = errors.New("value is not finite or is negative")
	errEmptyPattern        = errors.New("empty pattern name")
)

// FeatureExtractionError reports a malformed context or result. Recording
// of the step continues; the error is attached to the step's error list.
type FeatureExtractionError struct {
	StepID string
	Field  string
	Err    error
}

func (e *FeatureExtractionError) Error() string {
	if e.StepID == "" {
		return fmt.Sprintf("feature extraction: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("feature extraction: step %s: %s: %v", e.StepID, e.Field, e.Err)
}

func (e *FeatureExtractionError) Unwrap() error { return e.Err }
