package scoring

import (
	"errors"
	"fmt"
)

// ErrValidation matches every *ValidationError via errors.Is.
var ErrValidation = errors.New("validation failed")

// ValidationError rejects a transaction before any scoring or side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ModelError is returned when the anomaly model cannot be built or loaded.
type ModelError struct {
	Path string
	Err  error
}

func (e *ModelError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("anomaly model: %v", e.Err)
	}
	return fmt.Sprintf("anomaly model %s: %v", e.Path, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// ProcessingError is the only error type returned by ScoringEngine.Process.
type ProcessingError struct {
	TransactionID string
	Err           error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("failed to process transaction %s: %v", e.TransactionID, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
