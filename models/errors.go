package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized   = errors.New("service not initialized")
	ErrInitFailed       = errors.New("service initialization failed")
	ErrShutdown         = errors.New("service shut down")
	ErrValidation       = errors.New("validation failed")
	ErrInvalidBatch     = errors.New("invalid batch")
	ErrInvalidFeedback  = errors.New("invalid feedback batch")
	ErrScoring          = errors.New("scoring failed")
	ErrCacheUnavailable = errors.New("result cache unavailable")
)

// ValidationError describes a malformed input value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ScoringError is returned when the scoring engine fails for a subject.
type ScoringError struct {
	SubjectID string
	Err       error
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("scoring %s: %v", e.SubjectID, e.Err)
}

// Is lets errors.Is match both ErrScoring and the wrapped cause.
func (e *ScoringError) Is(target error) bool { return target == ErrScoring }

func (e *ScoringError) Unwrap() error { return e.Err }
