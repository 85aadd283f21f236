package threadline

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrInvalidConfig is returned when the engine configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNoArchive is returned when an operation needs an archive store but
	// none is configured
	ErrNoArchive = errors.New("no archive store configured")

	// ErrNoKnowledge is returned when an operation needs a knowledge store
	// but none is configured
	ErrNoKnowledge = errors.New("no knowledge store configured")

	// ErrEngineClosed is returned when using an engine after Close
	ErrEngineClosed = errors.New("engine closed")
)

// EngineError represents an error with additional context
type EngineError struct {
	Op        string         // Operation that failed
	Err       error          // Underlying error
	SessionID string         // Session ID if applicable
	Context   map[string]any // Additional context
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s (session=%s): %v", e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *EngineError) Unwrap() error {
	return e.Err
}

// WithSession attaches the session ID to the error
func (e *EngineError) WithSession(sessionID string) *EngineError {
	e.SessionID = sessionID
	return e
}

// WithContext adds additional context to the error
func (e *EngineError) WithContext(key string, value any) *EngineError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewEngineError creates a new EngineError
func NewEngineError(op string, err error) *EngineError {
	return &EngineError{
		Op:  op,
		Err: err,
	}
}

// WrapError wraps err with the failing operation. A nil err stays nil.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return NewEngineError(op, err)
}
