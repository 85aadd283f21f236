package notify

import "errors"

// Errors returned by the notify package.
var (
	// ErrAlreadyStarted is returned when Start() is called on an already started listener.
	ErrAlreadyStarted = errors.New("listener already started")

	// ErrNotStarted is returned when Stop() is called on a listener that hasn't started.
	ErrNotStarted = errors.New("listener not started")

	// ErrMissingConnInfo is returned when no connection string is configured.
	ErrMissingConnInfo = errors.New("connection string required")
)
