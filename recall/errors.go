package recall

import "errors"

// Sentinel errors returned by the recall package.
var (
	// ErrQueueFull indicates the archival queue is saturated and the job
	// was dropped.
	ErrQueueFull = errors.New("archival queue full")

	// ErrArchiverClosed indicates the archiver no longer accepts work.
	ErrArchiverClosed = errors.New("archiver closed")

	// ErrInvalidConfig indicates the injector configuration failed
	// validation.
	ErrInvalidConfig = errors.New("invalid configuration")
)
