package recall

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lodestarhq/threadline/logging"
	"github.com/lodestarhq/threadline/store"
)

const (
	// DefaultQueueSize is the archival queue capacity.
	DefaultQueueSize = 256

	// DefaultWorkers is the number of archival workers.
	DefaultWorkers = 2
)

// Job is one pending archival write.
type Job struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// Enqueuer accepts archival jobs. *Archiver implements it.
type Enqueuer interface {
	Enqueue(job Job) error
}

// Archiver persists trimmed conversation segments in the background over a
// bounded queue. Enqueue never blocks: when the queue is saturated the job
// is dropped and the turn proceeds without it.
type Archiver struct {
	archive store.Archive
	queue   chan Job
	group   *errgroup.Group
	cancel  context.CancelFunc
	logger  logging.Logger

	mu     sync.RWMutex
	closed bool
}

// NewArchiver starts workers draining the queue. Non-positive queueSize or
// workers fall back to the defaults.
func NewArchiver(archive store.Archive, queueSize, workers int, logger logging.Logger) *Archiver {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = logging.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	a := &Archiver{
		archive: archive,
		queue:   make(chan Job, queueSize),
		group:   group,
		cancel:  cancel,
		logger:  logger,
	}
	for i := 0; i < workers; i++ {
		group.Go(func() error {
			a.run(ctx)
			return nil
		})
	}
	return a
}

// Enqueue queues a segment for archival without blocking. Returns
// ErrQueueFull when the queue is saturated and ErrArchiverClosed after
// Close.
func (a *Archiver) Enqueue(job Job) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrArchiverClosed
	}
	select {
	case a.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting work, drains the remaining queue, and waits for
// the workers to finish.
func (a *Archiver) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	err := a.group.Wait()
	a.cancel()
	return err
}

func (a *Archiver) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-a.queue:
			if !ok {
				return
			}
			a.process(ctx, job)
		}
	}
}

// process writes one segment, skipping content the session has already
// archived. Failures are logged and dropped; archival never surfaces into
// a turn.
func (a *Archiver) process(ctx context.Context, job Job) {
	raw := a.archive.Raw(job.SessionID)

	archived, err := raw.IsArchived(ctx, job.Role, job.Content)
	if err != nil {
		a.logger.Warn("archive dedup check failed",
			"session_id", job.SessionID, "error", err)
		return
	}
	if archived {
		return
	}

	if err := raw.AddSegmentLite(ctx, job.Role, job.Content); err != nil {
		a.logger.Warn("failed to archive segment",
			"session_id", job.SessionID, "error", err)
		return
	}
	a.logger.Debug("archived trimmed segment",
		"session_id", job.SessionID, "role", job.Role)
}
