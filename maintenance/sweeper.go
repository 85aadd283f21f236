// Package maintenance runs background retention sweeps over a store.
//
// A Sweeper periodically prunes archived segments past retention, retires
// stale knowledge facts, and backfills embeddings for segments archived
// without one. Sweeps are serialized across processes through the store's
// sweep lock, so gateways sharing one database run a single sweep per
// interval between them.
package maintenance

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lodestarhq/threadline/logging"
	"github.com/lodestarhq/threadline/store"
)

// Default sweeper configuration values
const (
	DefaultInterval      = 15 * time.Minute
	DefaultRetention     = 90 * 24 * time.Hour
	DefaultFactRetention = 180 * 24 * time.Hour
	DefaultBackfillBatch = 64
	DefaultLockTTL       = 30 * time.Minute
)

// Config holds configuration for the sweeper.
type Config struct {
	// Interval is how often to run a sweep.
	// Default: 15 minutes
	Interval time.Duration

	// Retention is how long archived segments are kept. Zero or negative
	// disables segment pruning.
	Retention time.Duration

	// FactRetention is how long knowledge facts stay active. Zero or
	// negative disables fact deactivation.
	FactRetention time.Duration

	// BackfillBatchSize is how many lite segments get embedded per sweep.
	// Default: 64
	BackfillBatchSize int

	// Holder identifies this process in the sweep lock. Defaults to a
	// random UUID.
	Holder string

	// LockTTL is how long the sweep lock is held before other holders may
	// steal it. A sweep must finish inside this window.
	// Default: 30 minutes
	LockTTL time.Duration

	// OnSweep is called after every sweep attempt, including skipped ones.
	OnSweep func(result *Result)

	// OnError is called for each error a sweep collected.
	OnError func(err error)

	// Logger receives sweep diagnostics. Defaults to a no-op logger.
	Logger logging.Logger
}

// DefaultConfig returns the default sweeper configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:          DefaultInterval,
		Retention:         DefaultRetention,
		FactRetention:     DefaultFactRetention,
		BackfillBatchSize: DefaultBackfillBatch,
		LockTTL:           DefaultLockTTL,
	}
}

// Result holds the results of one sweep.
type Result struct {
	// SegmentsPruned is the number of archived segments deleted.
	SegmentsPruned int

	// FactsDeactivated is the number of knowledge facts retired.
	FactsDeactivated int

	// EmbeddingsBackfilled is the number of lite segments embedded.
	EmbeddingsBackfilled int

	// Skipped is true when another holder owned the sweep lock.
	Skipped bool

	// Errors contains any errors that occurred during the sweep.
	Errors []error
}

// Sweeper performs periodic retention maintenance against a store.
type Sweeper struct {
	maintainer store.Maintainer
	config     *Config
	logger     logging.Logger
	now        func() time.Time

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// New creates a sweeper. A nil config uses DefaultConfig.
func New(maintainer store.Maintainer, config *Config) *Sweeper {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BackfillBatchSize <= 0 {
		cfg.BackfillBatchSize = DefaultBackfillBatch
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.Holder == "" {
		cfg.Holder = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &Sweeper{
		maintainer: maintainer,
		config:     &cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Start begins the sweep loop. It returns immediately; the first sweep
// runs right away and then repeats every Interval.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)

	return nil
}

// Stop stops the sweep loop, waiting for an in-flight sweep to finish.
func (s *Sweeper) Stop() error {
	if !s.started.Load() {
		return ErrNotStarted
	}

	s.cancel()
	<-s.done

	s.started.Store(false)
	return nil
}

// IsRunning returns true if the sweeper is running.
func (s *Sweeper) IsRunning() bool {
	return s.started.Load()
}

// run is the main sweep loop.
func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one pass and fires the configured callbacks.
func (s *Sweeper) sweep(ctx context.Context) {
	result := s.RunOnce(ctx)

	if result.Skipped {
		s.logger.Debug("sweep skipped, lock held elsewhere", "holder", s.config.Holder)
	} else {
		s.logger.Debug("sweep finished",
			"pruned", result.SegmentsPruned,
			"deactivated", result.FactsDeactivated,
			"backfilled", result.EmbeddingsBackfilled,
			"errors", len(result.Errors))
	}

	if s.config.OnSweep != nil {
		s.config.OnSweep(result)
	}
	if s.config.OnError != nil {
		for _, err := range result.Errors {
			s.config.OnError(err)
		}
	}
}

// RunOnce performs one sweep and returns the result. It can be called
// manually for one-off maintenance.
func (s *Sweeper) RunOnce(ctx context.Context) *Result {
	result := &Result{}

	acquired, err := s.maintainer.AcquireSweepLock(ctx, s.config.Holder, s.config.LockTTL)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("failed to acquire sweep lock: %w", err))
		return result
	}
	if !acquired {
		result.Skipped = true
		return result
	}
	defer func() {
		if err := s.maintainer.ReleaseSweepLock(ctx, s.config.Holder); err != nil {
			s.logger.Warn("failed to release sweep lock", "holder", s.config.Holder, "error", err)
		}
	}()

	if s.config.Retention > 0 {
		pruned, err := s.maintainer.PruneSegments(ctx, s.now().Add(-s.config.Retention))
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("failed to prune segments: %w", err))
		} else {
			result.SegmentsPruned = pruned
		}
	}

	if s.config.FactRetention > 0 {
		deactivated, err := s.maintainer.DeactivateFacts(ctx, s.now().Add(-s.config.FactRetention))
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("failed to deactivate facts: %w", err))
		} else {
			result.FactsDeactivated = deactivated
		}
	}

	// One batch per sweep; a sweep must finish inside the lock TTL.
	backfilled, err := s.maintainer.BackfillEmbeddings(ctx, s.config.BackfillBatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("failed to backfill embeddings: %w", err))
	} else {
		result.EmbeddingsBackfilled = backfilled
	}

	return result
}
