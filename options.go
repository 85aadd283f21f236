package threadline

import (
	"time"

	"github.com/lodestarhq/threadline/channel"
	"github.com/lodestarhq/threadline/compaction"
	"github.com/lodestarhq/threadline/hooks"
	"github.com/lodestarhq/threadline/logging"
	"github.com/lodestarhq/threadline/recall"
	"github.com/lodestarhq/threadline/store"
	"github.com/lodestarhq/threadline/tokens"
)

// engineConfig holds the optional collaborators gathered from Options.
type engineConfig struct {
	logger      logging.Logger
	estimator   tokens.Estimator
	summarizer  compaction.ModelSummarizer
	archive     store.Archive
	knowledge   store.KnowledgeStore
	redactor    recall.Redactor
	stripPrefix channel.PrefixStripper
	hooks       *hooks.Registry
	queueSize   int
	workers     int
	now         func() time.Time
}

// Option is a functional option for configuring an Engine
type Option func(*engineConfig) error

// WithLogger sets the logger. The default discards all output.
func WithLogger(logger logging.Logger) Option {
	return func(c *engineConfig) error {
		c.logger = logger
		return nil
	}
}

// WithSummarizer sets the model summarizer used at compaction boundaries.
// Without one (and without an archive store), every compaction produces the
// fixed fallback summary.
func WithSummarizer(summarizer compaction.ModelSummarizer) Option {
	return func(c *engineConfig) error {
		c.summarizer = summarizer
		return nil
	}
}

// WithEstimator overrides the token estimator. The default is the
// heuristic character-based counter.
func WithEstimator(estimator tokens.Estimator) Option {
	return func(c *engineConfig) error {
		c.estimator = estimator
		return nil
	}
}

// WithArchive sets the archive store. Enables trimmed-message archival,
// hybrid recall, and the archival compaction fast path.
func WithArchive(archive store.Archive) Option {
	return func(c *engineConfig) error {
		c.archive = archive
		return nil
	}
}

// WithKnowledge sets the knowledge store searched when building recall
// blocks.
func WithKnowledge(knowledge store.KnowledgeStore) Option {
	return func(c *engineConfig) error {
		c.knowledge = knowledge
		return nil
	}
}

// WithRedactor sets the redactor applied to messages before archival.
func WithRedactor(redactor recall.Redactor) Option {
	return func(c *engineConfig) error {
		c.redactor = redactor
		return nil
	}
}

// WithPrefixStripper sets the channel prefix stripper applied to recall
// queries and archived content.
func WithPrefixStripper(strip channel.PrefixStripper) Option {
	return func(c *engineConfig) error {
		c.stripPrefix = strip
		return nil
	}
}

// WithHooks sets the lifecycle hook registry. Hooks run synchronously
// around PrepareTurn and Compact; a hook error aborts the operation.
func WithHooks(registry *hooks.Registry) Option {
	return func(c *engineConfig) error {
		c.hooks = registry
		return nil
	}
}

// WithArchiveWorkers sets the archival queue capacity and worker count.
func WithArchiveWorkers(queueSize, workers int) Option {
	return func(c *engineConfig) error {
		if queueSize <= 0 || workers <= 0 {
			return NewEngineError("WithArchiveWorkers", ErrInvalidConfig).
				WithContext("queue_size", queueSize).
				WithContext("workers", workers).
				WithContext("reason", "queue size and workers must be positive")
		}
		c.queueSize = queueSize
		c.workers = workers
		return nil
	}
}

// WithClock overrides the engine's clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *engineConfig) error {
		if now == nil {
			return NewEngineError("WithClock", ErrInvalidConfig).
				WithContext("reason", "clock must not be nil")
		}
		c.now = now
		return nil
	}
}
