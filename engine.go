package threadline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/lodestarhq/threadline/compaction"
	"github.com/lodestarhq/threadline/hooks"
	"github.com/lodestarhq/threadline/logging"
	"github.com/lodestarhq/threadline/recall"
	"github.com/lodestarhq/threadline/store"
	"github.com/lodestarhq/threadline/tokens"
)

// Request and result types of the underlying pipelines, re-exported so
// callers only import the root package.
type (
	TurnRequest      = recall.TurnRequest
	TurnResult       = recall.TurnResult
	Preparation      = compaction.Preparation
	CompactionResult = compaction.Result
)

// Engine is the facade over the per-turn recall pipeline and the compaction
// flow. One Engine serves many sessions; turns within a session are expected
// to run sequentially, turns across sessions may run concurrently.
type Engine struct {
	cfg       *Config
	logger    logging.Logger
	estimator tokens.Estimator

	injector *recall.Injector
	orch     *compaction.Orchestrator
	archiver *recall.Archiver

	archive   store.Archive
	knowledge store.KnowledgeStore
	hooks     *hooks.Registry

	now    func() time.Time
	closed atomic.Bool
}

// New creates an engine. A nil cfg uses DefaultConfig. Collaborators are
// supplied through Options; everything is optional, and the engine degrades
// gracefully: without an archive store there is no recall or archival,
// without a summarizer every compaction produces the fallback summary.
//
// Configuring an archive store switches compaction to the archival fast
// path: summaries are built structurally from the messages instead of
// calling the model, since the full history stays recoverable.
func New(cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	conf := *cfg
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	ec := &engineConfig{
		queueSize: recall.DefaultQueueSize,
		workers:   recall.DefaultWorkers,
	}
	for _, opt := range opts {
		if err := opt(ec); err != nil {
			return nil, err
		}
	}
	if ec.logger == nil {
		ec.logger = logging.Nop()
	}
	if ec.estimator == nil {
		ec.estimator = tokens.NewHeuristic()
	}
	if ec.now == nil {
		ec.now = time.Now
	}

	orch, err := compaction.NewOrchestrator(&compaction.Config{
		ContextWindowTokens: conf.ContextWindowTokens,
		MaxHistoryShare:     conf.MaxHistoryShare,
		SafetyMargin:        conf.SafetyMargin,
		BaseChunkRatio:      conf.BaseChunkRatio,
		MinChunkRatio:       conf.MinChunkRatio,
		Model:               conf.Model,
		SummaryMaxTokens:    conf.SummaryMaxTokens,
		ArchivalFastPath:    ec.archive != nil,
	}, ec.summarizer, ec.estimator, ec.logger)
	if err != nil {
		return nil, WrapError("new", err)
	}

	injectorOpts := []recall.Option{
		recall.WithEstimator(ec.estimator),
		recall.WithLogger(ec.logger),
	}
	if ec.redactor != nil {
		injectorOpts = append(injectorOpts, recall.WithRedactor(ec.redactor))
	}
	if ec.stripPrefix != nil {
		injectorOpts = append(injectorOpts, recall.WithPrefixStripper(ec.stripPrefix))
	}

	var archiver *recall.Archiver
	if ec.archive != nil {
		archiver = recall.NewArchiver(ec.archive, ec.queueSize, ec.workers, ec.logger)
		injectorOpts = append(injectorOpts, recall.WithArchiver(archiver))
	}

	injector, err := recall.NewInjector(recall.Config{
		ContextWindowTokens: conf.ContextWindowTokens,
		ReserveTokens:       conf.ReserveTokens(),
		HardCap:             conf.RecallHardCap,
	}, ec.archive, ec.knowledge, injectorOpts...)
	if err != nil {
		if archiver != nil {
			_ = archiver.Close()
		}
		return nil, WrapError("new", err)
	}

	return &Engine{
		cfg:       &conf,
		logger:    ec.logger,
		estimator: ec.estimator,
		injector:  injector,
		orch:      orch,
		archiver:  archiver,
		archive:   ec.archive,
		knowledge: ec.knowledge,
		hooks:     ec.hooks,
		now:       ec.now,
	}, nil
}

// Config returns a copy of the engine's effective configuration.
func (e *Engine) Config() Config {
	return *e.cfg
}

// PrepareTurn readies a transcript for the next model call: strips stale
// recall blocks, trims to budget, archives what was trimmed, and injects a
// bounded block of recalled context. The result's Messages is
// reference-equal to the request's slice when nothing changed.
func (e *Engine) PrepareTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	if e.closed.Load() {
		return nil, NewEngineError("prepare_turn", ErrEngineClosed)
	}
	if e.hooks != nil {
		if err := e.hooks.TriggerBeforeTurn(ctx, req); err != nil {
			return nil, WrapError("prepare_turn", err)
		}
	}

	res, err := e.injector.PrepareTurn(ctx, req)
	if err != nil {
		return nil, WrapError("prepare_turn", err)
	}

	if e.hooks != nil {
		if err := e.hooks.TriggerAfterTurn(ctx, res); err != nil {
			return nil, WrapError("prepare_turn", err)
		}
	}
	return res, nil
}

// Compact summarizes the span described by prep and records the compaction
// against the session when an archive store is configured. Summarization
// failures degrade to the fallback summary inside the orchestrator, so an
// error here means the preparation itself was unusable.
func (e *Engine) Compact(ctx context.Context, prep *Preparation) (*CompactionResult, error) {
	if e.closed.Load() {
		return nil, NewEngineError("compact", ErrEngineClosed)
	}
	if e.hooks != nil {
		if err := e.hooks.TriggerBeforeCompaction(ctx, prep.SessionID); err != nil {
			return nil, WrapError("compact", err)
		}
	}

	res, err := e.orch.Compact(ctx, prep)
	if err != nil {
		return nil, WrapError("compact", err)
	}

	e.recordCompaction(ctx, prep, res)

	if e.hooks != nil {
		if err := e.hooks.TriggerAfterCompaction(ctx, res); err != nil {
			return nil, WrapError("compact", err)
		}
	}
	return res, nil
}

// recordCompaction persists session bookkeeping. Best effort: a usable
// summary is never discarded over a bookkeeping failure.
func (e *Engine) recordCompaction(ctx context.Context, prep *Preparation, res *CompactionResult) {
	if e.archive == nil {
		return
	}

	event := &store.CompactionEvent{
		SessionID:    prep.SessionID,
		Summary:      res.Summary,
		TokensBefore: res.TokensBefore,
		TokensAfter:  e.estimator.EstimateText(res.Summary),
		Strategy:     strategyName(res),
		DurationMs:   res.Duration.Milliseconds(),
		CreatedAt:    e.now().UTC(),
	}
	if err := e.archive.RecordCompaction(ctx, event); err != nil {
		e.logger.Warn("failed to record compaction",
			"session_id", prep.SessionID, "error", err)
	}
}

func strategyName(res *CompactionResult) string {
	switch {
	case res.UsedFastPath:
		return "archival"
	case res.UsedFallback:
		return "fallback"
	default:
		return "staged"
	}
}

// Session returns bookkeeping for a session, creating the record on first
// use. Requires an archive store.
func (e *Engine) Session(ctx context.Context, sessionID string) (*store.SessionInfo, error) {
	if e.archive == nil {
		return nil, NewEngineError("session", ErrNoArchive).WithSession(sessionID)
	}

	info, err := e.archive.Session(ctx, sessionID)
	if err != nil {
		return nil, NewEngineError("session", err).WithSession(sessionID)
	}
	return info, nil
}

// KnowledgeStats reports fact counts from the knowledge store.
func (e *Engine) KnowledgeStats(ctx context.Context) (store.Stats, error) {
	if e.knowledge == nil {
		return store.Stats{}, NewEngineError("knowledge_stats", ErrNoKnowledge)
	}

	stats, err := e.knowledge.Stats(ctx)
	if err != nil {
		return store.Stats{}, NewEngineError("knowledge_stats", err)
	}
	return stats, nil
}

// Close drains the archival queue and releases resources. Safe to call
// more than once.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.archiver != nil {
		return e.archiver.Close()
	}
	return nil
}
