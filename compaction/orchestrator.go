package compaction

import (
	"context"
	"time"

	"github.com/lodestarhq/threadline/logging"
	"github.com/lodestarhq/threadline/tokens"
	"github.com/lodestarhq/threadline/types"
)

// PreparationSettings carries per-session overrides supplied by the caller
// alongside a compaction request.
type PreparationSettings struct {
	// ReserveTokens overrides the configured response reserve for this
	// session when positive.
	ReserveTokens int `json:"reserve_tokens,omitempty"`
}

// Preparation describes one compaction request. The caller decides where the
// boundary falls; the orchestrator turns everything before it into a summary.
type Preparation struct {
	// SessionID identifies the conversation being compacted.
	SessionID string `json:"session_id"`

	// MessagesToSummarize is the history before the compaction boundary,
	// in conversation order.
	MessagesToSummarize []*types.Message `json:"messages_to_summarize"`

	// TurnPrefixMessages holds the leading part of a turn that the boundary
	// cut through. Only consulted when IsSplitTurn is set.
	TurnPrefixMessages []*types.Message `json:"turn_prefix_messages,omitempty"`

	// FirstKeptEntryID is the id of the first message that survives the
	// compaction. Echoed back so the caller can splice the summary in.
	FirstKeptEntryID string `json:"first_kept_entry_id"`

	// TokensBefore is the caller's estimate of the full history size,
	// including the messages that will be kept.
	TokensBefore int `json:"tokens_before"`

	// PreviousSummary is the summary produced by an earlier compaction of
	// this session, if any. It seeds the first summarization stage.
	PreviousSummary string `json:"previous_summary,omitempty"`

	// IsSplitTurn reports that the boundary falls mid-turn.
	IsSplitTurn bool `json:"is_split_turn"`

	// Settings holds per-session overrides.
	Settings PreparationSettings `json:"settings"`

	// FileOps records the file activity observed during the span being
	// summarized.
	FileOps FileOps `json:"file_ops"`
}

// Result is the outcome of a compaction run. Compact always produces a
// usable summary; UsedFallback reports that model summarization failed and
// the fixed fallback text was substituted for the narrative body.
type Result struct {
	Summary          string        `json:"summary"`
	FirstKeptEntryID string        `json:"first_kept_entry_id"`
	TokensBefore     int           `json:"tokens_before"`
	Details          Details       `json:"details"`
	UsedFallback     bool          `json:"used_fallback"`
	UsedFastPath     bool          `json:"used_fast_path"`
	Duration         time.Duration `json:"duration"`
}

// Orchestrator runs the full compaction flow: headroom pruning, staged
// summarization, split-turn handling, and the structured report sections.
type Orchestrator struct {
	cfg        *Config
	summarizer ModelSummarizer
	estimator  tokens.Estimator
	logger     logging.Logger
}

// NewOrchestrator creates an orchestrator. A nil config gets defaults, a nil
// estimator gets the heuristic counter, and a nil logger discards output.
// The summarizer may be nil only when the config enables the archival fast
// path; otherwise every Compact call will fall back.
func NewOrchestrator(cfg *Config, summarizer ModelSummarizer, estimator tokens.Estimator, logger logging.Logger) (*Orchestrator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if estimator == nil {
		estimator = tokens.NewHeuristic()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Orchestrator{
		cfg:        cfg,
		summarizer: summarizer,
		estimator:  estimator,
		logger:     logger,
	}, nil
}

// Compact produces a summary for the span described by prep.
//
// The only error condition is an empty preparation. Every summarization
// failure, including context cancellation between stages, degrades to the
// fixed fallback text so the caller can always splice a summary into the
// transcript. The tool-failure and file-operation sections are built from
// the raw messages and survive fallback.
func (o *Orchestrator) Compact(ctx context.Context, prep *Preparation) (*Result, error) {
	start := time.Now()
	if prep == nil || len(prep.MessagesToSummarize) == 0 {
		return nil, NewError("compact", ErrNoMessages)
	}

	res := &Result{
		FirstKeptEntryID: prep.FirstKeptEntryID,
		TokensBefore:     prep.TokensBefore,
		Details:          prep.FileOps.Details(),
	}

	span := make([]*types.Message, 0, len(prep.MessagesToSummarize)+len(prep.TurnPrefixMessages))
	span = append(span, prep.TurnPrefixMessages...)
	span = append(span, prep.MessagesToSummarize...)

	failuresSection := RenderToolFailures(CollectToolFailures(span))
	fileOpsSection := RenderFileOperations(res.Details)

	if o.cfg.ArchivalFastPath {
		res.Summary = composeSummary(BuildArchivalSummary(span), failuresSection, fileOpsSection)
		res.UsedFastPath = true
		res.Duration = time.Since(start)
		o.logger.Info("compaction complete",
			"session_id", prep.SessionID,
			"tokens_before", prep.TokensBefore,
			"fast_path", true,
			"duration_ms", res.Duration.Milliseconds())
		return res, nil
	}

	previousSummary := prep.PreviousSummary

	// Drop the oldest chunks when even post-compaction content would
	// overflow the history budget. Their summary, when it succeeds, seeds
	// the main stage; when it fails the pruned content is simply absent.
	pruned, remainder := o.cfg.headroomPrune(prep, o.estimator)
	if len(pruned) > 0 {
		prunedSummary, err := SummarizeInStages(ctx, o.summarizer, o.estimator, pruned, StageOptions{
			MaxChunkTokens:  o.cfg.MaxChunkTokens(pruned, o.estimator),
			PreviousSummary: previousSummary,
		}, o.logger)
		if err != nil {
			o.logger.Warn("pruned history summarization failed, pruned content will not appear in the summary",
				"session_id", prep.SessionID,
				"pruned_messages", len(pruned),
				"error", err)
		} else {
			previousSummary = prunedSummary
		}
	}

	body, summaryErr := SummarizeInStages(ctx, o.summarizer, o.estimator, remainder, StageOptions{
		MaxChunkTokens:  o.cfg.MaxChunkTokens(remainder, o.estimator),
		PreviousSummary: previousSummary,
	}, o.logger)

	var splitSection string
	if summaryErr == nil && prep.IsSplitTurn && len(prep.TurnPrefixMessages) > 0 {
		prefixSummary, err := SummarizeInStages(ctx, o.summarizer, o.estimator, prep.TurnPrefixMessages, StageOptions{
			MaxChunkTokens: o.cfg.MaxChunkTokens(prep.TurnPrefixMessages, o.estimator),
			Instructions:   SplitTurnInstructions,
		}, o.logger)
		if err != nil {
			summaryErr = err
		} else if prefixSummary != "" {
			splitSection = "## Interrupted Turn\n" + prefixSummary
		}
	}

	if summaryErr != nil {
		o.logger.Warn("summarization failed, substituting fallback summary",
			"session_id", prep.SessionID,
			"error", summaryErr)
		res.Summary = composeSummary(FallbackSummaryText, failuresSection, fileOpsSection)
		res.UsedFallback = true
	} else {
		res.Summary = composeSummary(body, splitSection, failuresSection, fileOpsSection)
	}

	res.Duration = time.Since(start)
	o.logger.Info("compaction complete",
		"session_id", prep.SessionID,
		"tokens_before", prep.TokensBefore,
		"pruned_messages", len(pruned),
		"split_turn", prep.IsSplitTurn,
		"used_fallback", res.UsedFallback,
		"duration_ms", res.Duration.Milliseconds())
	return res, nil
}
