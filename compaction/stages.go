package compaction

import (
	"context"

	"github.com/lodestarhq/threadline/logging"
	"github.com/lodestarhq/threadline/tokens"
	"github.com/lodestarhq/threadline/types"
)

// StageOptions configures one staged summarization run.
type StageOptions struct {
	// MaxChunkTokens bounds each chunk handed to the summarizer.
	MaxChunkTokens int

	// Instructions are appended to the summarizer's system prompt for
	// every stage. May be empty.
	Instructions string

	// PreviousSummary seeds the fold. May be empty.
	PreviousSummary string
}

// SummarizeInStages partitions messages into token-bounded chunks and folds
// them sequentially: each stage receives the running summary and produces
// the next. Returns the final cumulative summary.
//
// Cancellation is honored between chunk boundaries only; a stage that has
// already started runs to completion. Model, auth, and network failures
// propagate to the caller without retry.
func SummarizeInStages(ctx context.Context, summarizer ModelSummarizer, estimator tokens.Estimator, messages []*types.Message, opts StageOptions, logger logging.Logger) (string, error) {
	if summarizer == nil {
		return "", WrapError("SummarizeInStages", ErrSummarizationFailed)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if len(messages) == 0 {
		if opts.PreviousSummary != "" {
			return opts.PreviousSummary, nil
		}
		return "", ErrNoMessages
	}

	maxChunk := opts.MaxChunkTokens
	if maxChunk < 1 {
		maxChunk = 1
	}

	chunks := chunkByTokens(messages, estimator, maxChunk)
	running := opts.PreviousSummary

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return "", WrapError("SummarizeInStages", err)
		}

		summary, err := summarizer.Summarize(ctx, SummaryRequest{
			Messages:        chunk,
			PreviousSummary: running,
			Instructions:    opts.Instructions,
		})
		if err != nil {
			return "", err
		}

		running = summary
		logger.Debug("summarization stage complete",
			"stage", i+1,
			"stages", len(chunks),
			"chunk_messages", len(chunk))
	}

	return running, nil
}
