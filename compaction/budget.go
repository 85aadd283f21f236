package compaction

import (
	"github.com/lodestarhq/threadline/tokens"
	"github.com/lodestarhq/threadline/types"
)

// AdaptiveChunkRatio computes the share of the context window one
// summarization chunk may use. The ratio descends linearly from
// BaseChunkRatio to MinChunkRatio as the average message size approaches
// LargeMessageTokens: larger messages produce smaller, more numerous chunks
// so a single oversized message cannot dominate a stage.
func (c *Config) AdaptiveChunkRatio(messages []*types.Message, estimator tokens.Estimator) float64 {
	if len(messages) == 0 {
		return c.BaseChunkRatio
	}

	total := tokens.Sum(estimator, messages)
	avg := float64(total) / float64(len(messages))

	scale := avg / float64(c.LargeMessageTokens)
	if scale > 1 {
		scale = 1
	}

	return c.BaseChunkRatio - (c.BaseChunkRatio-c.MinChunkRatio)*scale
}

// MaxChunkTokens converts the adaptive ratio into an absolute chunk budget.
func (c *Config) MaxChunkTokens(messages []*types.Message, estimator tokens.Estimator) int {
	budget := int(float64(c.ContextWindowTokens) * c.AdaptiveChunkRatio(messages, estimator))
	if budget < 1 {
		budget = 1
	}
	return budget
}

// chunkByTokens partitions messages into consecutive chunks of at most
// maxChunkTokens each. A single message larger than the budget forms its
// own chunk; every chunk holds at least one message.
func chunkByTokens(messages []*types.Message, estimator tokens.Estimator, maxChunkTokens int) [][]*types.Message {
	var chunks [][]*types.Message
	var current []*types.Message
	currentTokens := 0

	for _, msg := range messages {
		cost := estimator.EstimateMessage(msg)
		if len(current) > 0 && currentTokens+cost > maxChunkTokens {
			chunks = append(chunks, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, msg)
		currentTokens += cost
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// headroomPrune decides whether the incoming turn leaves room to summarize
// everything, and if not, splits the oldest chunks off messagesToSummarize
// until the remainder fits the history budget.
//
// newContentTokens is the portion of tokensBefore that is not being
// summarized; when it alone exceeds the history ceiling the summarization
// input is cut down so the stage work stays bounded. The pruned prefix is
// returned for best-effort independent summarization. An unknown
// tokensBefore (<= 0) skips pruning entirely.
func (c *Config) headroomPrune(prep *Preparation, estimator tokens.Estimator) (pruned, remainder []*types.Message) {
	remainder = prep.MessagesToSummarize
	if prep.TokensBefore <= 0 || len(remainder) == 0 {
		return nil, remainder
	}

	summarizable := tokens.Sum(estimator, prep.MessagesToSummarize) +
		tokens.Sum(estimator, prep.TurnPrefixMessages)
	newContent := prep.TokensBefore - summarizable
	if newContent < 0 {
		newContent = 0
	}

	maxHistory := c.MaxHistoryTokens()
	if newContent <= maxHistory {
		return nil, remainder
	}

	chunkBudget := c.MaxChunkTokens(remainder, estimator)
	for len(remainder) > 1 && tokens.Sum(estimator, remainder) > maxHistory {
		oldest, rest := splitOldestChunk(remainder, estimator, chunkBudget)
		if len(rest) == 0 {
			break
		}
		pruned = append(pruned, oldest...)
		remainder = rest
	}
	return pruned, remainder
}

// splitOldestChunk performs a two-part split: the oldest chunk within the
// token budget, and everything after it. The chunk always contains at least
// one message so the split makes progress.
func splitOldestChunk(messages []*types.Message, estimator tokens.Estimator, maxChunkTokens int) (oldest, rest []*types.Message) {
	cut := 1
	total := estimator.EstimateMessage(messages[0])
	for cut < len(messages) {
		cost := estimator.EstimateMessage(messages[cut])
		if total+cost > maxChunkTokens {
			break
		}
		total += cost
		cut++
	}
	if cut >= len(messages) {
		cut = len(messages) - 1
		if cut < 1 {
			cut = 1
		}
	}
	return messages[:cut], messages[cut:]
}
