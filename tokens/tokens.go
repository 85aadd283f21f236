// Package tokens provides token estimation for conversation messages.
//
// The engine never requires exact counts: budgets are enforced against a
// heuristic estimate and padded by a safety margin at the call sites. An
// API-backed counter is available for accurate accounting where a network
// round trip is acceptable.
package tokens

import (
	"github.com/lodestarhq/threadline/types"
)

// Estimator estimates token usage for messages and raw text.
type Estimator interface {
	// EstimateMessage returns the estimated token count for a message,
	// always at least 1.
	EstimateMessage(msg *types.Message) int

	// EstimateText returns the estimated token count for raw text.
	EstimateText(text string) int
}

// Heuristic is a character-based Estimator (~4 characters per token) with
// fixed overheads for message and tool structure. It performs no I/O and is
// safe for concurrent use.
type Heuristic struct{}

// NewHeuristic creates a new heuristic estimator.
func NewHeuristic() Heuristic {
	return Heuristic{}
}

// EstimateMessage estimates tokens for a single message using character
// approximation plus structural overheads.
func (Heuristic) EstimateMessage(msg *types.Message) int {
	if msg == nil {
		return 1
	}

	// Overhead for message structure (~4 tokens for role, etc.)
	total := 4

	if msg.Content != "" {
		total += approximateTokens(msg.Content)
	}

	for _, block := range msg.Blocks {
		switch block.Type {
		case types.ContentTypeText:
			total += approximateTokens(block.Text)
		case types.ContentTypeToolUse:
			// Tool name + ID overhead
			total += approximateTokens(block.ToolName) + 10
			if len(block.ToolInputRaw) > 0 {
				total += approximateTokens(string(block.ToolInputRaw))
			}
		case types.ContentTypeToolResult:
			// Tool result ID overhead
			total += 10
			total += approximateTokens(block.ToolContent)
		case types.ContentTypeImage:
			// A rough estimate: small images ~85 tokens, large images ~1600+
			total += 200
		default:
			if block.Text != "" {
				total += approximateTokens(block.Text)
			}
		}
	}

	if total < 1 {
		total = 1
	}
	return total
}

// EstimateText estimates tokens for raw text.
func (Heuristic) EstimateText(text string) int {
	return approximateTokens(text)
}

// Sum returns the estimated token total across messages.
func Sum(e Estimator, messages []*types.Message) int {
	total := 0
	for _, msg := range messages {
		total += e.EstimateMessage(msg)
	}
	return total
}

// PerMessage returns the estimate for each message plus the total.
func PerMessage(e Estimator, messages []*types.Message) ([]int, int) {
	counts := make([]int, len(messages))
	total := 0
	for i, msg := range messages {
		counts[i] = e.EstimateMessage(msg)
		total += counts[i]
	}
	return counts, total
}

// approximateTokens estimates token count from character count.
// Uses the approximation of ~4 characters per token for English text.
func approximateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	tokens := (len(text) + 3) / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
