// Package trim drops the least query-relevant older messages from a
// transcript so a turn fits its token budget without waiting for the next
// compaction boundary.
package trim

import (
	"sort"
	"strings"

	"github.com/lodestarhq/threadline/logging"
	"github.com/lodestarhq/threadline/rank"
	"github.com/lodestarhq/threadline/tokens"
	"github.com/lodestarhq/threadline/types"
)

// ProtectRecent is the number of most recent messages that are never
// trimmed, regardless of relevance.
const ProtectRecent = 6

// Result is the outcome of a trim pass.
type Result struct {
	// Kept is the retained transcript in original order. Reference-equal
	// to the input when nothing was trimmed.
	Kept []*types.Message

	// Trimmed lists the dropped messages in original order.
	Trimmed []*types.Message

	// DidTrim reports whether anything was dropped.
	DidTrim bool

	// KeptTokens is the estimated token total of the retained transcript.
	KeptTokens int
}

// Trimmer scores older messages against the active query and evicts the
// least relevant until the transcript fits a budget.
type Trimmer struct {
	estimator tokens.Estimator
	logger    logging.Logger
}

// New creates a Trimmer. A nil estimator falls back to the heuristic; a nil
// logger discards output.
func New(estimator tokens.Estimator, logger logging.Logger) *Trimmer {
	if estimator == nil {
		estimator = tokens.NewHeuristic()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Trimmer{estimator: estimator, logger: logger}
}

// candidate is an older message eligible for eviction.
type candidate struct {
	index      int
	tokens     int
	relevance  float64
	importance int
}

// Trim drops the least relevant older messages until the estimated total is
// at most safeLimit. The most recent ProtectRecent messages, system
// messages, summaries, and preserved messages are untouchable; when only
// untouchable messages remain the over-budget result is returned as is.
func (t *Trimmer) Trim(messages []*types.Message, query string, safeLimit int) Result {
	counts, total := tokens.PerMessage(t.estimator, messages)
	if total <= safeLimit {
		return Result{Kept: messages, KeptTokens: total}
	}

	queryTerms := Terms(query)
	protectedFrom := len(messages) - ProtectRecent
	if protectedFrom < 0 {
		protectedFrom = 0
	}

	var candidates []candidate
	for i, msg := range messages {
		if i >= protectedFrom || msg == nil {
			continue
		}
		if msg.Role == types.RoleSystem || msg.IsSummary || msg.IsPreserved {
			continue
		}
		candidates = append(candidates, candidate{
			index:      i,
			tokens:     counts[i],
			relevance:  Relevance(msg.Text(), queryTerms),
			importance: rank.Compute(msg.Role, len(messages)-1-i, len(messages)).Score,
		})
	}

	// Least relevant first; importance then transcript order break ties.
	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].relevance != candidates[b].relevance {
			return candidates[a].relevance < candidates[b].relevance
		}
		if candidates[a].importance != candidates[b].importance {
			return candidates[a].importance < candidates[b].importance
		}
		return candidates[a].index < candidates[b].index
	})

	dropped := make(map[int]bool)
	for _, c := range candidates {
		if total <= safeLimit {
			break
		}
		dropped[c.index] = true
		total -= c.tokens
	}

	if len(dropped) == 0 {
		return Result{Kept: messages, KeptTokens: total}
	}

	result := Result{DidTrim: true, KeptTokens: total}
	for i, msg := range messages {
		if dropped[i] {
			result.Trimmed = append(result.Trimmed, msg)
		} else {
			result.Kept = append(result.Kept, msg)
		}
	}

	t.logger.Debug("trimmed transcript to budget",
		"dropped", len(result.Trimmed),
		"kept_tokens", result.KeptTokens,
		"safe_limit", safeLimit)
	return result
}

// stopwords excluded from relevance terms.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "you": true, "are": true, "was": true, "have": true,
	"what": true, "how": true, "can": true, "not": true, "but": true,
}

// Terms splits text into lowercase search terms, dropping short words and
// stopwords.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_' || r == '-' || r == '.')
	})
	var terms []string
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

// Relevance measures how much of the query appears in the text: the share
// of query terms present, in [0, 1]. An empty query scores zero everywhere.
func Relevance(text string, queryTerms []string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	present := make(map[string]bool)
	for _, term := range Terms(text) {
		present[term] = true
	}
	matched := 0
	for _, term := range queryTerms {
		if present[term] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}
