package recall

import (
	"fmt"
	"strings"

	"github.com/lodestarhq/threadline/store"
	"github.com/lodestarhq/threadline/tokens"
	"github.com/lodestarhq/threadline/types"
)

// Marker is the first line of every injected recall message. Prior blocks
// are located and stripped by it before a fresh one is built.
const Marker = "[RECALLED CONTEXT — auto-generated, do not reply to this block]"

// ScoredSegment pairs an archive segment with its final recall score.
type ScoredSegment struct {
	Segment store.Segment `json:"segment"`
	Score   float64       `json:"score"`
}

// StripBlocks removes previously injected recall messages. Returns the
// input slice unchanged when none are present.
func StripBlocks(messages []*types.Message) []*types.Message {
	found := false
	for _, msg := range messages {
		if isRecallMessage(msg) {
			found = true
			break
		}
	}
	if !found {
		return messages
	}

	kept := make([]*types.Message, 0, len(messages))
	for _, msg := range messages {
		if !isRecallMessage(msg) {
			kept = append(kept, msg)
		}
	}
	return kept
}

func isRecallMessage(msg *types.Message) bool {
	return msg != nil && msg.Role == types.RoleUser && strings.HasPrefix(msg.Text(), Marker)
}

// BuildBlock renders facts and segments into one recall block bounded to
// hardCap estimated tokens. Items that would overflow the budget are
// dropped, facts first segments second. Returns "" when nothing fits.
func BuildBlock(facts []store.Fact, segments []ScoredSegment, hardCap int, estimator tokens.Estimator) string {
	if hardCap <= 0 || (len(facts) == 0 && len(segments) == 0) {
		return ""
	}
	if estimator == nil {
		estimator = tokens.NewHeuristic()
	}

	remaining := hardCap - estimator.EstimateText(Marker)
	var lines []string
	wrote := false

	appendSection := func(heading string, items []string) {
		if len(items) == 0 {
			return
		}
		used := estimator.EstimateText(heading)
		if used > remaining {
			return
		}
		section := []string{heading}
		for _, item := range items {
			cost := estimator.EstimateText(item)
			if used+cost > remaining {
				break
			}
			section = append(section, item)
			used += cost
		}
		if len(section) == 1 {
			return
		}
		remaining -= used
		lines = append(lines, section...)
		wrote = true
	}

	factItems := make([]string, 0, len(facts))
	for _, fact := range facts {
		factItems = append(factItems, "- "+squeeze(fact.Title+": "+fact.Content))
	}
	segmentItems := make([]string, 0, len(segments))
	for _, seg := range segments {
		segmentItems = append(segmentItems, fmt.Sprintf("- (%s) %s", seg.Segment.Role, squeeze(seg.Segment.Content)))
	}

	appendSection("## Knowledge", factItems)
	appendSection("## Related History", segmentItems)

	if !wrote {
		return ""
	}
	return Marker + "\n" + strings.Join(lines, "\n")
}

// squeeze collapses all whitespace runs to single spaces so one recall
// item renders as one line.
func squeeze(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
