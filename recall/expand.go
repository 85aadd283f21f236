package recall

import (
	"context"
	"sort"

	"github.com/lodestarhq/threadline/logging"
	"github.com/lodestarhq/threadline/store"
)

// neighborDecayPerStep is how much of a hit's score a neighbor loses per
// step of timeline distance.
const neighborDecayPerStep = 0.15

// ExpandNeighbors augments search hits with nearby timeline segments so a
// recalled exchange carries its surrounding context. A neighbor inherits
// the hit's score scaled by 1 - distance*0.15, floored at zero; when
// several hits reach the same segment the best score wins. Expansion
// failures are logged and skipped.
func ExpandNeighbors(ctx context.Context, archive store.RawArchive, hits []store.SearchResult, window int, logger logging.Logger) []ScoredSegment {
	if len(hits) == 0 {
		return nil
	}
	if logger == nil {
		logger = logging.Nop()
	}

	best := make(map[string]ScoredSegment)
	record := func(seg store.Segment, score float64) {
		if existing, ok := best[seg.ID]; ok && existing.Score >= score {
			return
		}
		best[seg.ID] = ScoredSegment{Segment: seg, Score: score}
	}

	for _, hit := range hits {
		record(hit.Segment, hit.Score)
		if window <= 0 {
			continue
		}

		neighbors, err := archive.TimelineNeighbors(ctx, hit.Segment.ID, window)
		if err != nil {
			logger.Debug("neighbor expansion failed",
				"segment_id", hit.Segment.ID, "error", err)
			continue
		}
		for _, n := range neighbors {
			score := hit.Score * (1 - float64(n.Distance)*neighborDecayPerStep)
			if score < 0 {
				score = 0
			}
			record(n.Segment, score)
		}
	}

	expanded := make([]ScoredSegment, 0, len(best))
	for _, seg := range best {
		expanded = append(expanded, seg)
	}
	sort.SliceStable(expanded, func(i, j int) bool {
		if expanded[i].Score != expanded[j].Score {
			return expanded[i].Score > expanded[j].Score
		}
		return expanded[i].Segment.Seq < expanded[j].Segment.Seq
	})
	return expanded
}
