// Package rank scores conversation messages for eviction priority.
//
// Scores combine a per-role base with a recency bonus so that system
// messages are untouchable, recent messages outrank older ones, and tool
// chatter goes first when the budget tightens.
package rank

import (
	"math"
	"sort"

	"github.com/lodestarhq/threadline/types"
)

const (
	// BaseScoreSystem is the base importance of system messages.
	// System messages are never selected for eviction.
	BaseScoreSystem = 100

	// BaseScoreUser is the base importance of user messages.
	BaseScoreUser = 80

	// BaseScoreAssistant is the base importance of assistant messages.
	BaseScoreAssistant = 60

	// BaseScoreTool is the base importance of tool and unknown-role messages.
	BaseScoreTool = 40

	// MaxRecencyBonus is the bonus granted to the most recent message,
	// decaying linearly to zero at the oldest.
	MaxRecencyBonus = 20

	// ImportantThreshold marks the score at or above which a dropped
	// message is counted as an important loss.
	ImportantThreshold = 70
)

// Score describes the importance of a single message.
type Score struct {
	// Score is the final clamped importance in [0, 100].
	Score int

	// Role the score was computed for.
	Role types.Role

	// Base is the per-role base score.
	Base int

	// RecencyBonus is the position-derived bonus in [0, MaxRecencyBonus].
	RecencyBonus int
}

// Compute scores one message by role and position. positionFromEnd is 0 for
// the most recent message; total is the transcript length.
func Compute(role types.Role, positionFromEnd, total int) Score {
	base := BaseScoreTool
	switch role {
	case types.RoleSystem:
		base = BaseScoreSystem
	case types.RoleUser:
		base = BaseScoreUser
	case types.RoleAssistant:
		base = BaseScoreAssistant
	}

	bonus := MaxRecencyBonus
	if total > 1 {
		bonus = int(math.Round(MaxRecencyBonus * (1 - float64(positionFromEnd)/float64(total-1))))
	}

	score := base + bonus
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	return Score{Score: score, Role: role, Base: base, RecencyBonus: bonus}
}

// Ranked pairs a message with its importance and original position.
type Ranked struct {
	// Index is the message's position in the input slice.
	Index int

	// Message is the scored message.
	Message *types.Message

	// Score is the computed importance.
	Score Score
}

// Rank scores every message and returns them sorted ascending by importance
// (least important first). Ties keep their original transcript order.
func Rank(messages []*types.Message) []Ranked {
	total := len(messages)
	ranked := make([]Ranked, total)
	for i, msg := range messages {
		ranked[i] = Ranked{
			Index:   i,
			Message: msg,
			Score:   Compute(msg.Role, total-1-i, total),
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].Score.Score < ranked[b].Score.Score
	})
	return ranked
}

// Item is a message paired with its token estimate for drop selection.
type Item struct {
	Message *types.Message
	Tokens  int
}

// DropPlan is the outcome of SelectDrops.
type DropPlan struct {
	// KeptIndices are the indices of retained messages, in original order.
	KeptIndices []int

	// DroppedIndices are the indices of evicted messages, in eviction order.
	DroppedIndices []int

	// KeptTokens is the token total of the retained messages.
	KeptTokens int

	// DroppedByRole counts evictions per role.
	DroppedByRole map[types.Role]int

	// ImportantDrops counts evicted messages whose score was at least
	// ImportantThreshold.
	ImportantDrops int
}

// SelectDrops evicts the least important non-system messages until the
// retained total fits budgetTokens. System messages are never evicted; when
// evicting everything else still cannot reach the budget, the over-budget
// remainder is returned rather than violating that invariant.
func SelectDrops(items []Item, budgetTokens int) DropPlan {
	total := 0
	for _, it := range items {
		total += it.Tokens
	}

	plan := DropPlan{
		DroppedByRole: make(map[types.Role]int),
	}

	if total <= budgetTokens {
		plan.KeptIndices = make([]int, len(items))
		for i := range items {
			plan.KeptIndices[i] = i
		}
		plan.KeptTokens = total
		return plan
	}

	msgs := make([]*types.Message, len(items))
	for i, it := range items {
		msgs[i] = it.Message
	}
	ranked := Rank(msgs)

	dropped := make(map[int]bool, len(items))
	for _, r := range ranked {
		if total <= budgetTokens {
			break
		}
		if r.Message != nil && r.Message.Role == types.RoleSystem {
			continue
		}
		dropped[r.Index] = true
		plan.DroppedIndices = append(plan.DroppedIndices, r.Index)
		role := types.Role("")
		if r.Message != nil {
			role = r.Message.Role
		}
		plan.DroppedByRole[role]++
		if r.Score.Score >= ImportantThreshold {
			plan.ImportantDrops++
		}
		total -= items[r.Index].Tokens
	}

	for i := range items {
		if !dropped[i] {
			plan.KeptIndices = append(plan.KeptIndices, i)
		}
	}
	plan.KeptTokens = total
	return plan
}
