package rank

import (
	"testing"

	"github.com/lodestarhq/threadline/types"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name        string
		role        types.Role
		posFromEnd  int
		total       int
		wantScore   int
		wantBase    int
		wantRecency int
	}{
		{
			name:        "system clamps at 100",
			role:        types.RoleSystem,
			posFromEnd:  0,
			total:       5,
			wantScore:   100, // 100 + 20 clamped
			wantBase:    100,
			wantRecency: 20,
		},
		{
			name:        "most recent user",
			role:        types.RoleUser,
			posFromEnd:  0,
			total:       5,
			wantScore:   100, // 80 + 20
			wantBase:    80,
			wantRecency: 20,
		},
		{
			name:        "oldest user gets no bonus",
			role:        types.RoleUser,
			posFromEnd:  4,
			total:       5,
			wantScore:   80, // 80 + round(20 * (1 - 4/4)) = 80
			wantBase:    80,
			wantRecency: 0,
		},
		{
			name:        "mid assistant",
			role:        types.RoleAssistant,
			posFromEnd:  2,
			total:       5,
			wantScore:   70, // 60 + round(20 * (1 - 2/4)) = 70
			wantBase:    60,
			wantRecency: 10,
		},
		{
			name:        "mid tool",
			role:        types.RoleTool,
			posFromEnd:  1,
			total:       3,
			wantScore:   50, // 40 + round(20 * (1 - 1/2)) = 50
			wantBase:    40,
			wantRecency: 10,
		},
		{
			name:        "rounded fractional bonus",
			role:        types.RoleUser,
			posFromEnd:  1,
			total:       4,
			wantScore:   93, // 80 + round(20 * (1 - 1/3)) = 80 + 13
			wantBase:    80,
			wantRecency: 13,
		},
		{
			name:        "unknown role scores like tool",
			role:        types.Role("function"),
			posFromEnd:  0,
			total:       1,
			wantScore:   60, // 40 + 20 (single message keeps full bonus)
			wantBase:    40,
			wantRecency: 20,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.role, tt.posFromEnd, tt.total)
			if got.Score != tt.wantScore {
				t.Errorf("Compute(%s, %d, %d).Score = %d, want %d", tt.role, tt.posFromEnd, tt.total, got.Score, tt.wantScore)
			}
			if got.Base != tt.wantBase {
				t.Errorf("Compute(%s, %d, %d).Base = %d, want %d", tt.role, tt.posFromEnd, tt.total, got.Base, tt.wantBase)
			}
			if got.RecencyBonus != tt.wantRecency {
				t.Errorf("Compute(%s, %d, %d).RecencyBonus = %d, want %d", tt.role, tt.posFromEnd, tt.total, got.RecencyBonus, tt.wantRecency)
			}
		})
	}
}

func TestRankAscendingWithStableTies(t *testing.T) {
	// Index 0: user at the far end, 80 + 0 = 80.
	// Index 1..3: assistant/tool chatter below 80.
	// Index 4: most recent assistant, 60 + 20 = 80, tying with index 0.
	messages := []*types.Message{
		types.NewUserMessage("s", "a"),
		types.NewAssistantMessage("s", nil),
		types.NewMessage("s", types.RoleTool, nil),
		types.NewAssistantMessage("s", nil),
		types.NewAssistantMessage("s", nil),
	}

	ranked := Rank(messages)
	if len(ranked) != 5 {
		t.Fatalf("Rank() returned %d entries, want 5", len(ranked))
	}
	for i := 1; i < len(ranked); i++ {
		if ranked[i].Score.Score < ranked[i-1].Score.Score {
			t.Errorf("Rank() not ascending at %d: %d < %d", i, ranked[i].Score.Score, ranked[i-1].Score.Score)
		}
	}
	// The tie between index 0 and index 4 keeps transcript order.
	last, secondLast := ranked[4], ranked[3]
	if secondLast.Index != 0 || last.Index != 4 {
		t.Errorf("tie order = (%d, %d), want (0, 4)", secondLast.Index, last.Index)
	}
}

func TestSelectDrops(t *testing.T) {
	session := "s"
	system := types.NewSystemMessage(session, "rules")
	user := types.NewUserMessage(session, "question")
	assistant := types.NewAssistantMessage(session, nil)
	tool := types.NewMessage(session, types.RoleTool, nil)

	t.Run("under budget keeps everything", func(t *testing.T) {
		plan := SelectDrops([]Item{
			{Message: system, Tokens: 50},
			{Message: user, Tokens: 50},
		}, 200)
		if len(plan.DroppedIndices) != 0 {
			t.Errorf("DroppedIndices = %v, want none", plan.DroppedIndices)
		}
		if len(plan.KeptIndices) != 2 || plan.KeptTokens != 100 {
			t.Errorf("kept = %v (%d tokens), want [0 1] (100 tokens)", plan.KeptIndices, plan.KeptTokens)
		}
	})

	t.Run("drops least important first", func(t *testing.T) {
		// Scores: system 100, user 87, assistant 73, tool 60.
		plan := SelectDrops([]Item{
			{Message: system, Tokens: 50},
			{Message: user, Tokens: 100},
			{Message: assistant, Tokens: 100},
			{Message: tool, Tokens: 100},
		}, 200)

		if got, want := plan.DroppedIndices, []int{3, 2}; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
			t.Errorf("DroppedIndices = %v, want %v", got, want)
		}
		if got, want := plan.KeptIndices, []int{0, 1}; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
			t.Errorf("KeptIndices = %v, want %v", got, want)
		}
		if plan.KeptTokens != 150 {
			t.Errorf("KeptTokens = %d, want 150", plan.KeptTokens)
		}
		if plan.DroppedByRole[types.RoleTool] != 1 || plan.DroppedByRole[types.RoleAssistant] != 1 {
			t.Errorf("DroppedByRole = %v, want one tool and one assistant", plan.DroppedByRole)
		}
		// The assistant scored 73, above the important threshold.
		if plan.ImportantDrops != 1 {
			t.Errorf("ImportantDrops = %d, want 1", plan.ImportantDrops)
		}
	})

	t.Run("never evicts system", func(t *testing.T) {
		plan := SelectDrops([]Item{
			{Message: system, Tokens: 60},
			{Message: types.NewSystemMessage(session, "more rules"), Tokens: 60},
			{Message: user, Tokens: 30},
		}, 10)

		for _, idx := range plan.DroppedIndices {
			if idx == 0 || idx == 1 {
				t.Errorf("dropped system message at index %d", idx)
			}
		}
		// Only the user message can go; the remainder stays over budget.
		if len(plan.DroppedIndices) != 1 || plan.DroppedIndices[0] != 2 {
			t.Errorf("DroppedIndices = %v, want [2]", plan.DroppedIndices)
		}
		if plan.KeptTokens != 120 {
			t.Errorf("KeptTokens = %d, want 120 (over budget accepted)", plan.KeptTokens)
		}
	})
}
